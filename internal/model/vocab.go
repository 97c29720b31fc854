package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrInvalidToken = errors.New("invalid token id")

// Vocab maps token ids to strings. Special tokens sit at the top of the
// id range, after the text tokens:
//
//	eot  sot  <languages...>  translate transcribe solm prev nospeech not  beg <timestamps...>
//
// with one timestamp token per audio context position plus one.
type Vocab struct {
	tokens []string
	ids    map[string]int32

	NVocab       int
	Multilingual bool

	EOT          int32
	SOT          int32
	Translate    int32
	Transcribe   int32
	SOLM         int32
	Prev         int32
	NoSpeech     int32
	NoTimestamps int32
	Beg          int32
}

// NewVocab lays out the special tokens for nVocab ids and nAudioCtx audio
// positions. Ids missing from tokens get placeholder strings.
func NewVocab(tokens []string, nVocab, nAudioCtx int, multilingual bool) (*Vocab, error) {
	nTimestamps := nAudioCtx + 1
	v := &Vocab{NVocab: nVocab, Multilingual: multilingual}
	v.Beg = int32(nVocab - nTimestamps)
	v.NoTimestamps = v.Beg - 1
	v.NoSpeech = v.Beg - 2
	v.Prev = v.Beg - 3
	v.SOLM = v.Beg - 4
	v.Transcribe = v.Beg - 5
	v.Translate = v.Beg - 6
	v.SOT = v.Translate - int32(len(languages)) - 1
	v.EOT = v.SOT - 1
	if v.EOT < 0 {
		return nil, fmt.Errorf("vocabulary of %d ids cannot hold %d timestamps and the special tokens", nVocab, nTimestamps)
	}
	if len(tokens) > nVocab {
		return nil, fmt.Errorf("vocabulary has %d strings for %d ids", len(tokens), nVocab)
	}

	v.tokens = make([]string, nVocab)
	v.ids = make(map[string]int32, nVocab)
	copy(v.tokens, tokens)
	for i := len(tokens); i < nVocab; i++ {
		v.tokens[i] = v.placeholder(int32(i))
	}
	for i, t := range v.tokens {
		if _, dup := v.ids[t]; !dup {
			v.ids[t] = int32(i)
		}
	}
	return v, nil
}

func (v *Vocab) placeholder(id int32) string {
	switch {
	case id > v.Beg:
		return fmt.Sprintf("[_TT_%d]", id-v.Beg)
	case id == v.Beg:
		return "[_BEG_]"
	case id == v.EOT:
		return "[_EOT_]"
	case id == v.SOT:
		return "[_SOT_]"
	case id == v.Prev:
		return "[_PREV_]"
	case id == v.SOLM:
		return "[_SOLM_]"
	case id == v.NoTimestamps:
		return "[_NOT_]"
	case id == v.NoSpeech:
		return "[_NOSP_]"
	case id == v.Translate:
		return "[_TRANSLATE_]"
	case id == v.Transcribe:
		return "[_TRANSCRIBE_]"
	case id > v.SOT && id < v.Translate:
		return "[_LANG_" + LangCode(int(id-v.SOT-1)) + "]"
	default:
		return fmt.Sprintf("[_extra_token_%d]", id)
	}
}

// Token returns the string of id.
func (v *Vocab) Token(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", fmt.Errorf("%w: %d", ErrInvalidToken, id)
	}
	return v.tokens[id], nil
}

// Text returns the string of id, or "" for an invalid id.
func (v *Vocab) Text(id int32) string {
	s, _ := v.Token(id)
	return s
}

// ID looks up the id of an exact token string.
func (v *Vocab) ID(s string) (int32, bool) {
	id, ok := v.ids[s]
	return id, ok
}

// Tokens returns a copy of the vocabulary in id order.
func (v *Vocab) Tokens() []string { return append([]string(nil), v.tokens...) }

func (v *Vocab) IsTimestamp(id int32) bool { return id >= v.Beg && int(id) < v.NVocab }

// IsSpecial reports whether id is EOT or any token above it.
func (v *Vocab) IsSpecial(id int32) bool { return id >= v.EOT }

// Lang returns the token for language id.
func (v *Vocab) Lang(id int) int32 { return v.SOT + 1 + int32(id) }

// LangOf returns the language id of a language token.
func (v *Vocab) LangOf(tok int32) (int, bool) {
	id := int(tok - v.SOT - 1)
	if id < 0 || id >= len(languages) {
		return -1, false
	}
	return id, true
}

// TimestampCentis converts a timestamp token into its offset from the
// window start in centiseconds. Each step is 20 ms.
func (v *Vocab) TimestampCentis(id int32) int64 { return 2 * int64(id-v.Beg) }

// GPT-2 style pre-tokenizer. Whitespace runs followed by text give up
// their last character to the next word.
var splitRe = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\pL+| ?\pN+| ?[^\s\pL\pN]+|\s+`)

func splitWords(text string) []string {
	var words []string
	for len(text) > 0 {
		loc := splitRe.FindStringIndex(text)
		if loc == nil {
			break
		}
		word := text[loc[0]:loc[1]]
		rest := text[loc[1]:]
		if strings.TrimSpace(word) == "" && rest != "" && utf8.RuneCountInString(word) > 1 {
			r, _ := utf8.DecodeLastRuneInString(word)
			if first, _ := utf8.DecodeRuneInString(rest); !unicode.IsSpace(first) {
				word = word[:len(word)-utf8.RuneLen(r)]
			}
		}
		words = append(words, word)
		text = text[loc[0]+len(word):]
	}
	return words
}

// Tokenize splits text into words and greedily matches the longest known
// token at each position. Bytes with no token are dropped.
func (v *Vocab) Tokenize(text string) []int32 {
	var out []int32
	for _, word := range splitWords(text) {
		i, n := 0, len(word)
		for i < n {
			j := n
			for ; j > i; j-- {
				if id, ok := v.ids[word[i:j]]; ok && !v.IsSpecial(id) {
					out = append(out, id)
					break
				}
			}
			if j == i {
				i++
				continue
			}
			i = j
		}
	}
	return out
}
