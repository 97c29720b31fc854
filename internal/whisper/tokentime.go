package whisper

import (
	"strings"

	"github.com/samcharles93/murmur/internal/audio"
)

// voiceLength estimates how long a token takes to say, in arbitrary units.
func voiceLength(text string) float64 {
	var n float64
	for _, c := range []byte(text) {
		switch {
		case c == ' ':
			n += 0.01
		case c == ',':
			n += 2
		case c == '.' || c == '!' || c == '?':
			n += 3
		case c >= '0' && c <= '9':
			n += 3
		default:
			n++
		}
	}
	return n
}

func centisToSample(t int64, n int) int {
	return max(0, min(n-1, audio.CentisToSamples(t)))
}

// tokenTimestamps estimates T0 and T1 of every token of seg. Confident
// timestamp predictions anchor tokens first, the gaps between anchors are
// split by voice length, and the edges then snap to voice activity.
func (st *State) tokenTimestamps(seg *Segment, p *Params) {
	v := st.c.model.Vocab
	nSamples := len(st.energy)
	if nSamples == 0 {
		return
	}
	toks := seg.Tokens
	n := len(toks)
	t0, t1 := seg.T0, seg.T1
	switch n {
	case 0:
		return
	case 1:
		toks[0].T0, toks[0].T1 = t0, t1
		return
	}

	for j := range toks {
		tok := &toks[j]
		if j == 0 {
			if tok.ID == v.Beg {
				toks[0].T0, toks[0].T1 = t0, t0
				toks[1].T0 = t0
				st.tBeg, st.tLast, st.tidLast = t0, t0, v.Beg
			} else {
				tok.T0 = st.tLast
			}
		}
		tt := st.tBeg + v.TimestampCentis(tok.TID)
		tok.VLen = float32(voiceLength(v.Text(tok.ID)))
		if tok.PT > p.TholdPT && tok.PTSum > p.TholdPTSum && tok.TID > st.tidLast && tt <= t1 {
			if j > 0 {
				toks[j-1].T1 = tt
			}
			tok.T0 = tt
			st.tidLast = tok.TID
		}
	}
	toks[n-2].T1 = t1
	toks[n-1].T0, toks[n-1].T1 = t1, t1
	st.tLast = t1

	// Split runs of unanchored tokens in proportion to their voice length.
	for p0, p1 := 0, 0; p1 < n; p0 = p1 {
		for p1 < n && toks[p1].T1 < 0 {
			p1++
		}
		if p1 >= n {
			p1--
		}
		if p1 > p0 {
			var sum float64
			for j := p0; j <= p1; j++ {
				sum += float64(toks[j].VLen)
			}
			dt := float64(toks[p1].T1 - toks[p0].T0)
			for j := p0 + 1; j <= p1; j++ {
				ct := toks[j-1].T0 + int64(dt*float64(toks[j-1].VLen)/sum)
				toks[j-1].T1 = ct
				toks[j].T0 = ct
			}
		}
		p1++
	}

	for j := 0; j < n-1; j++ {
		if toks[j].T1 < 0 {
			toks[j].T1 = toks[j].T0
		}
		if j > 0 && toks[j-1].T1 > toks[j].T0 {
			toks[j].T0 = toks[j-1].T1
			toks[j].T1 = max(toks[j].T0, toks[j].T1)
		}
	}

	hw := audio.SampleRate / 8
	e := st.energy
	for j := range toks {
		if toks[j].ID >= v.EOT {
			continue
		}
		s0 := centisToSample(toks[j].T0, nSamples)
		s1 := centisToSample(toks[j].T1, nSamples)
		lo := max(s0-hw, 0)
		hi := min(s1+hw, nSamples)
		var sum float32
		for k := lo; k < hi; k++ {
			sum += e[k]
		}
		thold := 0.5 * sum / float32(max(hi-lo, 1))

		k := s0
		if e[k] > thold && j > 0 {
			for k > 0 && e[k] > thold {
				k--
			}
			toks[j].T0 = audio.SamplesToCentis(k)
			if toks[j].T0 < toks[j-1].T1 {
				toks[j].T0 = toks[j-1].T1
			} else {
				s0 = k
			}
		} else {
			for e[k] < thold && k < s1 {
				k++
			}
			s0 = k
			toks[j].T0 = audio.SamplesToCentis(k)
		}

		k = s1
		if e[k] > thold {
			for k < nSamples-1 && e[k] > thold {
				k++
			}
			toks[j].T1 = audio.SamplesToCentis(k)
			if j < n-1 && toks[j].T1 > toks[j+1].T0 {
				toks[j].T1 = toks[j+1].T0
			}
		} else {
			for e[k] < thold && k > s0 {
				k--
			}
			toks[j].T1 = audio.SamplesToCentis(k)
		}
	}
}

// wrapLast splits the last segment of res into pieces of at most maxLen
// characters and returns the number of segments it became.
func (st *State) wrapLast(res *Result, maxLen int, onWord bool) int {
	v := st.c.model.Vocab
	n := 1
	acc := 0
	var text strings.Builder
	seg := res.Segments[len(res.Segments)-1]
	for i := 0; i < len(seg.Tokens); i++ {
		tok := seg.Tokens[i]
		if tok.ID >= v.EOT {
			continue
		}
		txt := v.Text(tok.ID)
		split := !onWord || strings.HasPrefix(txt, " ")
		if acc+len(txt) > maxLen && i > 0 && split {
			last := &res.Segments[len(res.Segments)-1]
			last.Text = text.String()
			last.T1 = tok.T0
			last.Tokens = last.Tokens[:i:i]
			next := Segment{
				T0:           tok.T0,
				T1:           seg.T1,
				Tokens:       seg.Tokens[i:],
				NoSpeechProb: seg.NoSpeechProb,
			}
			res.Segments = append(res.Segments, next)
			seg = next
			acc = 0
			text.Reset()
			i = -1
			n++
			continue
		}
		acc += len(txt)
		text.WriteString(txt)
	}
	res.Segments[len(res.Segments)-1].Text = text.String()
	return n
}
