// Package model loads whisper-style encoder-decoder speech models.
package model

import (
	"fmt"

	"github.com/samcharles93/murmur/pkg/mmf"
)

// HParams are the model hyperparameters.
type HParams struct {
	NVocab       int
	NAudioCtx    int
	NAudioState  int
	NAudioHead   int
	NAudioLayer  int
	NTextCtx     int
	NTextState   int
	NTextHead    int
	NTextLayer   int
	NMels        int
	FType        mmf.DType
	Multilingual bool
}

// HParamsFromFile widens the on-disk block.
func HParamsFromFile(hp mmf.HParams) HParams {
	return HParams{
		NVocab:       int(hp.NVocab),
		NAudioCtx:    int(hp.NAudioCtx),
		NAudioState:  int(hp.NAudioState),
		NAudioHead:   int(hp.NAudioHead),
		NAudioLayer:  int(hp.NAudioLayer),
		NTextCtx:     int(hp.NTextCtx),
		NTextState:   int(hp.NTextState),
		NTextHead:    int(hp.NTextHead),
		NTextLayer:   int(hp.NTextLayer),
		NMels:        int(hp.NMels),
		FType:        mmf.DType(hp.FType),
		Multilingual: hp.Multilingual != 0,
	}
}

// File converts back to the on-disk block.
func (hp HParams) File() mmf.HParams {
	ml := int32(0)
	if hp.Multilingual {
		ml = 1
	}
	return mmf.HParams{
		NVocab: int32(hp.NVocab), NAudioCtx: int32(hp.NAudioCtx), NAudioState: int32(hp.NAudioState),
		NAudioHead: int32(hp.NAudioHead), NAudioLayer: int32(hp.NAudioLayer),
		NTextCtx: int32(hp.NTextCtx), NTextState: int32(hp.NTextState),
		NTextHead: int32(hp.NTextHead), NTextLayer: int32(hp.NTextLayer),
		NMels: int32(hp.NMels), FType: int32(hp.FType), Multilingual: ml,
	}
}

func (hp HParams) Validate() error {
	pos := map[string]int{
		"n_vocab": hp.NVocab, "n_audio_ctx": hp.NAudioCtx, "n_audio_state": hp.NAudioState,
		"n_audio_head": hp.NAudioHead, "n_audio_layer": hp.NAudioLayer,
		"n_text_ctx": hp.NTextCtx, "n_text_state": hp.NTextState,
		"n_text_head": hp.NTextHead, "n_text_layer": hp.NTextLayer, "n_mels": hp.NMels,
	}
	for k, v := range pos {
		if v <= 0 {
			return fmt.Errorf("%w: %s = %d", mmf.ErrBadFormat, k, v)
		}
	}
	if hp.NAudioState%hp.NAudioHead != 0 || hp.NTextState%hp.NTextHead != 0 {
		return fmt.Errorf("%w: state width not divisible by head count", mmf.ErrBadFormat)
	}
	if hp.NAudioState != hp.NTextState {
		return fmt.Errorf("%w: audio state %d differs from text state %d", mmf.ErrBadFormat, hp.NAudioState, hp.NTextState)
	}
	if !hp.FType.Known() {
		return fmt.Errorf("%w: ftype %d", mmf.ErrUnsupportedQuant, uint32(hp.FType))
	}
	return nil
}

// Type names the model size by its encoder depth.
func (hp HParams) Type() string {
	switch hp.NAudioLayer {
	case 4:
		return "tiny"
	case 6:
		return "base"
	case 12:
		return "small"
	case 24:
		return "medium"
	case 32:
		return "large"
	default:
		return fmt.Sprintf("custom-%dL", hp.NAudioLayer)
	}
}

// WindowCentis is the audio span of one encoder pass in centiseconds.
// Every audio context position covers two mel frames of 10 ms.
func (hp HParams) WindowCentis() int64 { return 2 * int64(hp.NAudioCtx) }

// WindowFrames is the mel frame count of one encoder pass.
func (hp HParams) WindowFrames() int { return 2 * hp.NAudioCtx }
