package ai

import (
	"context"
	"fmt"
	"strings"
)

const (
	StartToken = "startseq"
	EndToken   = "endseq"

	DefaultMaxCaptionLength = 34
)

// SequenceModel predicts the next-token distribution over the vocabulary
// from image features and a fixed-width, left-padded index sequence.
type SequenceModel interface {
	PredictNext(ctx context.Context, features []float32, sequence []int) ([]float32, error)
}

type StopReason string

const (
	StopEndToken     StopReason = "end_token"
	StopUnknownIndex StopReason = "unknown_index"
	StopMaxLength    StopReason = "max_length"
)

type DecodeResult struct {
	// Tokens are the words appended after the start token, including the
	// end token when it was produced.
	Tokens []string
	// Raw is the working text before cleanup, start token included.
	Raw     string
	Caption string
	Steps   int
	Stop    StopReason
}

// Underflow reports a decode that produced nothing usable.
func (r *DecodeResult) Underflow() bool {
	return r.Caption == ""
}

// Decoder runs greedy autoregressive decoding. It holds no per-call state
// and may be shared between goroutines as long as the SequenceModel can.
type Decoder struct {
	model     SequenceModel
	vocab     *Vocabulary
	maxLength int
}

func NewDecoder(model SequenceModel, vocab *Vocabulary, maxLength int) (*Decoder, error) {
	if model == nil {
		return nil, fmt.Errorf("sequence model is required")
	}
	if vocab == nil {
		return nil, fmt.Errorf("vocabulary is required")
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxCaptionLength
	}
	return &Decoder{model: model, vocab: vocab, maxLength: maxLength}, nil
}

func (d *Decoder) MaxLength() int {
	return d.maxLength
}

// Decode generates at most MaxLength tokens for features. Every step
// re-tokenizes the whole working text and pads it to MaxLength because the
// sequence model has a static input width.
func (d *Decoder) Decode(ctx context.Context, features []float32) (*DecodeResult, error) {
	working := []string{StartToken}
	result := &DecodeResult{Stop: StopMaxLength}

	for step := 0; step < d.maxLength; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seq := PadSequence(d.vocab.TextToSequence(strings.Join(working, " ")), d.maxLength)

		probs, err := d.model.PredictNext(ctx, features, seq)
		if err != nil {
			return nil, fmt.Errorf("sequence model step %d: %w", step, err)
		}
		result.Steps++

		word, ok := d.vocab.Word(Argmax(probs))
		if !ok {
			result.Stop = StopUnknownIndex
			break
		}

		working = append(working, word)
		result.Tokens = append(result.Tokens, word)

		if word == EndToken {
			result.Stop = StopEndToken
			break
		}
	}

	result.Raw = strings.Join(working, " ")
	result.Caption = CleanCaption(result.Raw)
	return result, nil
}

// PadSequence left-pads seq with zeros, or drops its oldest entries, so the
// result has exactly length elements.
func PadSequence(seq []int, length int) []int {
	out := make([]int, length)
	if len(seq) > length {
		seq = seq[len(seq)-length:]
	}
	copy(out[length-len(seq):], seq)
	return out
}

// Argmax returns the index of the largest value. Ties go to the lowest
// index; an empty slice yields -1.
func Argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

// CleanCaption removes every occurrence of the start and end tokens, wherever
// they appear in the text, and trims the surrounding whitespace.
func CleanCaption(raw string) string {
	caption := strings.ReplaceAll(raw, StartToken, "")
	caption = strings.ReplaceAll(caption, EndToken, "")
	return strings.TrimSpace(caption)
}
