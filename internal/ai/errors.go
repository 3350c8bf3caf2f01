package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable is returned by every captioning call when the model
	// artifacts failed to load at start. Recovery requires a restart.
	ErrModelUnavailable = errors.New("caption model unavailable")

	ErrFeatureExtraction = errors.New("feature extraction failed")
)

// Stages of the image pipeline that can fail before decoding starts.
const (
	StageDecode     = "decode"
	StagePreprocess = "preprocess"
	StageInvoke     = "invoke"
)

// FeatureExtractionError reports which stage of turning an image into a
// feature vector failed. It matches ErrFeatureExtraction with errors.Is.
type FeatureExtractionError struct {
	Stage string
	Err   error
}

func (e *FeatureExtractionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrFeatureExtraction, e.Stage, e.Err)
}

func (e *FeatureExtractionError) Unwrap() error {
	return e.Err
}

func (e *FeatureExtractionError) Is(target error) bool {
	return target == ErrFeatureExtraction
}

func featureError(stage string, err error) error {
	return &FeatureExtractionError{Stage: stage, Err: err}
}
