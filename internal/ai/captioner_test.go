package ai

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExtractor struct {
	err     error
	block   chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeExtractor) ExtractFeatures(ctx context.Context, img *ImageTensor) ([]float32, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(img.Width), float32(img.Height)}, nil
}

type recordedCaption struct {
	status string
	steps  int
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedCaption
}

func (r *fakeRecorder) ObserveCaption(status string, _ time.Duration, steps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedCaption{status: status, steps: steps})
}

func (r *fakeRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, s := range r.seen {
		out[i] = s.status
	}
	return out
}

func newTestCaptioner(t *testing.T, extractor FeatureExtractor, model SequenceModel, maxConcurrent int) (*Captioner, *fakeRecorder) {
	t.Helper()

	decoder, err := NewDecoder(model, testVocabulary(t), DefaultMaxCaptionLength)
	require.NoError(t, err)

	recorder := &fakeRecorder{}
	c, err := NewCaptioner(extractor, decoder, CaptionerOptions{
		ImageSize:     4,
		Normalization: NormalizeMobileNet,
		MaxConcurrent: maxConcurrent,
		Logger:        zaptest.NewLogger(t),
		Recorder:      recorder,
	})
	require.NoError(t, err)
	return c, recorder
}

func TestCaptioner_CaptionImage(t *testing.T) {
	data := encodePNG(t, solidImage(16, 12, color.NRGBA{R: 120, G: 80, B: 40, A: 255}))

	t.Run("Success", func(t *testing.T) {
		c, recorder := newTestCaptioner(t, &fakeExtractor{}, dogModel(), 1)
		require.NoError(t, c.Ready())

		result, err := c.CaptionImage(context.Background(), data)
		require.NoError(t, err)

		assert.Equal(t, "a dog runs", result.Caption)
		assert.Equal(t, 4, result.Steps)
		assert.Equal(t, StopEndToken, result.Stop)
		assert.False(t, result.Underflow)
		assert.Equal(t, []recordedCaption{{status: StatusOK, steps: 4}}, recorder.seen)
	})

	t.Run("Idempotent", func(t *testing.T) {
		c, _ := newTestCaptioner(t, &fakeExtractor{}, dogModel(), 2)

		first, err := c.CaptionImage(context.Background(), data)
		require.NoError(t, err)
		second, err := c.CaptionImage(context.Background(), data)
		require.NoError(t, err)

		assert.Equal(t, first.Caption, second.Caption)
		assert.Equal(t, first.Tokens, second.Tokens)
	})

	t.Run("UndecodableImage", func(t *testing.T) {
		c, recorder := newTestCaptioner(t, &fakeExtractor{}, dogModel(), 1)

		_, err := c.CaptionImage(context.Background(), []byte("not an image"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFeatureExtraction)

		var fe *FeatureExtractionError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, StageDecode, fe.Stage)
		assert.Equal(t, []string{StatusFeatureError}, recorder.statuses())
	})

	t.Run("OversizedImageRejectedBeforeDecoding", func(t *testing.T) {
		extractor := &fakeExtractor{}
		c, recorder := newTestCaptioner(t, extractor, dogModel(), 1)

		_, err := c.CaptionImage(context.Background(), pngDeclaring(t, 40000, 40000))
		assert.ErrorIs(t, err, ErrFeatureExtraction)
		assert.ErrorIs(t, err, ErrImageTooLarge)

		var fe *FeatureExtractionError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, StageDecode, fe.Stage)
		assert.Equal(t, []string{StatusFeatureError}, recorder.statuses())
	})

	t.Run("ExtractorFailure", func(t *testing.T) {
		boom := errors.New("tensor invoke failed")
		c, _ := newTestCaptioner(t, &fakeExtractor{err: boom}, dogModel(), 1)

		_, err := c.CaptionImage(context.Background(), data)
		assert.ErrorIs(t, err, ErrFeatureExtraction)
		assert.ErrorIs(t, err, boom)

		var fe *FeatureExtractionError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, StageInvoke, fe.Stage)
	})

	t.Run("Underflow", func(t *testing.T) {
		model := &scriptedModel{next: map[int]int{}, vocabSize: 6}
		c, recorder := newTestCaptioner(t, &fakeExtractor{}, model, 1)

		result, err := c.CaptionImage(context.Background(), data)
		require.NoError(t, err)
		assert.Equal(t, "", result.Caption)
		assert.True(t, result.Underflow)
		assert.Equal(t, []string{StatusUnderflow}, recorder.statuses())
	})

	t.Run("DecoderFailure", func(t *testing.T) {
		boom := errors.New("sequence model exploded")
		c, recorder := newTestCaptioner(t, &fakeExtractor{}, &scriptedModel{err: boom, vocabSize: 6}, 1)

		_, err := c.CaptionImage(context.Background(), data)
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrFeatureExtraction)
		assert.Equal(t, []string{StatusDecodeError}, recorder.statuses())
	})
}

func TestCaptioner_BoundsConcurrency(t *testing.T) {
	extractor := &fakeExtractor{block: make(chan struct{})}
	c, _ := newTestCaptioner(t, extractor, dogModel(), 2)
	img := &ImageTensor{Width: 4, Height: 4, Data: make([]float32, 4*4*3)}

	var wg sync.WaitGroup
	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.GenerateCaption(context.Background(), img)
			if err == nil {
				results <- result.Caption
			}
		}()
	}

	require.Eventually(t, func() bool {
		return extractor.active.Load() == 2
	}, time.Second, 5*time.Millisecond)

	close(extractor.block)
	wg.Wait()
	close(results)

	count := 0
	for caption := range results {
		assert.Equal(t, "a dog runs", caption)
		count++
	}
	assert.Equal(t, 5, count)
	assert.LessOrEqual(t, extractor.maxSeen.Load(), int32(2))
}

func TestCaptioner_CancelledWhileWaiting(t *testing.T) {
	extractor := &fakeExtractor{block: make(chan struct{})}
	c, recorder := newTestCaptioner(t, extractor, dogModel(), 1)
	img := &ImageTensor{Width: 4, Height: 4}

	done := make(chan error, 1)
	go func() {
		_, err := c.GenerateCaption(context.Background(), img)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return extractor.active.Load() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GenerateCaption(ctx, img)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(extractor.block)
	require.NoError(t, <-done)
	assert.Contains(t, recorder.statuses(), StatusContextCancelled)
}

func TestCaptioner_DecodingWaitsForSlot(t *testing.T) {
	extractor := &fakeExtractor{block: make(chan struct{})}
	c, _ := newTestCaptioner(t, extractor, dogModel(), 1)

	done := make(chan error, 1)
	go func() {
		_, err := c.GenerateCaption(context.Background(), &ImageTensor{Width: 4, Height: 4})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return extractor.active.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// the slot is taken, so even an oversized image is never inspected
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CaptionImage(ctx, pngDeclaring(t, 40000, 40000))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrFeatureExtraction)

	close(extractor.block)
	require.NoError(t, <-done)
}

func TestCaptioner_Unavailable(t *testing.T) {
	recorder := &fakeRecorder{}
	c := Unavailable(errors.New("open caption_model.tflite: no such file"), recorder)

	err := c.Ready()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "caption_model.tflite")

	_, err = c.CaptionImage(context.Background(), []byte("anything"))
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = c.GenerateCaption(context.Background(), &ImageTensor{})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	assert.Equal(t, []string{StatusModelUnavailable, StatusModelUnavailable}, recorder.statuses())
	assert.Equal(t, 0, c.MaxCaptionLength())
	c.Close()
}

func TestNewCaptioner_Validation(t *testing.T) {
	decoder, err := NewDecoder(dogModel(), testVocabulary(t), 10)
	require.NoError(t, err)

	_, err = NewCaptioner(nil, decoder, CaptionerOptions{})
	assert.Error(t, err)

	_, err = NewCaptioner(&fakeExtractor{}, nil, CaptionerOptions{})
	assert.Error(t, err)

	_, err = NewCaptioner(&fakeExtractor{}, decoder, CaptionerOptions{Normalization: "bogus"})
	assert.Error(t, err)

	c, err := NewCaptioner(&fakeExtractor{}, decoder, CaptionerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, c.MaxCaptionLength())
}

func TestLoadCaptioner_MissingArtifacts(t *testing.T) {
	cfg := *NewConfig()
	cfg.VocabularyPath = t.TempDir() + "/missing.json"

	_, err := LoadCaptioner(cfg, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
