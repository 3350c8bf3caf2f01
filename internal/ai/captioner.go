package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// FeatureExtractor turns a prepared image into a dense feature vector.
type FeatureExtractor interface {
	ExtractFeatures(ctx context.Context, img *ImageTensor) ([]float32, error)
}

// Recorder receives one observation per captioning attempt.
type Recorder interface {
	ObserveCaption(status string, elapsed time.Duration, steps int)
}

// Caption outcome labels passed to Recorder.
const (
	StatusOK               = "ok"
	StatusUnderflow        = "underflow"
	StatusFeatureError     = "feature_error"
	StatusDecodeError      = "decode_error"
	StatusModelUnavailable = "model_unavailable"
	StatusContextCancelled = "cancelled"
)

type Config struct {
	FeatureModelPath string `mapstructure:"feature_model_path"`
	CaptionModelPath string `mapstructure:"caption_model_path"`
	VocabularyPath   string `mapstructure:"vocabulary_path"`
	MaxCaptionLength int    `mapstructure:"max_caption_length"`
	// ImageSize overrides the input resolution read from the feature model.
	ImageSize     int    `mapstructure:"image_size"`
	Normalization string `mapstructure:"normalization"`
	// MaxPixels caps the declared width x height of uploaded images.
	MaxPixels int `mapstructure:"max_pixels"`
	Threads   int `mapstructure:"threads"`
	Workers   int `mapstructure:"workers"`
}

func NewConfig() *Config {
	return &Config{
		MaxCaptionLength: DefaultMaxCaptionLength,
		ImageSize:        DefaultImageSize,
		Normalization:    NormalizeMobileNet,
		MaxPixels:        DefaultMaxPixels,
		Workers:          2,
	}
}

type CaptionResult struct {
	Caption   string
	Tokens    []string
	Steps     int
	Stop      StopReason
	Underflow bool
	Elapsed   time.Duration
}

// Captioner is the process-wide captioning context: the feature extractor,
// the decoder with its vocabulary and the preprocessing settings. It is
// built once at start, never mutated afterwards and shared by reference
// between request handlers.
type Captioner struct {
	extractor     FeatureExtractor
	decoder       *Decoder
	imageSize     int
	normalization string
	maxPixels     int
	sem           *semaphore.Weighted
	log           *zap.Logger
	recorder      Recorder
	closers       []func()
	loadErr       error
}

type CaptionerOptions struct {
	ImageSize     int
	Normalization string
	// MaxPixels defaults to DefaultMaxPixels.
	MaxPixels int
	// MaxConcurrent bounds how many images are captioned at once.
	MaxConcurrent int
	Logger        *zap.Logger
	Recorder      Recorder
}

func NewCaptioner(extractor FeatureExtractor, decoder *Decoder, opts CaptionerOptions) (*Captioner, error) {
	if extractor == nil || decoder == nil {
		return nil, fmt.Errorf("feature extractor and decoder are required")
	}
	if _, _, err := normalizationParams(opts.Normalization); err != nil {
		return nil, err
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = DefaultImageSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}

	return &Captioner{
		extractor:     extractor,
		decoder:       decoder,
		imageSize:     opts.ImageSize,
		normalization: opts.Normalization,
		maxPixels:     opts.MaxPixels,
		sem:           semaphore.NewWeighted(int64(max(1, opts.MaxConcurrent))),
		log:           opts.Logger,
		recorder:      opts.Recorder,
	}, nil
}

// LoadCaptioner loads the TFLite models and the vocabulary described by cfg
// and checks that they agree with each other.
func LoadCaptioner(cfg Config, log *zap.Logger, recorder Recorder) (*Captioner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxCaptionLength <= 0 {
		cfg.MaxCaptionLength = DefaultMaxCaptionLength
	}

	vocab, err := LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		return nil, err
	}

	extractor, err := NewTFLiteFeatureExtractor(TFLiteConfig{
		Path:    cfg.FeatureModelPath,
		Threads: cfg.Threads,
		Workers: cfg.Workers,
	}, log.Named("feature_model"))
	if err != nil {
		return nil, err
	}

	seqModel, err := NewTFLiteSequenceModel(TFLiteConfig{
		Path:    cfg.CaptionModelPath,
		Threads: cfg.Threads,
		Workers: cfg.Workers,
	}, log.Named("caption_model"))
	if err != nil {
		extractor.Close()
		return nil, err
	}

	closeAll := func() {
		extractor.Close()
		seqModel.Close()
	}

	switch {
	case seqModel.SequenceLength() != cfg.MaxCaptionLength:
		err = fmt.Errorf("caption model takes sequences of %d, max caption length is %d",
			seqModel.SequenceLength(), cfg.MaxCaptionLength)
	case seqModel.FeatureDim() != extractor.FeatureDim():
		err = fmt.Errorf("feature model yields %d features, caption model expects %d",
			extractor.FeatureDim(), seqModel.FeatureDim())
	case vocab.Size() >= seqModel.VocabSize():
		err = fmt.Errorf("vocabulary has %d words, caption model predicts %d classes",
			vocab.Size(), seqModel.VocabSize())
	}
	if err != nil {
		closeAll()
		return nil, err
	}

	decoder, err := NewDecoder(seqModel, vocab, cfg.MaxCaptionLength)
	if err != nil {
		closeAll()
		return nil, err
	}

	imageSize := extractor.InputSize()
	if cfg.ImageSize > 0 && cfg.ImageSize != imageSize {
		log.Warn("configured image size differs from model input, using model input",
			zap.Int("configured", cfg.ImageSize),
			zap.Int("model", imageSize))
	}

	c, err := NewCaptioner(extractor, decoder, CaptionerOptions{
		ImageSize:     imageSize,
		Normalization: cfg.Normalization,
		MaxPixels:     cfg.MaxPixels,
		MaxConcurrent: max(1, cfg.Workers),
		Logger:        log,
		Recorder:      recorder,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	c.closers = append(c.closers, closeAll)

	log.Info("captioner ready",
		zap.Int("vocabulary_size", vocab.Size()),
		zap.Int("max_caption_length", cfg.MaxCaptionLength),
		zap.Int("image_size", imageSize))

	return c, nil
}

// Unavailable returns a Captioner whose every call fails with
// ErrModelUnavailable wrapping cause.
func Unavailable(cause error, recorder Recorder) *Captioner {
	return &Captioner{loadErr: cause, log: zap.NewNop(), recorder: recorder}
}

// Ready reports whether the models loaded.
func (c *Captioner) Ready() error {
	if c.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, c.loadErr)
	}
	return nil
}

func (c *Captioner) MaxCaptionLength() int {
	if c.decoder == nil {
		return 0
	}
	return c.decoder.MaxLength()
}

// CaptionImage decodes and preprocesses raw image bytes, then captions them.
// Decoding runs under the same concurrency bound as inference.
func (c *Captioner) CaptionImage(ctx context.Context, data []byte) (*CaptionResult, error) {
	if err := c.Ready(); err != nil {
		c.observe(StatusModelUnavailable, 0, 0)
		return nil, err
	}

	start := time.Now()
	if err := c.acquire(ctx, start); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	img, err := DecodeImage(data, c.maxPixels)
	if err != nil {
		c.observe(StatusFeatureError, time.Since(start), 0)
		return nil, featureError(StageDecode, err)
	}

	tensor, err := PrepareImage(img, c.imageSize, c.normalization)
	if err != nil {
		c.observe(StatusFeatureError, time.Since(start), 0)
		return nil, featureError(StagePreprocess, err)
	}

	return c.generate(ctx, tensor, start)
}

// GenerateCaption captions an already prepared image.
func (c *Captioner) GenerateCaption(ctx context.Context, img *ImageTensor) (*CaptionResult, error) {
	if err := c.Ready(); err != nil {
		c.observe(StatusModelUnavailable, 0, 0)
		return nil, err
	}

	start := time.Now()
	if err := c.acquire(ctx, start); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return c.generate(ctx, img, start)
}

func (c *Captioner) acquire(ctx context.Context, start time.Time) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.observe(StatusContextCancelled, time.Since(start), 0)
		return err
	}
	return nil
}

// generate must be called with the semaphore held.
func (c *Captioner) generate(ctx context.Context, img *ImageTensor, start time.Time) (*CaptionResult, error) {
	features, err := c.extractor.ExtractFeatures(ctx, img)
	if err != nil {
		if isContextErr(err) {
			c.observe(StatusContextCancelled, time.Since(start), 0)
			return nil, err
		}
		c.observe(StatusFeatureError, time.Since(start), 0)
		return nil, featureError(StageInvoke, err)
	}

	decoded, err := c.decoder.Decode(ctx, features)
	if err != nil {
		status := StatusDecodeError
		if isContextErr(err) {
			status = StatusContextCancelled
		}
		c.observe(status, time.Since(start), 0)
		return nil, fmt.Errorf("caption decoding failed: %w", err)
	}

	result := &CaptionResult{
		Caption:   decoded.Caption,
		Tokens:    decoded.Tokens,
		Steps:     decoded.Steps,
		Stop:      decoded.Stop,
		Underflow: decoded.Underflow(),
		Elapsed:   time.Since(start),
	}

	status := StatusOK
	if result.Underflow {
		status = StatusUnderflow
		c.log.Warn("decoder produced an empty caption",
			zap.Int("steps", result.Steps),
			zap.String("stop", string(result.Stop)))
	}
	c.observe(status, result.Elapsed, result.Steps)

	return result, nil
}

func (c *Captioner) observe(status string, elapsed time.Duration, steps int) {
	if c.recorder != nil {
		c.recorder.ObserveCaption(status, elapsed, steps)
	}
}

// Close releases the model interpreters.
func (c *Captioner) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
	c.closers = nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
