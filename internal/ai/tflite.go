package ai

import (
	"context"
	"fmt"
	"os"
	"runtime"

	tflite "github.com/tphakala/go-tflite"
	"go.uber.org/zap"
)

// TFLiteConfig describes one TensorFlow Lite model file.
type TFLiteConfig struct {
	Path string
	// Threads per interpreter. Zero picks NumCPU / Workers.
	Threads int
	// Workers is the number of interpreters kept for concurrent callers.
	Workers int
}

// interpreterPool owns a single read-only model and a fixed set of
// interpreters built from it. An interpreter's tensors are mutable, so each
// one is lent to exactly one caller at a time.
type interpreterPool struct {
	model        *tflite.Model
	options      *tflite.InterpreterOptions
	interpreters chan *tflite.Interpreter
	all          []*tflite.Interpreter
}

func newInterpreterPool(cfg TFLiteConfig, log *zap.Logger) (*interpreterPool, error) {
	modelData, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", cfg.Path, err)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", cfg.Path)
	}

	workers := max(1, cfg.Workers)
	threads := cfg.Threads
	if threads <= 0 {
		threads = max(1, runtime.NumCPU()/workers)
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Warn("tflite", zap.String("message", msg))
	}, nil)

	p := &interpreterPool{
		model:        model,
		options:      options,
		interpreters: make(chan *tflite.Interpreter, workers),
	}

	for i := 0; i < workers; i++ {
		interpreter := tflite.NewInterpreter(model, options)
		if interpreter == nil {
			p.Close()
			return nil, fmt.Errorf("cannot create interpreter for %s", cfg.Path)
		}
		p.all = append(p.all, interpreter)

		if status := interpreter.AllocateTensors(); status != tflite.OK {
			p.Close()
			return nil, fmt.Errorf("tensor allocation failed for %s: %v", cfg.Path, status)
		}
		p.interpreters <- interpreter
	}

	log.Info("model loaded",
		zap.String("path", cfg.Path),
		zap.Int("workers", workers),
		zap.Int("threads", threads))

	return p, nil
}

// sample returns any interpreter for shape inspection. It must only be used
// before the pool is shared.
func (p *interpreterPool) sample() *tflite.Interpreter {
	return p.all[0]
}

func (p *interpreterPool) acquire(ctx context.Context) (*tflite.Interpreter, error) {
	select {
	case interpreter := <-p.interpreters:
		return interpreter, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *interpreterPool) release(interpreter *tflite.Interpreter) {
	p.interpreters <- interpreter
}

func (p *interpreterPool) Close() {
	for _, interpreter := range p.all {
		interpreter.Delete()
	}
	p.all = nil
	if p.options != nil {
		p.options.Delete()
	}
	if p.model != nil {
		p.model.Delete()
	}
}

func tensorShape(t *tflite.Tensor) []int {
	shape := make([]int, t.NumDims())
	for i := range shape {
		shape[i] = t.Dim(i)
	}
	return shape
}

// TFLiteFeatureExtractor runs an image classification backbone whose
// classification head has been cut off, e.g. MobileNetV2 up to its global
// pooling layer. Input is [1, H, W, 3] float32, output [1, D].
type TFLiteFeatureExtractor struct {
	pool       *interpreterPool
	inputSize  int
	featureDim int
}

func NewTFLiteFeatureExtractor(cfg TFLiteConfig, log *zap.Logger) (*TFLiteFeatureExtractor, error) {
	pool, err := newInterpreterPool(cfg, log)
	if err != nil {
		return nil, err
	}

	interpreter := pool.sample()
	input := interpreter.GetInputTensor(0)
	output := interpreter.GetOutputTensor(0)
	if input == nil || output == nil {
		pool.Close()
		return nil, fmt.Errorf("feature model %s has no input or output tensor", cfg.Path)
	}

	inShape := tensorShape(input)
	if len(inShape) != 4 || inShape[1] != inShape[2] || inShape[3] != 3 || input.Type() != tflite.Float32 {
		pool.Close()
		return nil, fmt.Errorf("feature model %s: unsupported input %v %v, want [1 N N 3] float32", cfg.Path, inShape, input.Type())
	}

	return &TFLiteFeatureExtractor{
		pool:       pool,
		inputSize:  inShape[1],
		featureDim: output.Dim(output.NumDims() - 1),
	}, nil
}

// InputSize is the square input resolution the network expects.
func (e *TFLiteFeatureExtractor) InputSize() int {
	return e.inputSize
}

func (e *TFLiteFeatureExtractor) FeatureDim() int {
	return e.featureDim
}

func (e *TFLiteFeatureExtractor) ExtractFeatures(ctx context.Context, img *ImageTensor) ([]float32, error) {
	if img.Width != e.inputSize || img.Height != e.inputSize {
		return nil, fmt.Errorf("image is %dx%d, model expects %dx%d", img.Width, img.Height, e.inputSize, e.inputSize)
	}

	interpreter, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.release(interpreter)

	input := interpreter.GetInputTensor(0)
	dst := input.Float32s()
	if len(dst) != len(img.Data) {
		return nil, fmt.Errorf("input tensor holds %d values, image has %d", len(dst), len(img.Data))
	}
	copy(dst, img.Data)

	if status := interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := interpreter.GetOutputTensor(0).Float32s()
	features := make([]float32, len(output))
	copy(features, output)
	return features, nil
}

func (e *TFLiteFeatureExtractor) Close() {
	e.pool.Close()
}

// TFLiteSequenceModel runs the caption decoder network: inputs are the
// image features and a padded index sequence, output is a probability
// distribution over the vocabulary.
type TFLiteSequenceModel struct {
	pool           *interpreterPool
	featureInput   int
	sequenceInput  int
	featureDim     int
	sequenceLength int
	vocabSize      int
}

// NewTFLiteSequenceModel loads the decoder network. The sequence input is
// the one whose element type is int32, or failing that the second input.
func NewTFLiteSequenceModel(cfg TFLiteConfig, log *zap.Logger) (*TFLiteSequenceModel, error) {
	pool, err := newInterpreterPool(cfg, log)
	if err != nil {
		return nil, err
	}

	interpreter := pool.sample()
	if n := interpreter.GetInputTensorCount(); n != 2 {
		pool.Close()
		return nil, fmt.Errorf("caption model %s has %d inputs, want 2", cfg.Path, n)
	}

	m := &TFLiteSequenceModel{pool: pool, featureInput: 0, sequenceInput: 1}
	if interpreter.GetInputTensor(0).Type() == tflite.Int32 {
		m.featureInput, m.sequenceInput = 1, 0
	}

	features := interpreter.GetInputTensor(m.featureInput)
	sequence := interpreter.GetInputTensor(m.sequenceInput)
	output := interpreter.GetOutputTensor(0)
	if output == nil {
		pool.Close()
		return nil, fmt.Errorf("caption model %s has no output tensor", cfg.Path)
	}

	m.featureDim = features.Dim(features.NumDims() - 1)
	m.sequenceLength = sequence.Dim(sequence.NumDims() - 1)
	m.vocabSize = output.Dim(output.NumDims() - 1)

	return m, nil
}

func (m *TFLiteSequenceModel) SequenceLength() int {
	return m.sequenceLength
}

// VocabSize is the width of the output distribution.
func (m *TFLiteSequenceModel) VocabSize() int {
	return m.vocabSize
}

func (m *TFLiteSequenceModel) FeatureDim() int {
	return m.featureDim
}

func (m *TFLiteSequenceModel) PredictNext(ctx context.Context, features []float32, sequence []int) ([]float32, error) {
	if len(features) != m.featureDim {
		return nil, fmt.Errorf("got %d features, model expects %d", len(features), m.featureDim)
	}
	if len(sequence) != m.sequenceLength {
		return nil, fmt.Errorf("got sequence of %d, model expects %d", len(sequence), m.sequenceLength)
	}

	interpreter, err := m.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.pool.release(interpreter)

	copy(interpreter.GetInputTensor(m.featureInput).Float32s(), features)

	seqTensor := interpreter.GetInputTensor(m.sequenceInput)
	switch seqTensor.Type() {
	case tflite.Int32:
		dst := seqTensor.Int32s()
		for i, idx := range sequence {
			dst[i] = int32(idx)
		}
	case tflite.Float32:
		dst := seqTensor.Float32s()
		for i, idx := range sequence {
			dst[i] = float32(idx)
		}
	default:
		return nil, fmt.Errorf("unsupported sequence tensor type %v", seqTensor.Type())
	}

	if status := interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := interpreter.GetOutputTensor(0).Float32s()
	probs := make([]float32, len(output))
	copy(probs, output)
	return probs, nil
}

func (m *TFLiteSequenceModel) Close() {
	m.pool.Close()
}
