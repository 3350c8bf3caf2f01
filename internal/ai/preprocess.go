package ai

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Normalization modes for the feature extractor input.
const (
	// NormalizeMobileNet scales pixels to [-1, 1], as MobileNetV2's
	// preprocess_input does.
	NormalizeMobileNet = "mobilenet"
	// NormalizeUnit scales pixels to [0, 1].
	NormalizeUnit = "unit"
)

const (
	DefaultImageSize = 224
	// DefaultMaxPixels caps the declared width x height of an input image.
	DefaultMaxPixels = 40_000_000
)

// ErrImageTooLarge is returned when an image declares more pixels than
// allowed. Dimensions are checked before any pixel data is decoded.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// ImageTensor is an HWC float32 RGB image ready for the feature extractor.
type ImageTensor struct {
	Width  int
	Height int
	Data   []float32
}

// DecodeImage decodes JPEG, PNG, GIF and WebP data. Images declaring more
// than maxPixels pixels are rejected with ErrImageTooLarge; maxPixels <= 0
// means DefaultMaxPixels.
func DecodeImage(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("image: empty input")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		webpCfg, webpErr := webp.DecodeConfig(bytes.NewReader(data))
		if webpErr != nil {
			return nil, fmt.Errorf("image: unknown or unsupported format: %w", err)
		}
		cfg = webpCfg
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d, limit %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}

	if webpImg, webpErr := webp.Decode(bytes.NewReader(data)); webpErr == nil {
		return webpImg, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format: %w", err)
}

// PrepareImage resizes img to size x size with nearest-neighbour sampling
// (the Keras load_img default, which the extractor was trained against)
// and normalizes it into an ImageTensor.
func PrepareImage(img image.Image, size int, normalization string) (*ImageTensor, error) {
	if img == nil {
		return nil, fmt.Errorf("image is nil")
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has zero area")
	}

	scale, offset, err := normalizationParams(normalization)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, size, size, imaging.NearestNeighbor)

	tensor := &ImageTensor{
		Width:  size,
		Height: size,
		Data:   make([]float32, 0, size*size*3),
	}
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			tensor.Data = append(tensor.Data,
				float32(px[0])*scale+offset,
				float32(px[1])*scale+offset,
				float32(px[2])*scale+offset,
			)
		}
	}

	return tensor, nil
}

func normalizationParams(mode string) (scale, offset float32, err error) {
	switch strings.ToLower(mode) {
	case "", NormalizeMobileNet:
		return 1.0 / 127.5, -1, nil
	case NormalizeUnit:
		return 1.0 / 255, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown normalization %q", mode)
	}
}
