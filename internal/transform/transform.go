// Package transform converts uploaded images to grayscale PNG.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/cuongbtq/spot-pipeline/internal/domain"
)

// ErrDecode is returned when the input is not a decodable image. Retrying
// the same bytes cannot succeed.
var ErrDecode = fmt.Errorf("%w: cannot decode image", domain.ErrUnrecoverable)

// Options tunes the conversion.
type Options struct {
	// MaxDimension bounds the longer side of the output; 0 keeps the input size.
	MaxDimension int
}

// Grayscale converts images to single-channel luminance. The output depends
// only on the input bytes, so reprocessing a job rewrites identical output.
type Grayscale struct {
	opts   Options
	logger *slog.Logger
}

// NewGrayscale creates a new Grayscale transformer
func NewGrayscale(opts Options, logger *slog.Logger) *Grayscale {
	return &Grayscale{opts: opts, logger: logger}
}

// Transform decodes data, converts it and returns PNG bytes with their
// content type.
func (g *Grayscale) Transform(ctx context.Context, data []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var img image.Image = src
	if limit := g.opts.MaxDimension; limit > 0 {
		b := src.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			g.logger.Debug("Resizing image",
				slog.Int("width", b.Dx()),
				slog.Int("height", b.Dy()),
				slog.Int("max_dimension", limit),
			)
			img = imaging.Fit(src, limit, limit, imaging.Lanczos)
		}
	}

	gray := imaging.Grayscale(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return nil, "", fmt.Errorf("failed to encode PNG: %w", err)
	}

	return buf.Bytes(), domain.ContentTypePNG, nil
}

// IsDecodeError reports whether err came from undecodable input.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrDecode)
}
