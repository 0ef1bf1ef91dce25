// Package convert turns uploaded assets into GLB models and prepares
// images for image-to-3D generation.
package convert

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

// MaxImageSide bounds the longest edge of an image sent to generation.
const MaxImageSide = 1024

type Converter struct {
	logger *zap.Logger
}

func NewConverter(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

// NormalizeImage decodes r honouring EXIF orientation, shrinks it to fit
// MaxImageSide and re-encodes it as PNG.
func (c *Converter) NormalizeImage(r io.Reader) ([]byte, image.Point, error) {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Error("Failed to decode image", zap.Error(err))
		return nil, image.Point{}, fmt.Errorf("decode image: %w", err)
	}

	var out image.Image = src
	b := src.Bounds()
	if b.Dx() > MaxImageSide || b.Dy() > MaxImageSide {
		c.logger.Info("Resizing image",
			zap.Int("width", b.Dx()),
			zap.Int("height", b.Dy()),
			zap.Int("max_side", MaxImageSide),
		)
		out = imaging.Fit(src, MaxImageSide, MaxImageSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, image.Point{}, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), out.Bounds().Size(), nil
}

// Thumbnail renders a square preview of an image.
func (c *Converter) Thumbnail(r io.Reader, side int) ([]byte, error) {
	src, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fill(src, side, side, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
