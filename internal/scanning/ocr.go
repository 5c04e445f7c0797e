package scanning

import (
	"context"
	"image"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// OCR recognizes text in a preprocessed raster image. A failed recognition
// yields empty text rather than an error so one bad page never aborts a
// document.
type OCR interface {
	Recognize(ctx context.Context, img image.Image, languages []string) string
}

// Tesseract implements OCR with the Tesseract engine
type Tesseract struct{}

// NewTesseract creates a Tesseract OCR engine
func NewTesseract() *Tesseract {
	return &Tesseract{}
}

// Recognize runs Tesseract on the image. Each call uses its own client
// because gosseract clients are not safe for concurrent use.
func (t *Tesseract) Recognize(ctx context.Context, img image.Image, languages []string) string {
	if ctx.Err() != nil {
		return ""
	}

	data, err := encodePNG(img)
	if err != nil {
		slog.Warn("OCR failed to encode image", "error", err)
		return ""
	}

	client := gosseract.NewClient()
	defer client.Close()

	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			slog.Warn("OCR failed to set languages", "languages", strings.Join(languages, "+"), "error", err)
			return ""
		}
	}
	if err := client.SetImageFromBytes(data); err != nil {
		slog.Warn("OCR failed to load image", "error", err)
		return ""
	}

	text, err := client.Text()
	if err != nil {
		slog.Warn("OCR failed", "error", err)
		return ""
	}
	return text
}
