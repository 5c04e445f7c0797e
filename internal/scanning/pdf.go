package scanning

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// renderDPI is the resolution scanned PDF pages are rasterized at
const renderDPI = 300

// PDF is the subset of a PDF document the extractor needs
type PDF interface {
	NumPage() int
	// Text returns the embedded text layer of a page
	Text(page int) (string, error)
	// Render rasterizes a page
	Render(page int, dpi float64) (image.Image, error)
	Close() error
}

// PDFOpener opens a PDF from its raw bytes
type PDFOpener func(data []byte) (PDF, error)

// OpenFitz opens a PDF with MuPDF
func OpenFitz(data []byte) (PDF, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: opening PDF: %v", ErrDecode, err)
	}
	return &fitzPDF{doc: doc}, nil
}

type fitzPDF struct {
	doc *fitz.Document
}

func (f *fitzPDF) NumPage() int {
	return f.doc.NumPage()
}

func (f *fitzPDF) Text(page int) (string, error) {
	text, err := f.doc.Text(page)
	if err != nil {
		return "", fmt.Errorf("reading text of page %d: %w", page+1, err)
	}
	return text, nil
}

func (f *fitzPDF) Render(page int, dpi float64) (image.Image, error) {
	img, err := f.doc.ImageDPI(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page %d: %w", page+1, err)
	}
	return img, nil
}

func (f *fitzPDF) Close() error {
	return f.doc.Close()
}
