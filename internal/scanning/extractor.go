package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
)

var (
	// ErrTryNext tells the extractor to fall through to the next strategy
	ErrTryNext = errors.New("try next strategy")
	// ErrNoText is returned when no strategy produced any text
	ErrNoText = errors.New("no text could be extracted")
)

// Document is a source file loaded for extraction
type Document struct {
	Path        string
	Data        []byte
	ContentType string
	Kind        Kind
}

// Strategy is one way of getting text out of a document. It returns
// ErrTryNext when it does not apply or found nothing; any other error is
// terminal for the document.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, doc Document, sink progress.Sink) (string, error)
}

// Result is the text extracted from a document
type Result struct {
	Text   string
	Method string
	Kind   Kind
}

// Extractor runs an ordered list of strategies until one yields text
type Extractor struct {
	strategies []Strategy
	metrics    *metrics.Metrics
}

// NewExtractor creates an extractor trying the strategies in order
func NewExtractor(m *metrics.Metrics, strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies, metrics: m}
}

// NewDefaultExtractor wires the PDF text layer first and OCR second
func NewDefaultExtractor(ocr OCR, languages []string, m *metrics.Metrics) *Extractor {
	return NewExtractor(m,
		&TextLayer{Open: OpenFitz},
		&RasterOCR{Open: OpenFitz, OCR: ocr, Languages: languages},
	)
}

// ExtractFile loads a file from disk and extracts its text
func (e *Extractor) ExtractFile(ctx context.Context, path string, sink progress.Sink) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	return e.Extract(ctx, Document{
		Path:        path,
		Data:        data,
		ContentType: ContentTypeFor(path),
	}, sink)
}

// Extract runs the strategy chain on a loaded document
func (e *Extractor) Extract(ctx context.Context, doc Document, sink progress.Sink) (Result, error) {
	if doc.Kind == KindUnknown {
		doc.Kind = detectKind(doc.Data, doc.ContentType)
	}
	if doc.Kind == KindUnknown {
		return Result{}, fmt.Errorf("%s: %w", filepath.Base(doc.Path), ErrUnsupported)
	}

	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		text, err := s.Extract(ctx, doc, sink)
		if errors.Is(err, ErrTryNext) {
			slog.Debug("Extraction strategy yielded nothing", "strategy", s.Name(), "path", doc.Path)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", s.Name(), err)
		}

		e.metrics.ExtractionSucceeded(s.Name())
		progress.Emit(sink, progress.StageTextExtraction, 80, "Text extraction complete", nil)
		return Result{Text: text, Method: s.Name(), Kind: doc.Kind}, nil
	}

	return Result{}, fmt.Errorf("%s: %w", filepath.Base(doc.Path), ErrNoText)
}

// pagePercent spreads per-page events over a band without leaving it
func pagePercent(base, step, ceiling float64, page int) float64 {
	pct := base + step*float64(page)
	if pct > ceiling {
		return ceiling
	}
	return pct
}

// TextLayer reads the embedded text of a digital PDF page by page
type TextLayer struct {
	Open PDFOpener
}

func (t *TextLayer) Name() string { return "text_layer" }

func (t *TextLayer) Extract(ctx context.Context, doc Document, sink progress.Sink) (string, error) {
	if doc.Kind != KindPDF {
		return "", ErrTryNext
	}

	pdf, err := t.Open(doc.Data)
	if err != nil {
		return "", err
	}
	defer pdf.Close()

	pages := pdf.NumPage()
	progress.Emit(sink, progress.StagePDF, 10, fmt.Sprintf("Starting PDF processing (%d pages)", pages), nil)

	var texts []string
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		progress.Emit(sink, progress.StageTextExtraction, pagePercent(20, 10, 45, i), fmt.Sprintf("Extracting text from page %d", i+1), nil)

		text, err := pdf.Text(i)
		if err != nil {
			slog.Warn("Failed to read PDF text layer", "path", doc.Path, "page", i+1, "error", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}

	if len(texts) == 0 {
		return "", ErrTryNext
	}
	return strings.Join(texts, "\n"), nil
}

// RasterOCR preprocesses raster images, or rendered PDF pages, and runs OCR
type RasterOCR struct {
	Open      PDFOpener
	OCR       OCR
	Languages []string
	DPI       float64
}

func (r *RasterOCR) Name() string { return "ocr" }

func (r *RasterOCR) Extract(ctx context.Context, doc Document, sink progress.Sink) (string, error) {
	switch doc.Kind {
	case KindPDF:
		return r.extractPDF(ctx, doc, sink)
	case KindImage:
		return r.extractImage(ctx, doc, sink)
	default:
		return "", ErrTryNext
	}
}

func (r *RasterOCR) extractPDF(ctx context.Context, doc Document, sink progress.Sink) (string, error) {
	pdf, err := r.Open(doc.Data)
	if err != nil {
		return "", err
	}
	defer pdf.Close()

	dpi := r.DPI
	if dpi <= 0 {
		dpi = renderDPI
	}

	progress.Emit(sink, progress.StageOCR, 50, "Starting OCR processing", nil)

	var texts []string
	for i := 0; i < pdf.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		img, err := pdf.Render(i, dpi)
		if err != nil {
			slog.Warn("Failed to render PDF page", "path", doc.Path, "page", i+1, "error", err)
			continue
		}

		text := r.OCR.Recognize(ctx, Preprocess(img), r.Languages)
		progress.Emit(sink, progress.StageOCR, pagePercent(60, 10, 79, i), fmt.Sprintf("OCR processing page %d", i+1), nil)
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}

	if len(texts) == 0 {
		return "", ErrTryNext
	}
	return strings.Join(texts, "\n"), nil
}

func (r *RasterOCR) extractImage(ctx context.Context, doc Document, sink progress.Sink) (string, error) {
	progress.Emit(sink, progress.StageImage, 10, "Starting image processing", nil)

	img, err := DecodeImage(doc.Data, doc.ContentType)
	if err != nil {
		return "", err
	}

	progress.Emit(sink, progress.StageOCR, 50, "Starting OCR processing", nil)
	text := r.OCR.Recognize(ctx, Preprocess(img), r.Languages)
	if strings.TrimSpace(text) == "" {
		return "", ErrTryNext
	}
	return text, nil
}
