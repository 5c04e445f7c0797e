// Package batch runs the extraction pipeline over a single file or a whole
// directory of receipts.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
	"github.com/zombor/receipt-matcher/internal/scanning"
)

// TextExtractor gets the text out of a source document
type TextExtractor interface {
	Extract(ctx context.Context, doc scanning.Document, sink progress.Sink) (scanning.Result, error)
}

// Structurer turns extracted text into a receipt
type Structurer interface {
	Extract(ctx context.Context, id, filename, text string, sink progress.Sink) receipt.Receipt
}

// Cache remembers extractions by file checksum. receipt.DB satisfies it.
type Cache interface {
	CachedExtraction(checksum string) (receipt.Receipt, bool, error)
	CacheExtraction(checksum string, r receipt.Receipt) error
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds the orchestrator settings
type Config struct {
	// Workers is the number of documents processed concurrently
	Workers int
	// Currency is recorded on receipts that could not be extracted
	Currency string
}

// Orchestrator drives documents through text extraction and structuring.
// A failing document becomes an error receipt and never stops a batch.
type Orchestrator struct {
	extractor  TextExtractor
	structurer Structurer
	cache      Cache
	config     Config
	metrics    *metrics.Metrics
	timeSource TimeSource
}

// NewOrchestrator creates an orchestrator. cache may be nil.
func NewOrchestrator(extractor TextExtractor, structurer Structurer, cache Cache, config Config, m *metrics.Metrics) *Orchestrator {
	return NewOrchestratorWithDeps(extractor, structurer, cache, config, m, &defaultTimeSource{})
}

// NewOrchestratorWithDeps creates an orchestrator with a custom time source for testing
func NewOrchestratorWithDeps(extractor TextExtractor, structurer Structurer, cache Cache, config Config, m *metrics.Metrics, timeSrc TimeSource) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Currency == "" {
		config.Currency = "SEK"
	}
	return &Orchestrator{
		extractor:  extractor,
		structurer: structurer,
		cache:      cache,
		config:     config,
		metrics:    m,
		timeSource: timeSrc,
	}
}

// Files lists the supported documents under dir in lexical order
func Files(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !scanning.Supported(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, nil
}

// ProcessDirectory extracts every supported document under dir. The
// receipts come back in traversal order whatever the worker count.
func (o *Orchestrator) ProcessDirectory(ctx context.Context, dir string, sink progress.Sink) ([]receipt.Receipt, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}

	slog.Info("Processing directory", "dir", dir, "files", len(files), "workers", o.config.Workers)
	progress.Emit(sink, progress.StageInit, 0, fmt.Sprintf("Found %d receipts to process", len(files)), nil)

	receipts := make([]receipt.Receipt, len(files))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)
	for i, path := range files {
		g.Go(func() error {
			receipts[i] = o.ProcessFile(gctx, dir, path, sink)

			n := done.Add(1)
			pct := float64(n) / float64(len(files)) * 100
			progress.Emit(sink, progress.StageProcessing, pct, fmt.Sprintf("Processed %s (%d/%d)", filepath.Base(path), n, len(files)), nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return receipts, nil
}

// ProcessFile extracts one document. The receipt ID is the path relative to
// root.
func (o *Orchestrator) ProcessFile(ctx context.Context, root, path string, sink progress.Sink) receipt.Receipt {
	r, _ := o.ExtractFile(ctx, root, path, sink)
	return r
}

// ExtractFile is ProcessFile that also reports when no text could be read
// from the document. The receipt is the error record in that case. A failed
// inference is not an error here; it is carried by the receipt.
func (o *Orchestrator) ExtractFile(ctx context.Context, root, path string, sink progress.Sink) (receipt.Receipt, error) {
	id, err := filepath.Rel(root, path)
	if err != nil || root == "" {
		id = filepath.Base(path)
	}
	id = filepath.ToSlash(id)
	filename := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("reading file: %w", err)
		return o.failed(id, filename, err), err
	}
	return o.process(ctx, id, filename, data, scanning.ContentTypeFor(path), sink)
}

// ProcessDocument extracts a document already held in memory
func (o *Orchestrator) ProcessDocument(ctx context.Context, id, filename string, data []byte, contentType string, sink progress.Sink) receipt.Receipt {
	r, _ := o.process(ctx, id, filename, data, contentType, sink)
	return r
}

func (o *Orchestrator) process(ctx context.Context, id, filename string, data []byte, contentType string, sink progress.Sink) (receipt.Receipt, error) {
	logger := slog.With("id", id)
	checksum := checksumOf(data)

	if r, ok := o.cached(checksum); ok {
		logger.Info("Using cached extraction")
		r.ID = id
		r.Filename = filename
		o.metrics.DocumentProcessed(metrics.OutcomeCached)
		return r, nil
	}

	result, err := o.extractor.Extract(ctx, scanning.Document{
		Path:        id,
		Data:        data,
		ContentType: contentType,
	}, sink)
	if err != nil {
		return o.failed(id, filename, err), err
	}
	logger.Info("Extracted text", "method", result.Method, "chars", len(result.Text))

	r := o.structurer.Extract(ctx, id, filename, result.Text, sink)
	if r.Failed() {
		logger.Warn("Structured extraction failed", "error", r.Error)
		o.metrics.DocumentProcessed(metrics.OutcomeError)
		return r, nil
	}

	if o.cache != nil {
		if err := o.cache.CacheExtraction(checksum, r); err != nil {
			logger.Warn("Failed to cache extraction", "error", err)
		}
	}
	o.metrics.DocumentProcessed(metrics.OutcomeOK)
	return r, nil
}

func (o *Orchestrator) cached(checksum string) (receipt.Receipt, bool) {
	if o.cache == nil {
		return receipt.Receipt{}, false
	}
	r, ok, err := o.cache.CachedExtraction(checksum)
	if err != nil {
		slog.Warn("Failed to read extraction cache", "checksum", checksum, "error", err)
		return receipt.Receipt{}, false
	}
	return r, ok
}

func (o *Orchestrator) failed(id, filename string, err error) receipt.Receipt {
	level := slog.LevelError
	if errors.Is(err, scanning.ErrNoText) {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "Failed to process receipt", "id", id, "error", err)
	o.metrics.DocumentProcessed(metrics.OutcomeError)
	return receipt.ErrorReceipt(id, filename, o.config.Currency, o.timeSource.Now(), err)
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
