package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-matcher/internal/batch"
	"github.com/zombor/receipt-matcher/internal/matching"
	"github.com/zombor/receipt-matcher/internal/metrics"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
	"github.com/zombor/receipt-matcher/internal/report"
	"github.com/zombor/receipt-matcher/internal/scanning"
	"github.com/zombor/receipt-matcher/internal/server"
	"github.com/zombor/receipt-matcher/internal/structured"
)

// mode is the single operation an invocation performs
type mode int

const (
	modeScan mode = iota + 1
	modeFile
	modeMatch
	modeReconcile
	modeServe
)

func (m mode) String() string {
	switch m {
	case modeScan:
		return "scan"
	case modeFile:
		return "file"
	case modeMatch:
		return "match"
	case modeReconcile:
		return "reconcile"
	case modeServe:
		return "serve"
	default:
		return "none"
	}
}

var errMode = errors.New("exactly one of --scan, --match, --reconcile, --serve or a receipt FILE is required")

// selectMode checks that exactly one mode was asked for
func selectMode(cfg config) (mode, error) {
	var modes []mode
	if cfg.scan != "" {
		modes = append(modes, modeScan)
	}
	if cfg.file != "" {
		modes = append(modes, modeFile)
	}
	if cfg.match != "" {
		modes = append(modes, modeMatch)
	}
	if cfg.reconcile != "" {
		modes = append(modes, modeReconcile)
	}
	if cfg.serve {
		modes = append(modes, modeServe)
	}
	if len(modes) != 1 {
		return 0, errMode
	}

	if modes[0] == modeMatch && cfg.transactions == "" {
		return 0, fmt.Errorf("--match requires --transactions")
	}
	if modes[0] == modeMatch || modes[0] == modeReconcile || modes[0] == modeServe {
		if cfg.threshold <= 0 || cfg.threshold > 1 {
			return 0, fmt.Errorf("--threshold must be above 0 and at most 1, got %v", cfg.threshold)
		}
	}
	return modes[0], nil
}

// scanOutput is the final line printed by --scan
type scanOutput struct {
	Stats    receipt.Stats     `json:"stats"`
	Receipts []receipt.Receipt `json:"receipts"`
}

// reconcileInput is the file read by --reconcile
type reconcileInput struct {
	Receipts     []receipt.Receipt     `json:"receipts"`
	Transactions []receipt.Transaction `json:"transactions"`
}

// newOCR builds the OCR engine used by the extraction modes
var newOCR = func() scanning.OCR {
	return scanning.NewTesseract()
}

// run wires the components the mode needs and performs it
func run(ctx context.Context, m mode, cfg config, stdout io.Writer) error {
	sink, closeSink, err := openSink(cfg.progress, stdout)
	if err != nil {
		return err
	}
	defer closeSink()

	matcher := matching.NewMatcher(nil)
	matcher.Threshold = cfg.threshold

	if m == modeReconcile {
		input, err := loadReconcileInput(cfg.reconcile)
		if err != nil {
			progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
			return err
		}
		result := matcher.Match(input.Receipts, input.Transactions, sink)
		return writeReport(cfg.xlsx, result)
	}

	var met *metrics.Metrics
	if m == modeServe {
		met = metrics.New()
		matcher.Metrics = met
	}

	var db *receipt.BoltDB
	if cfg.dbPath != "" || m == modeServe {
		slog.Info("Initializing database...", "path", cfg.dbPath)
		db, err = receipt.NewBoltDB(cfg.dbPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
	}

	model, err := newModel(ctx, cfg)
	if err != nil {
		return err
	}
	defer model.Close()

	extractor := scanning.NewDefaultExtractor(newOCR(), cfg.ocrLanguages, met)
	structurer := structured.NewExtractor(model, cfg.currency, met)
	var cache batch.Cache
	if db != nil {
		cache = db
	}
	orchestrator := batch.NewOrchestrator(extractor, structurer, cache, batch.Config{
		Workers:  cfg.workers,
		Currency: cfg.currency,
	}, met)

	switch m {
	case modeScan:
		receipts, err := orchestrator.ProcessDirectory(ctx, cfg.scan, sink)
		if err != nil {
			progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
			return err
		}
		return writeJSONLine(stdout, scanOutput{Stats: receipt.NewStats(receipts, 0), Receipts: receipts})

	case modeFile:
		// Only unreadable documents fail the run; a failed inference still
		// completes with the error record
		r, err := orchestrator.ExtractFile(ctx, filepath.Dir(cfg.file), cfg.file, sink)
		if err != nil {
			progress.Emit(sink, progress.StageError, 0, r.Error, r)
			return fmt.Errorf("processing %s: %w", cfg.file, err)
		}
		progress.Emit(sink, progress.StageComplete, 100, "Analysis complete", r)
		return nil

	case modeMatch:
		txs, err := loadTransactions(cfg.transactions)
		if err != nil {
			progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
			return err
		}
		receipts, err := extractReceipts(ctx, orchestrator, cfg.match, sink)
		if err != nil {
			progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
			return err
		}
		result := matcher.Match(receipts, txs, sink)
		return writeReport(cfg.xlsx, result)

	case modeServe:
		return serve(ctx, cfg, db, orchestrator, matcher, met)
	}
	return errMode
}

// extractReceipts processes a directory, or a single file
func extractReceipts(ctx context.Context, o *batch.Orchestrator, path string, sink progress.Sink) ([]receipt.Receipt, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return o.ProcessDirectory(ctx, path, sink)
	}
	return []receipt.Receipt{o.ProcessFile(ctx, filepath.Dir(path), path, sink)}, nil
}

func serve(ctx context.Context, cfg config, db receipt.DB, o *batch.Orchestrator, matcher *matching.Matcher, met *metrics.Metrics) error {
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(cfg.storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	service := server.NewService(db, store, o, matcher)
	srv := server.NewServer(service, server.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	}, met.Handler())

	addr := fmt.Sprintf(":%d", cfg.port)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(addr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down...")
		return nil
	}
}

// openSink routes progress events to a file, or to stdout when path is empty
func openSink(path string, stdout io.Writer) (progress.Sink, func(), error) {
	if path == "" {
		return progress.NewWriter(stdout), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening progress file: %w", err)
	}
	return progress.NewWriter(f), func() { _ = f.Close() }, nil
}

// loadTransactions reads a JSON array of transactions given inline or as @path
func loadTransactions(arg string) ([]receipt.Transaction, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading transactions: %w", err)
		}
	}

	var txs []receipt.Transaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, fmt.Errorf("parsing transactions: %w", err)
	}
	return txs, nil
}

func loadReconcileInput(path string) (reconcileInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return reconcileInput{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var input reconcileInput
	if err := json.Unmarshal(data, &input); err != nil {
		return reconcileInput{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return input, nil
}

// writeReport saves the match result as a spreadsheet when a path was given
func writeReport(path string, result matching.Result) error {
	if path == "" {
		return nil
	}
	rep := receipt.MatchReport{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Matches:   result.Matches,
		Unmatched: result.Unmatched,
		Summary:   result.Summary,
	}
	if err := report.SaveAs(path, rep); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	slog.Info("Wrote match report", "path", path, "matches", len(rep.Matches))
	return nil
}

func writeJSONLine(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}
