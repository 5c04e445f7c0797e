// Package server exposes receipt extraction and matching over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-matcher/internal/matching"
	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
)

// ErrNoTransactions is returned when a match is requested without transactions
var ErrNoTransactions = errors.New("at least one transaction is required")

// IDGenerator generates unique IDs for receipts and reports
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Processor extracts a receipt from an uploaded document
type Processor interface {
	ProcessDocument(ctx context.Context, id, filename string, data []byte, contentType string, sink progress.Sink) receipt.Receipt
}

// Matcher pairs receipts with transactions
type Matcher interface {
	Match(receipts []receipt.Receipt, txs []receipt.Transaction, sink progress.Sink) matching.Result
}

// Service handles receipt and report operations
type Service struct {
	db          receipt.DB
	storage     receipt.Storage
	processor   Processor
	matcher     Matcher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID identifiers and the wall clock
func NewService(db receipt.DB, storage receipt.Storage, processor Processor, matcher Matcher) *Service {
	return NewServiceWithDeps(db, storage, processor, matcher, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db receipt.DB, storage receipt.Storage, processor Processor, matcher Matcher, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		storage:     storage,
		processor:   processor,
		matcher:     matcher,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ProcessReceipt stores an uploaded document, extracts it and saves the
// receipt. A document that cannot be extracted is not kept.
func (s *Service) ProcessReceipt(ctx context.Context, filename string, data []byte, contentType string, sink progress.Sink) (receipt.Receipt, error) {
	id := s.idGenerator.Generate()

	stored, err := s.storage.Save(fmt.Sprintf("%s_%s", id, filename), data)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("saving file: %w", err)
	}

	r := s.processor.ProcessDocument(ctx, id, stored, data, contentType, sink)
	if r.Failed() {
		slog.Error("Failed to extract receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", r.Error,
		)
		if err := s.storage.Delete(stored); err != nil {
			slog.Warn("Failed to delete file", "filename", stored, "error", err)
		}
		return r, fmt.Errorf("extracting receipt: %s", r.Error)
	}

	if err := s.db.SaveReceipt(r); err != nil {
		if delErr := s.storage.Delete(stored); delErr != nil {
			slog.Warn("Failed to delete file", "filename", stored, "error", delErr)
		}
		return receipt.Receipt{}, fmt.Errorf("saving receipt to database: %w", err)
	}

	return r, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id string) (receipt.Receipt, error) {
	r, err := s.db.GetReceipt(id)
	if err != nil {
		return receipt.Receipt{}, fmt.Errorf("getting receipt: %w", err)
	}
	return r, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]receipt.Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(id string) error {
	r, err := s.db.GetReceipt(id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.storage.Delete(r.Filename); err != nil {
		slog.Warn("Failed to delete file", "filename", r.Filename, "error", err)
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the source document of a receipt
func (s *Service) GetReceiptFile(id string) ([]byte, string, error) {
	r, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(r.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, r.Filename, nil
}

// CreateReport matches receipts against transactions and saves the outcome.
// When receipts is nil the stored receipts are matched.
func (s *Service) CreateReport(receipts []receipt.Receipt, txs []receipt.Transaction, sink progress.Sink) (receipt.MatchReport, error) {
	if len(txs) == 0 {
		return receipt.MatchReport{}, ErrNoTransactions
	}

	if receipts == nil {
		stored, err := s.db.ListReceipts()
		if err != nil {
			return receipt.MatchReport{}, fmt.Errorf("listing receipts: %w", err)
		}
		receipts = stored
	}

	result := s.matcher.Match(receipts, txs, sink)
	report := receipt.MatchReport{
		ID:        s.idGenerator.Generate(),
		CreatedAt: s.timeSource.Now(),
		Matches:   result.Matches,
		Unmatched: result.Unmatched,
		Summary:   result.Summary,
	}

	if err := s.db.SaveReport(report); err != nil {
		return receipt.MatchReport{}, fmt.Errorf("saving report: %w", err)
	}
	return report, nil
}

// GetReport retrieves a match report by ID
func (s *Service) GetReport(id string) (receipt.MatchReport, error) {
	report, err := s.db.GetReport(id)
	if err != nil {
		return receipt.MatchReport{}, fmt.Errorf("getting report: %w", err)
	}
	return report, nil
}

// ListReports returns all match reports, newest first
func (s *Service) ListReports() ([]receipt.MatchReport, error) {
	reports, err := s.db.ListReports()
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}
