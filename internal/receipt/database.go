package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptBucketName    = "receipts"
	extractionBucketName = "extractions"
	reportBucketName     = "reports"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt saves a receipt to the database
	SaveReceipt(receipt Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (Receipt, error)

	// ListReceipts returns all receipts ordered by ID
	ListReceipts() ([]Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(id string) error

	// CachedExtraction returns the receipt previously extracted from a file
	// with the given checksum
	CachedExtraction(checksum string) (Receipt, bool, error)

	// CacheExtraction remembers the receipt extracted from a file checksum
	CacheExtraction(checksum string, receipt Receipt) error

	// SaveReport saves a match report
	SaveReport(report MatchReport) error

	// GetReport retrieves a match report by ID
	GetReport(id string) (MatchReport, error)

	// ListReports returns all match reports, newest first
	ListReports() ([]MatchReport, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptBucketName, extractionBucketName, reportBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func (b *BoltDB) put(bucketName, key string, value any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", bucketName, err)
		}
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
}

func (b *BoltDB) get(bucketName, key string, value any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucketName, key, ErrNotFound)
		}
		return json.Unmarshal(data, value)
	})
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(receipt Receipt) error {
	if receipt.ID == "" {
		return fmt.Errorf("receipt id is required")
	}
	return b.put(receiptBucketName, receipt.ID, receipt)
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (Receipt, error) {
	var receipt Receipt
	if err := b.get(receiptBucketName, id, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]Receipt, error) {
	receipts := make([]Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		// bbolt iterates keys in byte order, which keeps the listing stable
		return tx.Bucket([]byte(receiptBucketName)).ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptBucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// CachedExtraction returns a previously extracted receipt for a file checksum
func (b *BoltDB) CachedExtraction(checksum string) (Receipt, bool, error) {
	var receipt Receipt
	err := b.get(extractionBucketName, checksum, &receipt)
	if errors.Is(err, ErrNotFound) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	return receipt, true, nil
}

// CacheExtraction stores the receipt extracted from a file checksum
func (b *BoltDB) CacheExtraction(checksum string, receipt Receipt) error {
	return b.put(extractionBucketName, checksum, receipt)
}

// SaveReport saves a match report
func (b *BoltDB) SaveReport(report MatchReport) error {
	if report.ID == "" {
		return fmt.Errorf("report id is required")
	}
	return b.put(reportBucketName, report.ID, report)
}

// GetReport retrieves a match report by ID
func (b *BoltDB) GetReport(id string) (MatchReport, error) {
	var report MatchReport
	if err := b.get(reportBucketName, id, &report); err != nil {
		return MatchReport{}, err
	}
	return report, nil
}

// ListReports returns all match reports, newest first
func (b *BoltDB) ListReports() ([]MatchReport, error) {
	reports := make([]MatchReport, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(reportBucketName)).ForEach(func(k, v []byte) error {
			var report MatchReport
			if err := json.Unmarshal(v, &report); err != nil {
				return fmt.Errorf("unmarshaling report: %w", err)
			}
			reports = append(reports, report)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
