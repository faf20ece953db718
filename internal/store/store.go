// Package store provides a BadgerDB-based history of finished transfers.
// Records expire automatically after DataTTL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goceleris/transferd/internal/engine"
)

const (
	// TTL for transfer records (30 days)
	DataTTL = 30 * 24 * time.Hour

	prefixTransfer = "transfer:"
)

// ErrNotFound is returned when no record has the requested ID.
var ErrNotFound = errors.New("store: record not found")

// Store wraps BadgerDB with transfer-history operations.
type Store struct {
	db *badger.DB
}

// Record is the outcome of one transfer.
type Record struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Method    string        `json:"method"`
	Result    engine.Result `json:"result"`
	Status    int           `json:"status,omitempty"`
	Bytes     int64         `json:"bytes"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// New opens (or creates) the database in dataDir.
func New(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil // Disable badger's internal logging
	opts.SyncWrites = true
	return open(opts)
}

// NewInMemory returns a store that is discarded on Close.
func NewInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs value log garbage collection every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("BadgerDB GC error", "error", err)
			}
		}
	}
}

// Save writes rec, replacing any record with the same ID.
func (s *Store) Save(rec *Record) error {
	if rec.ID == "" {
		return errors.New("store: record without ID")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(prefixTransfer+rec.ID), data).WithTTL(DataTTL)
		return txn.SetEntry(entry)
	})
}

// Get retrieves a record by ID.
func (s *Store) Get(id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixTransfer + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns records newest first, optionally filtered by result. A limit of
// zero or less returns everything.
func (s *Store) List(result *engine.Result, limit int) ([]*Record, error) {
	var recs []*Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTransfer)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			if result == nil || rec.Result == *result {
				recs = append(recs, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(recs, func(a, b *Record) int {
		return b.EndedAt.Compare(a.EndedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixTransfer + id))
	})
}
