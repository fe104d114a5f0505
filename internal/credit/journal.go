// SPDX-License-Identifier: MIT

// Package credit turns accumulated coin amounts into durable credit: the
// applier performs the sale/plan/upsert/enforce sequence and the journal
// keeps a crash-safe record of every in-flight commit.
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xlog "github.com/pisonet/pisond/internal/log"
)

const pendingPrefix = "pending:"

// PendingRecord is one open committed-pending entry: a credit transaction
// that has started but not yet reached terminal success or abort. Records
// that survive a crash are listed at startup for operator resolution.
type PendingRecord struct {
	ID        string         `json:"id"`
	MAC       string         `json:"mac"`
	ClientID  string         `json:"client_id"`
	Amount    int            `json:"amount"`
	PerSource map[string]int `json:"per_source"`
	OpenedAt  time.Time      `json:"opened_at"`
}

// Journal is the badger-backed committed-pending log.
type Journal struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("credit: open journal: %w", err)
	}
	return &Journal{db: db, logger: xlog.WithComponent("credit.journal")}, nil
}

// OpenInMemoryJournal opens a journal that lives only for the process. Tests
// and diskless configurations use it.
func OpenInMemoryJournal() (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("credit: open journal: %w", err)
	}
	return &Journal{db: db, logger: xlog.WithComponent("credit.journal")}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Begin writes a pending record and returns its id. Call before the first
// store write of the transaction.
func (j *Journal) Begin(_ context.Context, rec PendingRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.OpenedAt = time.Now().UTC()
	buf, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("credit: marshal pending: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(pendingPrefix+rec.ID), buf)
	})
	if err != nil {
		return "", fmt.Errorf("credit: write pending: %w", err)
	}
	return rec.ID, nil
}

// Resolve removes the record after terminal success.
func (j *Journal) Resolve(_ context.Context, id string) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(pendingPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("credit: resolve pending: %w", err)
	}
	return nil
}

// Abort removes the record after an explicit operator abort and logs it.
func (j *Journal) Abort(ctx context.Context, id string) error {
	j.logger.Warn().
		Str("event", "journal.aborted").
		Str("pending_id", id).
		Msg("pending credit aborted without commit")
	return j.Resolve(ctx, id)
}

// ListOpen returns every unresolved pending record.
func (j *Journal) ListOpen(_ context.Context) ([]PendingRecord, error) {
	var out []PendingRecord
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec PendingRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("credit: list pending: %w", err)
	}
	return out, nil
}
