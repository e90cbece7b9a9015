package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LedgerTask is one pending ledger-sync entry. The queue is durable so
// pending confirmations survive a restart.
type LedgerTask struct {
	FileID     string    `json:"fileId"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EnqueueLedgerSync adds fileID to the pending ledger queue and marks the
// record's sync status pending. Re-enqueueing an already queued file resets
// nothing.
func (s *Store) EnqueueLedgerSync(ctx context.Context, fileID string) error {
	if _, err := s.db.Get(ledgerKey(fileID), nil); err == nil {
		return nil
	}

	task := LedgerTask{FileID: fileID, EnqueuedAt: time.Now().UTC()}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode ledger task: %w", err)
	}
	if err := s.db.Put(ledgerKey(fileID), data, nil); err != nil {
		return fmt.Errorf("failed to enqueue ledger task: %w", err)
	}
	return nil
}

// PendingLedgerSync returns up to limit queued tasks in key order.
func (s *Store) PendingLedgerSync(ctx context.Context, limit int) ([]LedgerTask, error) {
	if limit <= 0 {
		limit = 10
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte("ledgerq/")), nil)
	defer iter.Release()

	var tasks []LedgerTask
	for iter.Next() && len(tasks) < limit {
		var task LedgerTask
		if err := json.Unmarshal(iter.Value(), &task); err != nil {
			s.log.Warn("Dropping corrupt ledger task", "err", err)
			s.db.Delete(append([]byte(nil), iter.Key()...), nil)
			continue
		}
		tasks = append(tasks, task)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read ledger queue: %w", err)
	}
	return tasks, nil
}

// BumpLedgerAttempts records one more failed confirmation attempt on the
// queued task and on the record.
func (s *Store) BumpLedgerAttempts(ctx context.Context, fileID string) (int, error) {
	data, err := s.db.Get(ledgerKey(fileID), nil)
	if err == leveldb.ErrNotFound {
		return 0, fmt.Errorf("ledger task for %s not queued", fileID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger task: %w", err)
	}

	var task LedgerTask
	if err := json.Unmarshal(data, &task); err != nil {
		return 0, fmt.Errorf("corrupt ledger task for %s: %w", fileID, err)
	}
	task.Attempts++

	updated, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ledger task: %w", err)
	}
	if err := s.db.Put(ledgerKey(fileID), updated, nil); err != nil {
		return 0, fmt.Errorf("failed to update ledger task: %w", err)
	}

	if _, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		r.LedgerSync.Attempts = task.Attempts
		return nil
	}); err != nil {
		s.log.Warn("Failed to record ledger attempt on file record",
			slog.String("file_id", fileID), "err", err)
	}
	return task.Attempts, nil
}

// ConfirmLedgerSync marks the record confirmed with its external reference
// and removes the queue entry.
func (s *Store) ConfirmLedgerSync(ctx context.Context, fileID, externalRef string) error {
	if _, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		r.LedgerSync.Status = LedgerConfirmed
		r.LedgerSync.ExternalRef = externalRef
		return nil
	}); err != nil {
		return err
	}
	if err := s.db.Delete(ledgerKey(fileID), nil); err != nil {
		return fmt.Errorf("failed to dequeue ledger task: %w", err)
	}
	return nil
}

// DropLedgerSync marks the record's sync terminally failed and removes the
// queue entry.
func (s *Store) DropLedgerSync(ctx context.Context, fileID string) error {
	if _, err := s.Update(ctx, fileID, func(r *FileRecord) error {
		r.LedgerSync.Status = LedgerFailed
		return nil
	}); err != nil {
		s.log.Warn("Failed to mark ledger sync failed",
			slog.String("file_id", fileID), "err", err)
	}
	if err := s.db.Delete(ledgerKey(fileID), nil); err != nil {
		return fmt.Errorf("failed to dequeue ledger task: %w", err)
	}
	return nil
}
