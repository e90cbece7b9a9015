package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/metrics"
)

// SyncerConfig tunes the background drainer.
type SyncerConfig struct {
	// Interval between drain passes.
	Interval time.Duration

	// BatchSize bounds how many queued entries one pass confirms.
	BatchSize int

	// MaxAttempts is the retry budget per entry before it is dropped with a
	// terminal log record.
	MaxAttempts int
}

// DefaultSyncerConfig returns production defaults.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Interval:    30 * time.Second,
		BatchSize:   10,
		MaxAttempts: 5,
	}
}

// Syncer drains the pending ledger-sync queue in small batches on a timer.
// Failures retry on later passes within a bounded attempt budget; exhausted
// entries are dropped and never surfaced to callers.
type Syncer struct {
	store  *metadata.Store
	anchor Anchor
	cfg    SyncerConfig
	log    *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSyncer creates a syncer. Call Start to begin draining.
func NewSyncer(store *metadata.Store, anchor Anchor, cfg SyncerConfig, log *slog.Logger) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncerConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSyncerConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultSyncerConfig().MaxAttempts
	}
	return &Syncer{
		store:  store,
		anchor: anchor,
		cfg:    cfg,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background drain loop.
func (s *Syncer) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.DrainOnce(context.Background())
			}
		}
	}()
	s.log.Info("Ledger syncer started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("batch_size", s.cfg.BatchSize))
}

// Stop terminates the drain loop and waits for the in-flight pass.
func (s *Syncer) Stop() {
	close(s.stop)
	<-s.done
}

// DrainOnce confirms one batch of queued entries.
func (s *Syncer) DrainOnce(ctx context.Context) {
	tasks, err := s.store.PendingLedgerSync(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("Failed to read ledger queue", "err", err)
		return
	}

	for _, task := range tasks {
		s.confirmOne(ctx, task)
	}
}

func (s *Syncer) confirmOne(ctx context.Context, task metadata.LedgerTask) {
	record, err := s.store.Get(ctx, task.FileID)
	if err != nil {
		// The file was deleted while queued.
		var notFound *interfaces.NotFoundError
		if errors.As(err, &notFound) {
			s.store.DropLedgerSync(ctx, task.FileID)
			return
		}
		s.log.Error("Failed to load record for ledger sync",
			slog.String("file_id", task.FileID), "err", err)
		return
	}

	ref, err := s.anchor.Confirm(ctx, task.FileID, record.ContentHash)
	if err == nil {
		if err := s.store.ConfirmLedgerSync(ctx, task.FileID, ref); err != nil {
			s.log.Error("Failed to persist ledger confirmation",
				slog.String("file_id", task.FileID), "err", err)
			return
		}
		metrics.LedgerSyncTotal.WithLabelValues("confirmed").Inc()
		s.log.Debug("Ledger sync confirmed",
			slog.String("file_id", task.FileID),
			slog.String("external_ref", ref))
		return
	}

	attempts, bumpErr := s.store.BumpLedgerAttempts(ctx, task.FileID)
	if bumpErr != nil {
		s.log.Error("Failed to record ledger attempt",
			slog.String("file_id", task.FileID), "err", bumpErr)
		return
	}

	if attempts >= s.cfg.MaxAttempts {
		metrics.LedgerSyncTotal.WithLabelValues("dropped").Inc()
		syncErr := &interfaces.LedgerSyncError{FileID: task.FileID, Attempts: attempts, Err: err}
		s.log.Error("Ledger sync abandoned", "err", syncErr)
		if dropErr := s.store.DropLedgerSync(ctx, task.FileID); dropErr != nil {
			s.log.Error("Failed to drop ledger task",
				slog.String("file_id", task.FileID), "err", dropErr)
		}
		return
	}

	metrics.LedgerSyncTotal.WithLabelValues("retried").Inc()
	s.log.Warn("Ledger sync failed, will retry",
		slog.String("file_id", task.FileID),
		slog.Int("attempts", attempts),
		"err", err)
}
