package worker

import (
	"context"
	"time"

	"github.com/ToniYenC11/CDSS/internal/repository"
	"github.com/ToniYenC11/CDSS/pkg/logger"
)

// OutboxCleanupWorker deletes processed outbox events older than retention.
type OutboxCleanupWorker struct {
	repo      repository.OutboxRepository
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

func NewOutboxCleanupWorker(repo repository.OutboxRepository, retention, interval time.Duration, log *logger.Logger) *OutboxCleanupWorker {
	return &OutboxCleanupWorker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    log,
		now:       time.Now,
	}
}

func (w *OutboxCleanupWorker) Start(ctx context.Context) {
	if w.retention <= 0 || w.interval <= 0 {
		w.logger.Info("Outbox cleanup disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup(ctx)
		}
	}
}

// Cleanup runs one deletion pass and returns the number of removed events.
func (w *OutboxCleanupWorker) Cleanup(ctx context.Context) int64 {
	deleted, err := w.repo.DeleteProcessedBefore(ctx, w.now().Add(-w.retention))
	if err != nil {
		w.logger.Error(err, "Failed to clean up outbox events")
		return 0
	}
	if deleted > 0 {
		w.logger.Info("Cleaned up outbox events", "deleted", deleted)
	}
	return deleted
}
