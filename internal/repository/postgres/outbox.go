package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
)

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(db *sqlx.DB) repository.OutboxRepository {
	return &outboxRepository{NewBaseRepository(db)}
}

const insertOutboxQuery = `
	INSERT INTO outbox_events (id, event_type, payload, status, retry_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func insertOutboxEvent(ctx context.Context, ex sqlx.ExecerContext, event *model.OutboxEvent) error {
	_, err := ex.ExecContext(ctx, insertOutboxQuery,
		event.ID,
		event.EventType,
		[]byte(event.Payload),
		event.Status,
		event.RetryCount,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

const claimOutboxQuery = `
	UPDATE outbox_events
	SET status = $1, updated_at = NOW()
	WHERE id IN (
		SELECT id FROM outbox_events
		WHERE status = $2 OR (status = $1 AND updated_at < $3)
		ORDER BY created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, event_type, payload, status, error_message, retry_count, created_at, processed_at, updated_at
`

// ClaimPendingEvents locks candidate rows with SKIP LOCKED so the api and
// worker processes never publish the same event twice.
func (r *outboxRepository) ClaimPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	events := []*model.OutboxEvent{}
	stale := time.Now().UTC().Add(-repository.OutboxClaimLease)
	err := r.db.SelectContext(ctx, &events, claimOutboxQuery,
		model.OutboxStatusProcessing, model.OutboxStatusPending, stale, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending events: %w", err)
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	var processedAt *time.Time
	retries := 0
	switch status {
	case model.OutboxStatusProcessed:
		now := time.Now().UTC()
		processedAt = &now
	case model.OutboxStatusFailed:
		retries = 1
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1,
			error_message = $2,
			retry_count = retry_count + $3,
			processed_at = COALESCE($4, processed_at),
			updated_at = NOW()
		WHERE id = $5
	`, status, errMsg, retries, processedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'processed'
		AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}

	return result.RowsAffected()
}
