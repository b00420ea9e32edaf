package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
)

var _ repository.OutboxRepository = (*Outbox)(nil)

// Outbox is an in-memory outbox_events table.
type Outbox struct {
	mu     sync.Mutex
	events []*model.OutboxEvent
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue appends a pending copy of event.
func (o *Outbox) Enqueue(event *model.OutboxEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	event.Status = model.OutboxStatusPending
	cp := *event

	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, &cp)
}

func (o *Outbox) ClaimPendingEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	stale := now.Add(-repository.OutboxClaimLease)
	out := []*model.OutboxEvent{}
	for _, e := range o.events {
		if len(out) == limit {
			break
		}
		claimable := e.Status == model.OutboxStatusPending ||
			(e.Status == model.OutboxStatusProcessing && e.UpdatedAt.Before(stale))
		if !claimable {
			continue
		}
		e.Status = model.OutboxStatusProcessing
		e.UpdatedAt = now
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (o *Outbox) UpdateStatus(_ context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.events {
		if e.ID != id {
			continue
		}
		e.Status = status
		e.ErrorMessage = errMsg
		e.UpdatedAt = time.Now().UTC()
		switch status {
		case model.OutboxStatusProcessed:
			now := e.UpdatedAt
			e.ProcessedAt = &now
		case model.OutboxStatusFailed:
			e.RetryCount++
		}
		return nil
	}
	return nil
}

func (o *Outbox) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.events[:0]
	var deleted int64
	for _, e := range o.events {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	o.events = kept
	return deleted, nil
}

// Events returns a snapshot of every event, in write order.
func (o *Outbox) Events() []model.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]model.OutboxEvent, len(o.events))
	for i, e := range o.events {
		out[i] = *e
	}
	return out
}
