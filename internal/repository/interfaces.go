package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ToniYenC11/CDSS/internal/model"
)

// OutboxClaimLease bounds how long a crashed processor can hold an event.
const OutboxClaimLease = 5 * time.Minute

type (
	// CaseRepository persists cases and assigns patient identifiers.
	CaseRepository interface {
		// Create assigns the case id and patient id for period "YYYY-MM" of
		// c.UploadDate and inserts the row. beforeCommit runs inside the same
		// transaction once ids are known; an error from it rolls back the insert.
		Create(ctx context.Context, c *model.Case, beforeCommit func(*model.Case) error) error
		Get(ctx context.Context, id int64) (*model.Case, error)
		List(ctx context.Context) ([]*model.Case, error)
		Update(ctx context.Context, c *model.Case) error
		// Delete removes the case and, through the foreign key, its annotated
		// image, sessions and boxes.
		Delete(ctx context.Context, id int64) error
	}

	// AnnotationRepository persists annotated images, sessions and boxes.
	AnnotationRepository interface {
		// SaveSession upserts the annotated image for image.CaseID, marks it
		// annotated, and inserts the session with its boxes in one transaction.
		SaveSession(ctx context.Context, image *model.AnnotatedImage, session *model.AnnotationSession) error
		GetImageByCaseID(ctx context.Context, caseID int64) (*model.AnnotatedImage, error)
		// LatestSession returns the newest session for the case's image with
		// its boxes, or nil when there is none.
		LatestSession(ctx context.Context, caseID int64) (*model.AnnotationSession, error)
		ListSessions(ctx context.Context, imageID int64) ([]*model.AnnotationSession, error)
		ListAnnotatedImages(ctx context.Context) ([]*model.AnnotatedImage, error)
		// DeleteSessions removes every session of the case's image, resets its
		// status to uploaded and returns the number of boxes removed.
		DeleteSessions(ctx context.Context, caseID int64) (int, error)
	}

	// OutboxRepository is read by the outbox processors. Events are written
	// by the case and annotation repositories inside their own transactions.
	OutboxRepository interface {
		// ClaimPendingEvents marks up to limit pending events, oldest first, as
		// processing and returns them. Events left processing for longer than
		// OutboxClaimLease are claimable again. Concurrent callers never
		// receive the same event within the lease.
		ClaimPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)
