package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

const (
	foreignKeyViolation = "23503"

	imageColumns   = `id, case_id, patient_id, image_name, image_path, status, uploaded_at`
	sessionColumns = `id, session_id, image_id, payload, total_annotations, positive_count, negative_count, created_at, updated_at`
	boxColumns     = `id, session_ref, box_id, x, y, width, height, relative_x, relative_y, relative_width, relative_height, label, confidence_score, created_at`
)

type annotationRepository struct {
	BaseRepository
}

func NewAnnotationRepository(db *sqlx.DB) repository.AnnotationRepository {
	return &annotationRepository{NewBaseRepository(db)}
}

func (r *annotationRepository) SaveSession(ctx context.Context, image *model.AnnotatedImage, session *model.AnnotationSession) error {
	session.Recount()

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO annotated_images (case_id, patient_id, image_name, image_path, status, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (case_id) DO UPDATE SET status = EXCLUDED.status
			RETURNING `+imageColumns,
			image.CaseID, image.PatientID, image.ImageName, image.ImagePath,
			model.ImageStatusAnnotated, image.UploadedAt,
		).StructScan(image)
		if err != nil {
			if isForeignKeyViolation(err) {
				return apperrors.NotFound("case", err)
			}
			return fmt.Errorf("failed to upsert annotated image: %w", err)
		}

		session.ImageID = image.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO annotation_sessions (session_id, image_id, payload, total_annotations, positive_count, negative_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			RETURNING id
		`, session.SessionID, session.ImageID, []byte(session.Payload),
			session.TotalAnnotations, session.PositiveCount, session.NegativeCount, session.CreatedAt,
		).Scan(&session.ID)
		if err != nil {
			return fmt.Errorf("failed to create annotation session: %w", err)
		}
		session.UpdatedAt = session.CreatedAt

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO bounding_boxes (session_ref, box_id, x, y, width, height, relative_x, relative_y, relative_width, relative_height, label, confidence_score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare bounding box insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range session.Boxes {
			b.SessionRef = session.ID
			b.CreatedAt = session.CreatedAt
			err := stmt.QueryRowxContext(ctx,
				b.SessionRef, b.BoxID, b.X, b.Y, b.Width, b.Height,
				b.RelativeX, b.RelativeY, b.RelativeWidth, b.RelativeHeight,
				b.Label, b.ConfidenceScore, b.CreatedAt,
			).Scan(&b.ID)
			if err != nil {
				if isUniqueViolation(err) {
					return apperrors.Conflict(fmt.Sprintf("duplicate bounding box id %q in session", b.BoxID), err)
				}
				return fmt.Errorf("failed to create bounding box: %w", err)
			}
		}

		return r.enqueue(ctx, tx, model.EventAnnotationsSaved, map[string]interface{}{
			"case_id":           image.CaseID,
			"annotation_id":     session.SessionID,
			"total_annotations": session.TotalAnnotations,
			"positive_count":    session.PositiveCount,
			"negative_count":    session.NegativeCount,
		})
	})
}

func (r *annotationRepository) GetImageByCaseID(ctx context.Context, caseID int64) (*model.AnnotatedImage, error) {
	var image model.AnnotatedImage
	err := r.db.GetContext(ctx, &image, `SELECT `+imageColumns+` FROM annotated_images WHERE case_id = $1`, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("annotated image", err)
		}
		return nil, fmt.Errorf("failed to get annotated image: %w", err)
	}
	return &image, nil
}

func (r *annotationRepository) LatestSession(ctx context.Context, caseID int64) (*model.AnnotationSession, error) {
	var session model.AnnotationSession
	err := r.db.GetContext(ctx, &session, `
		SELECT s.id, s.session_id, s.image_id, s.payload, s.total_annotations, s.positive_count, s.negative_count, s.created_at, s.updated_at
		FROM annotation_sessions s
		JOIN annotated_images i ON i.id = s.image_id
		WHERE i.case_id = $1
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT 1
	`, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}

	boxes, err := r.loadBoxes(ctx, []int64{session.ID})
	if err != nil {
		return nil, err
	}
	session.Boxes = boxes[session.ID]
	if session.Boxes == nil {
		session.Boxes = []*model.BoundingBox{}
	}
	return &session, nil
}

func (r *annotationRepository) ListSessions(ctx context.Context, imageID int64) ([]*model.AnnotationSession, error) {
	sessions, err := r.loadSessions(ctx, []int64{imageID})
	if err != nil {
		return nil, err
	}
	if sessions[imageID] == nil {
		return []*model.AnnotationSession{}, nil
	}
	return sessions[imageID], nil
}

func (r *annotationRepository) ListAnnotatedImages(ctx context.Context) ([]*model.AnnotatedImage, error) {
	images := []*model.AnnotatedImage{}
	err := r.db.SelectContext(ctx, &images, `
		SELECT `+imageColumns+`
		FROM annotated_images
		WHERE status = $1
		ORDER BY uploaded_at DESC, id DESC
	`, model.ImageStatusAnnotated)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotated images: %w", err)
	}
	if len(images) == 0 {
		return images, nil
	}

	ids := make([]int64, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	sessions, err := r.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		img.Sessions = sessions[img.ID]
		if img.Sessions == nil {
			img.Sessions = []*model.AnnotationSession{}
		}
	}
	return images, nil
}

func (r *annotationRepository) DeleteSessions(ctx context.Context, caseID int64) (int, error) {
	var deleted int
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var imageID int64
		err := tx.QueryRowxContext(ctx, `SELECT id FROM annotated_images WHERE case_id = $1 FOR UPDATE`, caseID).Scan(&imageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NotFound("annotated image", err)
			}
			return fmt.Errorf("failed to lock annotated image: %w", err)
		}

		err = tx.QueryRowxContext(ctx, `
			SELECT COUNT(*)
			FROM bounding_boxes b
			JOIN annotation_sessions s ON s.id = b.session_ref
			WHERE s.image_id = $1
		`, imageID).Scan(&deleted)
		if err != nil {
			return fmt.Errorf("failed to count bounding boxes: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_sessions WHERE image_id = $1`, imageID); err != nil {
			return fmt.Errorf("failed to delete annotation sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE annotated_images SET status = $1 WHERE id = $2`, model.ImageStatusUploaded, imageID); err != nil {
			return fmt.Errorf("failed to reset annotated image status: %w", err)
		}

		return r.enqueue(ctx, tx, model.EventAnnotationsCleared, map[string]interface{}{
			"case_id":       caseID,
			"deleted_count": deleted,
		})
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// loadSessions returns the sessions of each image, newest first, with boxes.
func (r *annotationRepository) loadSessions(ctx context.Context, imageIDs []int64) (map[int64][]*model.AnnotationSession, error) {
	var sessions []*model.AnnotationSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+`
		FROM annotation_sessions
		WHERE image_id = ANY($1)
		ORDER BY created_at DESC, id DESC
	`, pq.Array(imageIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list annotation sessions: %w", err)
	}

	byImage := make(map[int64][]*model.AnnotationSession, len(imageIDs))
	if len(sessions) == 0 {
		return byImage, nil
	}

	ids := make([]int64, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	boxes, err := r.loadBoxes(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, s := range sessions {
		s.Boxes = boxes[s.ID]
		if s.Boxes == nil {
			s.Boxes = []*model.BoundingBox{}
		}
		byImage[s.ImageID] = append(byImage[s.ImageID], s)
	}
	return byImage, nil
}

func (r *annotationRepository) loadBoxes(ctx context.Context, sessionIDs []int64) (map[int64][]*model.BoundingBox, error) {
	var boxes []*model.BoundingBox
	err := r.db.SelectContext(ctx, &boxes, `
		SELECT `+boxColumns+`
		FROM bounding_boxes
		WHERE session_ref = ANY($1)
		ORDER BY session_ref, id
	`, pq.Array(sessionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list bounding boxes: %w", err)
	}

	bySession := make(map[int64][]*model.BoundingBox, len(sessionIDs))
	for _, b := range boxes {
		bySession[b.SessionRef] = append(bySession[b.SessionRef], b)
	}
	return bySession, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
