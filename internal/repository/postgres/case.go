package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

const caseColumns = `case_id, patient_id, upload_date, diagnosis, confidence, image_path, image_name, created_at`

type caseRepository struct {
	BaseRepository
}

func NewCaseRepository(db *sqlx.DB) repository.CaseRepository {
	return &caseRepository{NewBaseRepository(db)}
}

func (r *caseRepository) Create(ctx context.Context, c *model.Case, beforeCommit func(*model.Case) error) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var seq int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO patient_id_sequences (period, last_value)
			VALUES ($1, 1)
			ON CONFLICT (period) DO UPDATE SET last_value = patient_id_sequences.last_value + 1
			RETURNING last_value
		`, model.PatientPeriod(c.UploadDate)).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to allocate patient id: %w", err)
		}
		c.PatientID = model.FormatPatientID(c.UploadDate, seq)
		c.ImagePath = model.ImageStoragePath(c.PatientID, c.ImageName)

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO cases (patient_id, upload_date, diagnosis, confidence, image_path, image_name, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING case_id
		`, c.PatientID, c.UploadDate, c.Diagnosis, c.Confidence, c.ImagePath, c.ImageName, c.CreatedAt).Scan(&c.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.Conflict("patient id already assigned", err)
			}
			return fmt.Errorf("failed to create case: %w", err)
		}

		if err := r.enqueue(ctx, tx, model.EventCaseCreated, caseEvent(c)); err != nil {
			return fmt.Errorf("failed to enqueue case event: %w", err)
		}

		if beforeCommit != nil {
			return beforeCommit(c)
		}
		return nil
	})
}

func (r *caseRepository) Get(ctx context.Context, id int64) (*model.Case, error) {
	var c model.Case
	err := r.db.GetContext(ctx, &c, `SELECT `+caseColumns+` FROM cases WHERE case_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("case", err)
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return &c, nil
}

func (r *caseRepository) List(ctx context.Context) ([]*model.Case, error) {
	cases := []*model.Case{}
	err := r.db.SelectContext(ctx, &cases, `SELECT `+caseColumns+` FROM cases ORDER BY upload_date DESC, case_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return cases, nil
}

func (r *caseRepository) Update(ctx context.Context, c *model.Case) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE cases SET diagnosis = $1, confidence = $2 WHERE case_id = $3`,
			c.Diagnosis, c.Confidence, c.ID)
		if err != nil {
			return fmt.Errorf("failed to update case: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("case", nil)
		}
		return r.enqueue(ctx, tx, model.EventCaseUpdated, caseEvent(c))
	})
}

func (r *caseRepository) Delete(ctx context.Context, id int64) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var patientID string
		err := tx.QueryRowxContext(ctx, `DELETE FROM cases WHERE case_id = $1 RETURNING patient_id`, id).Scan(&patientID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NotFound("case", err)
			}
			return fmt.Errorf("failed to delete case: %w", err)
		}
		return r.enqueue(ctx, tx, model.EventCaseDeleted, map[string]interface{}{
			"case_id":    id,
			"patient_id": patientID,
		})
	})
}

func caseEvent(c *model.Case) map[string]interface{} {
	return map[string]interface{}{
		"case_id":    c.ID,
		"patient_id": c.PatientID,
		"date":       c.Date(),
		"diagnosis":  c.Diagnosis,
		"confidence": c.Confidence,
	}
}
