package diagnosis

import (
	"context"
	"fmt"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
)

// SessionSource finds the latest annotation session of a case.
type SessionSource interface {
	LatestSession(ctx context.Context, caseID int64) (*model.AnnotationSession, error)
}

// FromSession applies the diagnosis rule to a case's latest session: any
// positive box makes it Positive, any other box makes it Negative, and no
// session or no boxes leaves it Not Annotated.
func FromSession(session *model.AnnotationSession) model.Diagnosis {
	if session == nil || len(session.Boxes) == 0 {
		return model.DiagnosisNotAnnotated
	}
	for _, b := range session.Boxes {
		if b.Label == model.LabelPositive {
			return model.DiagnosisPositive
		}
	}
	return model.DiagnosisNegative
}

// Deriver computes a case's diagnosis on every read; nothing is cached.
type Deriver struct {
	sessions SessionSource
	metrics  *metrics.Metrics
}

func NewDeriver(sessions SessionSource, m *metrics.Metrics) *Deriver {
	return &Deriver{sessions: sessions, metrics: m}
}

// Derive returns the current diagnosis of the case.
func (d *Deriver) Derive(ctx context.Context, caseID int64) (model.Diagnosis, error) {
	diagnosis, _, err := d.Latest(ctx, caseID)
	return diagnosis, err
}

// Latest returns the diagnosis together with the session it was derived
// from, which is nil when the case has never been annotated.
func (d *Deriver) Latest(ctx context.Context, caseID int64) (model.Diagnosis, *model.AnnotationSession, error) {
	session, err := d.sessions.LatestSession(ctx, caseID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to derive diagnosis for case %d: %w", caseID, err)
	}
	diagnosis := FromSession(session)
	d.metrics.DiagnosesDerived.WithLabelValues(diagnosis.String()).Inc()
	return diagnosis, session, nil
}
