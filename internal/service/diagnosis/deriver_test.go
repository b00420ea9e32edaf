package diagnosis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository/memory"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
)

func boxes(labels ...model.BoxLabel) []*model.BoundingBox {
	out := make([]*model.BoundingBox, len(labels))
	for i, l := range labels {
		out[i] = &model.BoundingBox{BoxID: fmt.Sprintf("b%d", i), Label: l}
	}
	return out
}

func TestFromSession(t *testing.T) {
	tests := []struct {
		name    string
		session *model.AnnotationSession
		want    model.Diagnosis
	}{
		{"no session", nil, model.DiagnosisNotAnnotated},
		{"no boxes", &model.AnnotationSession{}, model.DiagnosisNotAnnotated},
		{"only negative", &model.AnnotationSession{Boxes: boxes(model.LabelNegative, model.LabelNegative)}, model.DiagnosisNegative},
		{"one positive", &model.AnnotationSession{Boxes: boxes(model.LabelNegative, model.LabelPositive)}, model.DiagnosisPositive},
		{"only positive", &model.AnnotationSession{Boxes: boxes(model.LabelPositive)}, model.DiagnosisPositive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromSession(tt.session))
		})
	}
}

type failingSource struct{}

func (failingSource) LatestSession(context.Context, int64) (*model.AnnotationSession, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestDeriverUsesLatestSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test", "")
	d := NewDeriver(store, m)

	c := &model.Case{UploadDate: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), ImageName: "a.png"}
	require.NoError(t, store.Create(ctx, c, nil))

	got, err := d.Derive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisNotAnnotated, got, "no annotated image")

	at := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	save := func(created time.Time, id string, labels ...model.BoxLabel) {
		img := &model.AnnotatedImage{CaseID: c.ID, PatientID: c.PatientID, UploadedAt: created}
		sess := &model.AnnotationSession{SessionID: id, CreatedAt: created, Boxes: boxes(labels...)}
		require.NoError(t, store.SaveSession(ctx, img, sess))
	}

	save(at, "first", model.LabelPositive)
	got, err = d.Derive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisPositive, got)

	save(at.Add(time.Minute), "second", model.LabelNegative)
	got, err = d.Derive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisNegative, got)

	// Same timestamp: the later insert wins.
	save(at.Add(time.Minute), "third", model.LabelPositive)
	got, session, err := d.Latest(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisPositive, got)
	assert.Equal(t, "third", session.SessionID)

	_, err = store.DeleteSessions(ctx, c.ID)
	require.NoError(t, err)
	got, err = d.Derive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisNotAnnotated, got, "image without sessions")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.DiagnosesDerived.WithLabelValues("Not Annotated")))
}

func TestDeriverPropagatesStoreErrors(t *testing.T) {
	d := NewDeriver(failingSource{}, metrics.NewMetrics(prometheus.NewRegistry(), "test", ""))
	_, err := d.Derive(context.Background(), 1)
	assert.ErrorContains(t, err, "connection reset")
}
