package cases

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository/memory"
	"github.com/ToniYenC11/CDSS/internal/service/diagnosis"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
	"github.com/ToniYenC11/CDSS/pkg/storage"
)

type fixture struct {
	svc     *Service
	store   *memory.Store
	fs      afero.Fs
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, st storage.Storage) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		fs:      afero.NewMemMapFs(),
		metrics: metrics.NewMetrics(prometheus.NewRegistry(), "test", ""),
		now:     time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC),
	}
	if st == nil {
		st = storage.NewFsStorage(f.fs, "/media")
	}
	f.svc = NewService(
		f.store,
		diagnosis.NewDeriver(f.store, f.metrics),
		st,
		Config{DefaultDiagnosis: "Cancer", DefaultConfidence: "90%"},
		logger.Nop(),
		f.metrics,
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func upload(name, body string) Upload {
	return Upload{Filename: name, ContentType: "image/png", Size: int64(len(body)), Body: strings.NewReader(body)}
}

func TestCreateAssignsSequentialPatientIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := f.svc.Create(ctx, upload(fmt.Sprintf("scan%d.png", i), "img"))
		require.NoError(t, err)
		ids = append(ids, c.PatientID)
	}
	assert.Equal(t, []string{"2025-03-000001", "2025-03-000002", "2025-03-000003"}, ids)

	// A new month starts a new sequence.
	f.now = time.Date(2025, time.April, 1, 0, 0, 1, 0, time.UTC)
	c, err := f.svc.Create(ctx, upload("april.png", "img"))
	require.NoError(t, err)
	assert.Equal(t, "2025-04-000001", c.PatientID)
	assert.Equal(t, "2025-04-01", c.Date())
	assert.Equal(t, "Cancer", c.Diagnosis)
	assert.Equal(t, "90%", c.Confidence)

	data, err := afero.ReadFile(f.fs, "uploads/2025-04-000001/april.png")
	require.NoError(t, err)
	assert.Equal(t, "img", string(data))
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.CasesCreated))
}

func TestCreateStripsDirectoriesFromFilename(t *testing.T) {
	f := newFixture(t, nil)
	c, err := f.svc.Create(context.Background(), upload("../../etc/evil.png", "x"))
	require.NoError(t, err)
	assert.Equal(t, "evil.png", c.ImageName)
	assert.Equal(t, "uploads/2025-03-000001/evil.png", c.ImagePath)
}

func TestCreateWithoutImage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Create(context.Background(), Upload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))
}

type flakyStorage struct {
	storage.Storage
	failSave   bool
	failDelete bool
}

func (s *flakyStorage) Save(ctx context.Context, key string, r io.Reader, size int64, ct string) error {
	if s.failSave {
		return fmt.Errorf("disk full")
	}
	return s.Storage.Save(ctx, key, r, size, ct)
}

func (s *flakyStorage) Delete(ctx context.Context, key string) error {
	if s.failDelete {
		return fmt.Errorf("permission denied")
	}
	return s.Storage.Delete(ctx, key)
}

func TestCreateRollsBackWhenImageCannotBeStored(t *testing.T) {
	ctx := context.Background()
	st := &flakyStorage{Storage: storage.NewFsStorage(afero.NewMemMapFs(), "/media"), failSave: true}
	f := newFixture(t, st)

	_, err := f.svc.Create(ctx, upload("scan.png", "img"))
	assert.ErrorContains(t, err, "disk full")

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// The failed attempt did not consume a sequence number.
	st.failSave = false
	c, err := f.svc.Create(ctx, upload("scan.png", "img"))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-000001", c.PatientID)
}

func TestDeleteProceedsWhenFileRemovalFails(t *testing.T) {
	ctx := context.Background()
	st := &flakyStorage{Storage: storage.NewFsStorage(afero.NewMemMapFs(), "/media")}
	f := newFixture(t, st)

	c, err := f.svc.Create(ctx, upload("scan.png", "img"))
	require.NoError(t, err)

	st.failDelete = true
	require.NoError(t, f.svc.Delete(ctx, c.ID))

	_, err = f.svc.Get(ctx, c.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StorageOperations.WithLabelValues("delete", "error")))
}

func TestDeleteRemovesImageAndAnnotations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	c, err := f.svc.Create(ctx, upload("scan.png", "img"))
	require.NoError(t, err)
	require.NoError(t, f.store.SaveSession(ctx,
		&model.AnnotatedImage{CaseID: c.ID, PatientID: c.PatientID, UploadedAt: f.now},
		&model.AnnotationSession{SessionID: "s1", CreatedAt: f.now, Boxes: []*model.BoundingBox{{BoxID: "1", Label: model.LabelPositive}}},
	))

	require.NoError(t, f.svc.Delete(ctx, c.ID))

	exists, err := afero.Exists(f.fs, c.ImagePath)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.store.GetImageByCaseID(ctx, c.ID)
	assert.True(t, apperrors.IsNotFound(err))

	err = f.svc.Delete(ctx, c.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListAndGetDeriveDiagnosis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.svc.Create(ctx, upload("a.png", "a"))
	require.NoError(t, err)
	f.now = f.now.Add(24 * time.Hour)
	second, err := f.svc.Create(ctx, upload("b.png", "b"))
	require.NoError(t, err)

	require.NoError(t, f.store.SaveSession(ctx,
		&model.AnnotatedImage{CaseID: first.ID, PatientID: first.PatientID, UploadedAt: f.now},
		&model.AnnotationSession{SessionID: "s1", CreatedAt: f.now, Boxes: []*model.BoundingBox{
			{BoxID: "1", Label: model.LabelNegative, X: 10, Y: 20, Width: 30, Height: 40},
		}},
	))

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].Case.ID, "newest upload first")
	assert.Equal(t, model.DiagnosisNotAnnotated, list[0].Diagnosis)
	assert.Equal(t, model.DiagnosisNegative, list[1].Diagnosis)

	detail, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisNegative, detail.Diagnosis)
	assert.Equal(t, "/media/uploads/2025-03-000001/a.png", detail.ImageURL)
	require.Len(t, detail.Boxes, 1)
	assert.Equal(t, 40.0, detail.Boxes[0].Height)

	detail, err = f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, detail.Boxes)
	assert.Empty(t, detail.Boxes)
}

func TestUpdateKeepsReadOnlyFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	c, err := f.svc.Create(ctx, upload("a.png", "a"))
	require.NoError(t, err)

	confidence := "75%"
	updated, err := f.svc.Update(ctx, c.ID, model.UpdateCaseRequest{Confidence: &confidence})
	require.NoError(t, err)
	assert.Equal(t, "75%", updated.Confidence)
	assert.Equal(t, "Cancer", updated.Diagnosis)
	assert.Equal(t, c.PatientID, updated.PatientID)

	_, err = f.svc.Update(ctx, 999, model.UpdateCaseRequest{})
	assert.True(t, apperrors.IsNotFound(err))
}
