package annotation

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository/memory"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
)

var fixedNow = time.Date(2025, time.June, 3, 14, 5, 9, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store, *model.Case) {
	t.Helper()
	store := memory.NewStore()
	c := &model.Case{UploadDate: fixedNow, ImageName: "scan.png"}
	require.NoError(t, store.Create(context.Background(), c, nil))

	svc := NewService(store, store, logger.Nop(),
		metrics.NewMetrics(prometheus.NewRegistry(), "test", ""),
		WithClock(func() time.Time { return fixedNow }))
	return svc, store, c
}

func decode(t *testing.T, body string) *model.SaveAnnotationsRequest {
	t.Helper()
	var req model.SaveAnnotationsRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

const twoBoxes = `{
	"caseId": "1",
	"patientId": "2025-06-000001",
	"imageName": "scan.png",
	"annotations": [
		{"id": 1717423509001, "x": 10, "y": 20, "width": 30, "height": 40, "label": "positive",
		 "relativeX": 0.1, "relativeY": 0.2, "relativeWidth": 0.3, "relativeHeight": 0.4},
		{"id": "b", "x": 0, "y": 0, "width": 5, "height": 5, "label": "negative",
		 "relativeX": 0, "relativeY": 0, "relativeWidth": 0.05, "relativeHeight": 0.05}
	]
}`

func TestSaveComputesCounts(t *testing.T) {
	ctx := context.Background()
	svc, store, c := newTestService(t)

	session, err := svc.Save(ctx, decode(t, twoBoxes))
	require.NoError(t, err)

	assert.Equal(t, 2, session.TotalAnnotations)
	assert.Equal(t, 1, session.PositiveCount)
	assert.Equal(t, 1, session.NegativeCount)
	assert.Regexp(t, regexp.MustCompile(`^ann_1_20250603_140509_[0-9a-f]{8}$`), session.SessionID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(session.Payload, &payload))
	assert.Equal(t, "1", payload["caseId"])
	assert.Equal(t, "2025-06-03T14:05:09Z", payload["timestamp"])
	assert.Len(t, payload["annotations"], 2)

	image, err := store.GetImageByCaseID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageStatusAnnotated, image.Status)
	assert.Equal(t, "2025-06-000001", image.PatientID)

	latest, err := store.LatestSession(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, latest.Boxes, 2)
	assert.Equal(t, "1717423509001", latest.Boxes[0].BoxID)
	assert.Equal(t, 0.4, latest.Boxes[0].RelativeHeight)
}

func TestSaveRejectsMissingHeight(t *testing.T) {
	ctx := context.Background()
	svc, store, c := newTestService(t)

	_, err := svc.Save(ctx, decode(t, `{
		"caseId": "1",
		"annotations": [{"id": "a", "x": 1, "y": 1, "width": 1, "label": "positive",
			"relativeX": 0.1, "relativeY": 0.1, "relativeWidth": 0.1, "relativeHeight": 0.1}]
	}`))

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrBadRequest, appErr.Code)
	assert.Equal(t, []string{"annotations[0].height"}, appErr.Details[MissingFields])

	_, err = store.GetImageByCaseID(ctx, c.ID)
	assert.True(t, apperrors.IsNotFound(err), "nothing persisted")
}

func TestSaveReportsInvalidLabelsAndRanges(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Save(context.Background(), decode(t, `{
		"caseId": "abc",
		"annotations": [{"id": "a", "x": 1, "y": 1, "width": 1, "height": 1, "label": "maybe",
			"relativeX": 1.5, "relativeY": 0.1, "relativeWidth": 0.1, "relativeHeight": 0.1}]
	}`))

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"annotations[0].label: maybe"}, appErr.Details[InvalidLabels])
	assert.Contains(t, appErr.Details[InvalidFields], "annotations[0].relativeX: must satisfy lte=1")
	assert.Contains(t, appErr.Details[InvalidFields], "caseId: must be a positive integer")
	assert.Empty(t, appErr.Details[MissingFields])
}

func TestSaveRejectsEmptyAnnotations(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, body := range []string{`{"caseId": "1", "annotations": []}`, `{"caseId": "1"}`} {
		_, err := svc.Save(context.Background(), decode(t, body))
		appErr, ok := apperrors.As(err)
		require.True(t, ok, body)
		assert.Equal(t, "No annotations provided", appErr.Message)
	}
}

func TestSaveDuplicateBoxIDIsConflict(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Save(context.Background(), decode(t, `{
		"caseId": 1,
		"annotations": [
			{"id": "a", "x": 1, "y": 1, "width": 1, "height": 1, "label": "positive", "relativeX": 0, "relativeY": 0, "relativeWidth": 0, "relativeHeight": 0},
			{"id": "a", "x": 2, "y": 2, "width": 1, "height": 1, "label": "negative", "relativeX": 0, "relativeY": 0, "relativeWidth": 0, "relativeHeight": 0}
		]
	}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestSaveUnknownCaseIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := decode(t, twoBoxes)
	req.CaseID = "42"
	_, err := svc.Save(context.Background(), req)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListAndClear(t *testing.T) {
	ctx := context.Background()
	svc, _, c := newTestService(t)

	_, err := svc.Save(ctx, decode(t, twoBoxes))
	require.NoError(t, err)
	_, err = svc.Save(ctx, decode(t, twoBoxes))
	require.NoError(t, err)

	images, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Len(t, images[0].Sessions, 2)

	image, err := svc.GetCaseAnnotations(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, image.Sessions, 2)

	deleted, err := svc.Clear(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	images, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, images)

	image, err = svc.GetCaseAnnotations(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ImageStatusUploaded, image.Status)
	assert.Empty(t, image.Sessions)

	_, err = svc.Clear(ctx, 99)
	assert.True(t, apperrors.IsNotFound(err))
}
