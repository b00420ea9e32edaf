package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexIDAcceptsStringsAndNumbers(t *testing.T) {
	var body struct {
		A FlexID `json:"a"`
		B FlexID `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"5","b":1712345678901}`), &body))
	assert.Equal(t, FlexID("5"), body.A)
	assert.Equal(t, FlexID("1712345678901"), body.B)

	n, err := body.A.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	assert.Error(t, json.Unmarshal([]byte(`{"a":{}}`), &body))
}

func TestSessionRecount(t *testing.T) {
	s := &AnnotationSession{Boxes: []*BoundingBox{
		{Label: LabelPositive},
		{Label: LabelNegative},
		{Label: LabelNegative},
	}}
	s.Recount()
	assert.Equal(t, 3, s.TotalAnnotations)
	assert.Equal(t, 1, s.PositiveCount)
	assert.Equal(t, 2, s.NegativeCount)
}

func TestFormatPatientID(t *testing.T) {
	ts := time.Date(2025, time.March, 9, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03", PatientPeriod(ts))
	assert.Equal(t, "2025-03-000042", FormatPatientID(ts, 42))
	assert.Equal(t, "uploads/2025-03-000042/scan.png", ImageStoragePath("2025-03-000042", "scan.png"))
}
