package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type ImageStatus string

const (
	ImageStatusUploaded  ImageStatus = "uploaded"
	ImageStatusAnnotated ImageStatus = "annotated"
)

type BoxLabel string

const (
	LabelPositive BoxLabel = "positive"
	LabelNegative BoxLabel = "negative"
)

// AnnotatedImage is the annotation-workflow record paired with a case image.
type AnnotatedImage struct {
	ID         int64       `db:"id" json:"id"`
	CaseID     int64       `db:"case_id" json:"case_id"`
	PatientID  string      `db:"patient_id" json:"patient_id"`
	ImageName  string      `db:"image_name" json:"image_name"`
	ImagePath  string      `db:"image_path" json:"image_path"`
	Status     ImageStatus `db:"status" json:"status"`
	UploadedAt time.Time   `db:"uploaded_at" json:"uploaded_at"`

	Sessions []*AnnotationSession `db:"-" json:"sessions"`
}

// AnnotationSession is one saved batch of boxes for an annotated image.
type AnnotationSession struct {
	ID               int64           `db:"id" json:"-"`
	SessionID        string          `db:"session_id" json:"annotation_id"`
	ImageID          int64           `db:"image_id" json:"-"`
	Payload          json.RawMessage `db:"payload" json:"annotation_data"`
	TotalAnnotations int             `db:"total_annotations" json:"total_annotations"`
	PositiveCount    int             `db:"positive_count" json:"positive_count"`
	NegativeCount    int             `db:"negative_count" json:"negative_count"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	Boxes []*BoundingBox `db:"-" json:"bounding_boxes"`
}

// Recount recomputes the derived counts from the session's boxes.
func (s *AnnotationSession) Recount() {
	s.TotalAnnotations = len(s.Boxes)
	s.PositiveCount, s.NegativeCount = 0, 0
	for _, b := range s.Boxes {
		switch b.Label {
		case LabelPositive:
			s.PositiveCount++
		case LabelNegative:
			s.NegativeCount++
		}
	}
}

// BoundingBox is one labelled rectangle within a session.
type BoundingBox struct {
	ID              int64    `db:"id" json:"-"`
	SessionRef      int64    `db:"session_ref" json:"-"`
	BoxID           string   `db:"box_id" json:"id"`
	X               float64  `db:"x" json:"x"`
	Y               float64  `db:"y" json:"y"`
	Width           float64  `db:"width" json:"width"`
	Height          float64  `db:"height" json:"height"`
	RelativeX       float64  `db:"relative_x" json:"relativeX"`
	RelativeY       float64  `db:"relative_y" json:"relativeY"`
	RelativeWidth   float64  `db:"relative_width" json:"relativeWidth"`
	RelativeHeight  float64  `db:"relative_height" json:"relativeHeight"`
	Label           BoxLabel `db:"label" json:"label"`
	ConfidenceScore *float64 `db:"confidence_score" json:"confidence_score,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"-"`
}

// FlexID is an identifier clients send either as a JSON string or a number.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

// Int64 parses the identifier as a decimal integer.
func (f FlexID) Int64() (int64, error) {
	return strconv.ParseInt(string(f), 10, 64)
}

// BoxInput is one bounding box as submitted by the labelling client.
// Pointer fields distinguish a missing value from a zero coordinate.
type BoxInput struct {
	ID             *FlexID  `json:"id" validate:"required"`
	X              *float64 `json:"x" validate:"required"`
	Y              *float64 `json:"y" validate:"required"`
	Width          *float64 `json:"width" validate:"required"`
	Height         *float64 `json:"height" validate:"required"`
	Label          *string  `json:"label" validate:"required,oneof=positive negative"`
	RelativeX      *float64 `json:"relativeX" validate:"required,gte=0,lte=1"`
	RelativeY      *float64 `json:"relativeY" validate:"required,gte=0,lte=1"`
	RelativeWidth  *float64 `json:"relativeWidth" validate:"required,gte=0,lte=1"`
	RelativeHeight *float64 `json:"relativeHeight" validate:"required,gte=0,lte=1"`
}

// ToBox converts a validated input into a BoundingBox.
func (in *BoxInput) ToBox() *BoundingBox {
	return &BoundingBox{
		BoxID:          string(*in.ID),
		X:              *in.X,
		Y:              *in.Y,
		Width:          *in.Width,
		Height:         *in.Height,
		RelativeX:      *in.RelativeX,
		RelativeY:      *in.RelativeY,
		RelativeWidth:  *in.RelativeWidth,
		RelativeHeight: *in.RelativeHeight,
		Label:          BoxLabel(*in.Label),
	}
}

// SaveAnnotationsRequest is the body of POST /annotations.
type SaveAnnotationsRequest struct {
	CaseID      FlexID      `json:"caseId" validate:"required"`
	PatientID   string      `json:"patientId"`
	ImageName   string      `json:"imageName"`
	Annotations []*BoxInput `json:"annotations" validate:"required,min=1,dive,required"`
}
