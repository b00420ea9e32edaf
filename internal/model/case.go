package model

import (
	"fmt"
	"time"
)

// DateLayout is the wire format of a case's upload date.
const DateLayout = "2006-01-02"

// Case is one patient encounter with an uploaded image.
type Case struct {
	ID         int64     `db:"case_id" json:"CaseID"`
	PatientID  string    `db:"patient_id" json:"PatientID"`
	UploadDate time.Time `db:"upload_date" json:"-"`
	Diagnosis  string    `db:"diagnosis" json:"Diagnosis"`
	Confidence string    `db:"confidence" json:"Confidence"`
	ImagePath  string    `db:"image_path" json:"-"`
	ImageName  string    `db:"image_name" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"-"`
}

// Date renders the upload date the way the API exposes it.
func (c *Case) Date() string {
	return c.UploadDate.Format(DateLayout)
}

// PatientPeriod is the per-month bucket used by the patient id sequence.
func PatientPeriod(t time.Time) string {
	return fmt.Sprintf("%d-%02d", t.Year(), int(t.Month()))
}

// FormatPatientID builds "{year}-{month:02}-{sequence:06}".
func FormatPatientID(t time.Time, seq int64) string {
	return fmt.Sprintf("%s-%06d", PatientPeriod(t), seq)
}

// ImageStoragePath is where a case image lives on the storage backend.
func ImageStoragePath(patientID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", patientID, filename)
}

// UpdateCaseRequest is a partial update of the mutable case fields.
type UpdateCaseRequest struct {
	Diagnosis  *string `json:"Diagnosis" validate:"omitempty,max=255"`
	Confidence *string `json:"Confidence" validate:"omitempty,max=10"`
}
