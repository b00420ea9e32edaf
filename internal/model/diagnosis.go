package model

// Diagnosis is the label derived from a case's latest annotation session.
type Diagnosis string

const (
	DiagnosisPositive     Diagnosis = "Positive"
	DiagnosisNegative     Diagnosis = "Negative"
	DiagnosisNotAnnotated Diagnosis = "Not Annotated"
)

func (d Diagnosis) String() string {
	return string(d)
}
