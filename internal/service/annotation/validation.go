package annotation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ToniYenC11/CDSS/internal/model"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

// Detail keys of an annotation validation error.
const (
	MissingFields = "missing_fields"
	InvalidLabels = "invalid_labels"
	InvalidFields = "invalid_fields"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks an annotation request and reports every problem at once.
func (s *Service) Validate(req *model.SaveAnnotationsRequest) error {
	if req == nil {
		return apperrors.NewValidation("No annotations provided", map[string][]string{
			MissingFields: {"annotations"},
		})
	}

	details := map[string][]string{}
	err := s.validate.Struct(req)

	var verrs validator.ValidationErrors
	if err != nil && !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate annotations: %w", err)
	}

	message := "Invalid annotation data"
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		switch {
		case field == "annotations":
			message = "No annotations provided"
			details[MissingFields] = append(details[MissingFields], field)
		case fe.Tag() == "required":
			details[MissingFields] = append(details[MissingFields], field)
		case fe.Field() == "label":
			details[InvalidLabels] = append(details[InvalidLabels], fmt.Sprintf("%s: %v", field, fe.Value()))
		default:
			details[InvalidFields] = append(details[InvalidFields], fmt.Sprintf("%s: must satisfy %s", field, constraint(fe)))
		}
	}

	if req.CaseID != "" {
		if id, err := req.CaseID.Int64(); err != nil || id <= 0 {
			details[InvalidFields] = append(details[InvalidFields], "caseId: must be a positive integer")
		}
	}

	if len(details) == 0 {
		return nil
	}
	if _, ok := details[MissingFields]; ok && message != "No annotations provided" {
		message = "Missing required annotation fields"
	}
	return apperrors.NewValidation(message, details)
}

// fieldPath drops the root struct name: "SaveAnnotationsRequest.annotations[0].height"
// becomes "annotations[0].height".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func constraint(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
