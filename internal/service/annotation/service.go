package annotation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
)

// CaseReader looks up the case an annotation belongs to.
type CaseReader interface {
	Get(ctx context.Context, id int64) (*model.Case, error)
}

type Service struct {
	repo     repository.AnnotationRepository
	cases    CaseReader
	validate *validator.Validate
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo repository.AnnotationRepository,
	cases CaseReader,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		repo:     repo,
		cases:    cases,
		validate: newValidator(),
		logger:   log,
		metrics:  m,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionPayload is what gets stored as the session's raw annotation data.
type sessionPayload struct {
	*model.SaveAnnotationsRequest
	Timestamp string `json:"timestamp"`
}

// Save validates the request and stores it as a new session for the case.
// Counts are computed from the boxes, never taken from the caller.
func (s *Service) Save(ctx context.Context, req *model.SaveAnnotationsRequest) (*model.AnnotationSession, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	caseID, _ := req.CaseID.Int64()
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &model.AnnotationSession{
		SessionID: NewSessionID(caseID, now),
		CreatedAt: now,
		Boxes:     make([]*model.BoundingBox, 0, len(req.Annotations)),
	}
	seen := make(map[string]struct{}, len(req.Annotations))
	for _, in := range req.Annotations {
		box := in.ToBox()
		if _, dup := seen[box.BoxID]; dup {
			return nil, apperrors.Conflict(fmt.Sprintf("duplicate bounding box id %q in session", box.BoxID), nil)
		}
		seen[box.BoxID] = struct{}{}
		session.Boxes = append(session.Boxes, box)
	}
	session.Recount()

	payload, err := json.Marshal(sessionPayload{SaveAnnotationsRequest: req, Timestamp: now.Format(time.RFC3339Nano)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotation payload: %w", err)
	}
	session.Payload = payload

	image := &model.AnnotatedImage{
		CaseID:     c.ID,
		PatientID:  firstNonEmpty(req.PatientID, c.PatientID),
		ImageName:  firstNonEmpty(req.ImageName, c.ImageName),
		ImagePath:  c.ImagePath,
		Status:     model.ImageStatusUploaded,
		UploadedAt: now,
	}
	if err := s.repo.SaveSession(ctx, image, session); err != nil {
		return nil, fmt.Errorf("failed to save annotations: %w", err)
	}

	s.metrics.SessionsSaved.Inc()
	s.logger.WithContext(ctx).Info("Annotations saved",
		"case_id", c.ID,
		"annotation_id", session.SessionID,
		"total", session.TotalAnnotations,
		"positive", session.PositiveCount,
	)
	return session, nil
}

// GetCaseAnnotations returns the case's annotated image with every session.
func (s *Service) GetCaseAnnotations(ctx context.Context, caseID int64) (*model.AnnotatedImage, error) {
	image, err := s.repo.GetImageByCaseID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.repo.ListSessions(ctx, image.ID)
	if err != nil {
		return nil, err
	}
	image.Sessions = sessions
	return image, nil
}

func (s *Service) List(ctx context.Context) ([]*model.AnnotatedImage, error) {
	return s.repo.ListAnnotatedImages(ctx)
}

// Clear deletes every session of the case and returns the removed box count.
func (s *Service) Clear(ctx context.Context, caseID int64) (int, error) {
	deleted, err := s.repo.DeleteSessions(ctx, caseID)
	if err != nil {
		return 0, err
	}
	s.metrics.SessionsCleared.Add(float64(deleted))
	s.logger.WithContext(ctx).Info("Annotations cleared", "case_id", caseID, "deleted_count", deleted)
	return deleted, nil
}

// NewSessionID builds "ann_{caseId}_{YYYYMMDD_HHMMSS}_{8 hex chars}".
func NewSessionID(caseID int64, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ann_%d_%s_%s", caseID, at.Format("20060102_150405"), suffix)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
