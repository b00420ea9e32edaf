package cases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
	"github.com/ToniYenC11/CDSS/internal/service/diagnosis"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
	"github.com/ToniYenC11/CDSS/pkg/logger"
	"github.com/ToniYenC11/CDSS/pkg/metrics"
	"github.com/ToniYenC11/CDSS/pkg/storage"
)

// Config holds the values stored on new cases when none are supplied.
type Config struct {
	DefaultDiagnosis  string
	DefaultConfidence string
}

// Upload is an incoming case image.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Summary is a case with its derived diagnosis.
type Summary struct {
	Case      *model.Case
	Diagnosis model.Diagnosis
}

// Detail adds the image location and the boxes of the latest session.
type Detail struct {
	Summary
	ImageURL string
	Boxes    []*model.BoundingBox
}

type Service struct {
	repo    repository.CaseRepository
	deriver *diagnosis.Deriver
	storage storage.Storage
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for upload dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo repository.CaseRepository,
	deriver *diagnosis.Deriver,
	store storage.Storage,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		repo:    repo,
		deriver: deriver,
		storage: store,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores the image under uploads/{patientId}/{filename} and inserts
// the case. The row and the file either both exist afterwards or neither does.
func (s *Service) Create(ctx context.Context, up Upload) (*model.Case, error) {
	if up.Body == nil {
		return nil, apperrors.BadRequest("No image provided", nil)
	}
	name := sanitizeFilename(up.Filename)
	if name == "" {
		return nil, apperrors.BadRequest("image file name is empty", nil)
	}

	now := s.now()
	c := &model.Case{
		UploadDate: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		Diagnosis:  s.cfg.DefaultDiagnosis,
		Confidence: s.cfg.DefaultConfidence,
		ImageName:  name,
		CreatedAt:  now.UTC(),
	}

	stored := false
	err := s.repo.Create(ctx, c, func(c *model.Case) error {
		if err := s.storage.Save(ctx, c.ImagePath, up.Body, up.Size, up.ContentType); err != nil {
			s.metrics.StorageOperations.WithLabelValues("save", "error").Inc()
			return fmt.Errorf("failed to store image: %w", err)
		}
		s.metrics.StorageOperations.WithLabelValues("save", "success").Inc()
		stored = true
		return nil
	})
	if err != nil {
		if stored {
			if delErr := s.storage.Delete(ctx, c.ImagePath); delErr != nil {
				s.logger.WithContext(ctx).Warn(delErr, "Could not remove image of rolled back case", "path", c.ImagePath)
			}
		}
		return nil, fmt.Errorf("failed to create case: %w", err)
	}

	s.metrics.CasesCreated.Inc()
	s.logger.WithContext(ctx).Info("Case uploaded",
		"case_id", c.ID,
		"patient_id", c.PatientID,
		"size", humanize.Bytes(uint64(max(up.Size, 0))),
	)
	return c, nil
}

func (s *Service) List(ctx context.Context) ([]*Summary, error) {
	cases, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}

	out := make([]*Summary, 0, len(cases))
	for _, c := range cases {
		d, err := s.deriver.Derive(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, &Summary{Case: c, Diagnosis: d})
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	d, session, err := s.deriver.Latest(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &Detail{
		Summary:  Summary{Case: c, Diagnosis: d},
		ImageURL: s.ImageURL(c),
		Boxes:    []*model.BoundingBox{},
	}
	if session != nil {
		detail.Boxes = session.Boxes
	}
	return detail, nil
}

// Update changes the stored diagnosis and confidence. Patient id and upload
// date are read-only.
func (s *Service) Update(ctx context.Context, id int64, req model.UpdateCaseRequest) (*model.Case, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Diagnosis != nil {
		c.Diagnosis = *req.Diagnosis
	}
	if req.Confidence != nil {
		c.Confidence = *req.Confidence
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to update case: %w", err)
	}
	return c, nil
}

// Delete removes the image file and then the case. A file that cannot be
// removed is logged and does not stop the deletion.
func (s *Service) Delete(ctx context.Context, id int64) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if c.ImagePath != "" {
		if err := s.storage.Delete(ctx, c.ImagePath); err != nil {
			s.metrics.StorageOperations.WithLabelValues("delete", "error").Inc()
			s.logger.WithContext(ctx).Warn(err, "Could not delete image file", "case_id", id, "path", c.ImagePath)
		} else {
			s.metrics.StorageOperations.WithLabelValues("delete", "success").Inc()
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.metrics.CasesDeleted.Inc()
	s.logger.WithContext(ctx).Info("Case deleted", "case_id", id, "patient_id", c.PatientID)
	return nil
}

// ImageURL is the public address of a case image.
func (s *Service) ImageURL(c *model.Case) string {
	if c.ImagePath == "" {
		return ""
	}
	return s.storage.URL(c.ImagePath)
}

// OpenImage streams a stored image by its storage key.
func (s *Service) OpenImage(ctx context.Context, key string) (*storage.Object, error) {
	obj, err := s.storage.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, apperrors.NotFound("image", err)
		}
		return nil, err
	}
	return obj, nil
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case ".", "/", "..":
		return ""
	}
	return name
}
