// Package memory keeps cases and annotations in process memory. It serves the
// "memory" database driver for local runs and backs the service tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ToniYenC11/CDSS/internal/model"
	"github.com/ToniYenC11/CDSS/internal/repository"
	apperrors "github.com/ToniYenC11/CDSS/pkg/errors"
)

// Store implements the case and annotation repositories with the same
// transactional and cascading behaviour as the postgres schema. Domain events
// go to the Outbox returned by Outbox().
type Store struct {
	mu sync.RWMutex

	sequences map[string]int64
	cases     map[int64]*model.Case
	images    map[int64]*model.AnnotatedImage // keyed by case id
	sessions  map[int64][]*model.AnnotationSession
	outbox    *Outbox

	nextCaseID    int64
	nextImageID   int64
	nextSessionID int64
	nextBoxID     int64
}

var (
	_ repository.CaseRepository       = (*Store)(nil)
	_ repository.AnnotationRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		sequences: make(map[string]int64),
		cases:     make(map[int64]*model.Case),
		images:    make(map[int64]*model.AnnotatedImage),
		sessions:  make(map[int64][]*model.AnnotationSession),
		outbox:    NewOutbox(),
	}
}

// Outbox exposes the events written alongside each change.
func (s *Store) Outbox() *Outbox {
	return s.outbox
}

func (s *Store) enqueue(eventType string, payload interface{}) {
	if event, err := model.NewOutboxEvent(eventType, payload); err == nil {
		s.outbox.Enqueue(event)
	}
}

func (s *Store) Create(_ context.Context, c *model.Case, beforeCommit func(*model.Case) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	period := model.PatientPeriod(c.UploadDate)
	seq := s.sequences[period] + 1
	c.ID = s.nextCaseID + 1
	c.PatientID = model.FormatPatientID(c.UploadDate, seq)
	c.ImagePath = model.ImageStoragePath(c.PatientID, c.ImageName)

	if beforeCommit != nil {
		if err := beforeCommit(c); err != nil {
			return err
		}
	}

	s.sequences[period] = seq
	s.nextCaseID = c.ID
	stored := *c
	s.cases[c.ID] = &stored
	s.enqueue(model.EventCaseCreated, map[string]interface{}{"case_id": c.ID, "patient_id": c.PatientID})
	return nil
}

func (s *Store) Get(_ context.Context, id int64) (*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, apperrors.NotFound("case", nil)
	}
	out := *c
	return &out, nil
}

func (s *Store) List(_ context.Context) ([]*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Case, 0, len(s.cases))
	for _, c := range s.cases {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadDate.Equal(out[j].UploadDate) {
			return out[i].UploadDate.After(out[j].UploadDate)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) Update(_ context.Context, c *model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cases[c.ID]
	if !ok {
		return apperrors.NotFound("case", nil)
	}
	stored.Diagnosis = c.Diagnosis
	stored.Confidence = c.Confidence
	s.enqueue(model.EventCaseUpdated, map[string]interface{}{"case_id": c.ID})
	return nil
}

func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return apperrors.NotFound("case", nil)
	}
	delete(s.cases, id)
	if img, ok := s.images[id]; ok {
		delete(s.sessions, img.ID)
		delete(s.images, id)
	}
	s.enqueue(model.EventCaseDeleted, map[string]interface{}{"case_id": id, "patient_id": c.PatientID})
	return nil
}

func (s *Store) SaveSession(_ context.Context, image *model.AnnotatedImage, session *model.AnnotationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[image.CaseID]; !ok {
		return apperrors.NotFound("case", nil)
	}

	seen := make(map[string]struct{}, len(session.Boxes))
	for _, b := range session.Boxes {
		if _, dup := seen[b.BoxID]; dup {
			return apperrors.Conflict("duplicate bounding box id \""+b.BoxID+"\" in session", nil)
		}
		seen[b.BoxID] = struct{}{}
	}

	stored, ok := s.images[image.CaseID]
	if !ok {
		s.nextImageID++
		cp := *image
		cp.ID = s.nextImageID
		cp.Sessions = nil
		stored = &cp
		s.images[image.CaseID] = stored
	}
	stored.Status = model.ImageStatusAnnotated
	*image = *stored

	session.Recount()
	s.nextSessionID++
	session.ID = s.nextSessionID
	session.ImageID = stored.ID
	session.UpdatedAt = session.CreatedAt
	for _, b := range session.Boxes {
		s.nextBoxID++
		b.ID = s.nextBoxID
		b.SessionRef = session.ID
		b.CreatedAt = session.CreatedAt
	}
	s.sessions[stored.ID] = append(s.sessions[stored.ID], cloneSession(session))
	s.enqueue(model.EventAnnotationsSaved, map[string]interface{}{
		"case_id":       image.CaseID,
		"annotation_id": session.SessionID,
	})
	return nil
}

func (s *Store) GetImageByCaseID(_ context.Context, caseID int64) (*model.AnnotatedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.images[caseID]
	if !ok {
		return nil, apperrors.NotFound("annotated image", nil)
	}
	out := *img
	return &out, nil
}

func (s *Store) LatestSession(_ context.Context, caseID int64) (*model.AnnotationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	img, ok := s.images[caseID]
	if !ok {
		return nil, nil
	}
	sessions := s.sortedSessions(img.ID)
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (s *Store) ListSessions(_ context.Context, imageID int64) ([]*model.AnnotationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedSessions(imageID), nil
}

func (s *Store) ListAnnotatedImages(_ context.Context) ([]*model.AnnotatedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*model.AnnotatedImage{}
	for _, img := range s.images {
		if img.Status != model.ImageStatusAnnotated {
			continue
		}
		cp := *img
		cp.Sessions = s.sortedSessions(img.ID)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteSessions(_ context.Context, caseID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.images[caseID]
	if !ok {
		return 0, apperrors.NotFound("annotated image", nil)
	}
	deleted := 0
	for _, sess := range s.sessions[img.ID] {
		deleted += len(sess.Boxes)
	}
	delete(s.sessions, img.ID)
	img.Status = model.ImageStatusUploaded
	s.enqueue(model.EventAnnotationsCleared, map[string]interface{}{"case_id": caseID, "deleted_count": deleted})
	return deleted, nil
}

// sortedSessions returns copies newest first, ties broken by insertion order.
func (s *Store) sortedSessions(imageID int64) []*model.AnnotationSession {
	src := s.sessions[imageID]
	out := make([]*model.AnnotationSession, len(src))
	for i, sess := range src {
		out[i] = cloneSession(sess)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func cloneSession(in *model.AnnotationSession) *model.AnnotationSession {
	out := *in
	out.Boxes = make([]*model.BoundingBox, len(in.Boxes))
	for i, b := range in.Boxes {
		cp := *b
		out.Boxes[i] = &cp
	}
	return &out
}
