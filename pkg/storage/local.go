package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
)

// LocalStorage keeps files on a filesystem rooted at a base directory.
type LocalStorage struct {
	fs        afero.Fs
	publicURL string
	overwrite bool
}

type LocalOption func(*LocalStorage)

// WithOverwrite lets Save replace an existing file. The memory database
// restarts patient ids at 1, so its keys repeat across restarts.
func WithOverwrite() LocalOption {
	return func(s *LocalStorage) { s.overwrite = true }
}

// NewLocalStorage roots storage at dir on the OS filesystem.
func NewLocalStorage(dir, publicURL string, opts ...LocalOption) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return NewFsStorage(afero.NewBasePathFs(afero.NewOsFs(), dir), publicURL, opts...), nil
}

// NewFsStorage uses fs as-is; tests pass afero.NewMemMapFs().
func NewFsStorage(fs afero.Fs, publicURL string, opts ...LocalOption) *LocalStorage {
	s := &LocalStorage{fs: fs, publicURL: publicURL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStorage) Save(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if s.overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := s.fs.OpenFile(key, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.fs.Remove(key)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return f.Close()
}

func (s *LocalStorage) Open(_ context.Context, key string) (*Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotExist
	}
	return &Object{ReadCloser: f, Size: info.Size(), ContentType: ContentTypeFor(key)}, nil
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	// Drop the per-patient directory once it is empty.
	if entries, err := afero.ReadDir(s.fs, path.Dir(key)); err == nil && len(entries) == 0 {
		s.fs.Remove(path.Dir(key))
	}
	return nil
}

func (s *LocalStorage) URL(key string) string {
	return joinURL(s.publicURL, key)
}
