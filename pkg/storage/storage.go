package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
)

// ErrNotExist is returned by Open when the object is absent.
var ErrNotExist = errors.New("storage: object does not exist")

// Storage persists case images under slash-separated keys such as
// "uploads/2025-03-000001/scan.png".
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Object is an opened stored file.
type Object struct {
	io.ReadCloser
	Size        int64
	ContentType string
}

// CleanKey normalises a key and rejects attempts to escape the root.
func CleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New("storage: empty key")
	}
	return cleaned, nil
}

// ContentTypeFor guesses a content type from the key's extension.
func ContentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// joinURL appends key to base, escaping each key segment so names such as
// "scan #1.png" stay a single path element.
func joinURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}
