// Package objectstore stores interview media under stable keys and exposes
// them through public URLs that external services (transcription providers,
// analysis workers) can fetch.
//
// Writes are idempotent: putting the same key twice replaces the object, so
// a retried pipeline stage can upload again without cleanup.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/epic-hq/Insights-sub011/internal/apperr"
)

// ErrInvalidKey is returned for empty keys and keys escaping the bucket root.
var ErrInvalidKey = fmt.Errorf("%w: invalid object key", apperr.ErrValidation)

// Bucket is the storage contract used by the pipeline.
type Bucket interface {
	// Put stores the object and returns its public URL.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error

	// URL returns the public URL of key without checking it exists.
	URL(key string) string
}

var _ Bucket = (*FS)(nil)

// FS is a [Bucket] rooted at a local directory.
type FS struct {
	root    string
	baseURL string
}

// NewFS creates the root directory if needed. baseURL is the public prefix
// under which [FS.Handler] is mounted, e.g. "https://insights.example.com/media".
func NewFS(root, baseURL string) (*FS, error) {
	if root == "" {
		return nil, errors.New("objectstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &FS{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (b *FS) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes to a temporary file and renames it into place so readers never
// observe a partial object.
func (b *FS) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	p, err := b.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "objectstore", "put", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "objectstore", "put", key, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "objectstore", "put", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", apperr.Wrap(apperr.ErrTransient, "objectstore", "put", key, err)
	}
	return b.URL(key), nil
}

func (b *FS) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "objectstore", "get", key, err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransient, "objectstore", "get", key, err)
	}
	return f, nil
}

// Delete removes key. Deleting a missing object is not an error.
func (b *FS) Delete(_ context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.ErrTransient, "objectstore", "delete", key, err)
	}
	return nil
}

func (b *FS) URL(key string) string {
	segs := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return b.baseURL + "/" + strings.Join(segs, "/")
}

// KeyFromURL is the inverse of [FS.URL]. ok is false for URLs outside the
// bucket.
func (b *FS) KeyFromURL(u string) (key string, ok bool) {
	rest, found := strings.CutPrefix(u, b.baseURL+"/")
	if !found || rest == "" {
		return "", false
	}
	key, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return key, true
}

// Handler serves objects read-only. Mount it under the path of baseURL
// with http.StripPrefix.
func (b *FS) Handler() http.Handler {
	return http.FileServer(http.Dir(b.root))
}

// Probe writes and removes a marker object. It backs the readiness check.
func (b *FS) Probe(ctx context.Context) error {
	const key = ".probe/ready"
	if _, err := b.Put(ctx, key, strings.NewReader("ok"), "text/plain"); err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
