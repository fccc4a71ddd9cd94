// Package fsblob stores blobs in a local directory and issues HMAC-signed
// download URLs that the HTTP API verifies before serving the file.
package fsblob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
)

// ErrBadSignature is returned by Verify for tampered or expired links.
var ErrBadSignature = errors.New("invalid or expired blob signature")

// Store is a blob.Store rooted at a directory.
type Store struct {
	root      string
	publicURL string
	key       []byte
	now       func() time.Time
}

// New creates the root directory if needed. publicURL is the externally
// reachable base of the /blobs route, without a trailing slash.
func New(root, publicURL, signingKey string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %q: %w", root, err)
	}
	return &Store{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		key:       []byte(signingKey),
		now:       time.Now,
	}, nil
}

// path maps a key onto the root, rejecting keys that escape it.
func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty blob key", apperr.ErrValidation)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "mkdir", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "create", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "write", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "close", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "rename", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "fsblob", "open", err)
	}
	return f, nil
}

// Open returns the file for key; the HTTP layer uses it to serve content.
func (s *Store) Open(key string) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blob.ErrNotFound
	}
	return f, err
}

func (s *Store) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.ErrStorage, "fsblob", "delete", err)
	}
	return nil
}

func (s *Store) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.ObjectURL(key) + "?" + q.Encode(), nil
}

func (s *Store) ObjectURL(key string) string {
	return s.publicURL + "/" + key
}

func (s *Store) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presigned link's expires and sig query values for key.
func (s *Store) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrBadSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
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

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
