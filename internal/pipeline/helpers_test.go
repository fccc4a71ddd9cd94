package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/provider/disk"
	"github.com/UniQw/uniqw-lectures/internal/provider/speech"
	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/UniQw/uniqw-lectures/internal/task/redisstore"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type env struct {
	mr     *mrd.Miniredis
	rdb    *redis.Client
	store  *redisstore.Store
	client *queue.Client
	blobs  *memBlob
	coord  *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := redisstore.New(rdb)
	client := queue.NewClient(rdb)
	coord := NewCoordinator(client, store, CoordinatorConfig{MaxRetry: 2, Logger: zaptest.NewLogger(t)})
	return &env{mr: mr, rdb: rdb, store: store, client: client, blobs: newMemBlob(), coord: coord}
}

// seed stores a task in the given status and returns its id.
func (e *env) seed(t *testing.T, status task.Status) string {
	t.Helper()
	ctx := context.Background()
	tk := task.New("Lecture 1", "https://disk.example/d/abc")
	require.NoError(t, e.store.Create(ctx, tk))
	switch status {
	case task.StatusProcessing:
		_, err := e.store.MarkProcessing(ctx, tk.ID)
		require.NoError(t, err)
	case task.StatusDone:
		_, err := e.store.MarkDone(ctx, tk.ID, blob.PDFKey(tk.ID))
		require.NoError(t, err)
	case task.StatusFailed:
		_, err := e.store.MarkFailed(ctx, tk.ID, "earlier failure")
		require.NoError(t, err)
	}
	return tk.ID
}

func (e *env) messages(t *testing.T, q string, state queue.State) []*queue.Message {
	t.Helper()
	ms, err := e.client.List(context.Background(), q, state, nil)
	require.NoError(t, err)
	return ms
}

func (e *env) task(t *testing.T, id string) task.Task {
	t.Helper()
	tk, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := sonic.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeAs[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(payload, &v))
	return v
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *memBlob) Put(_ context.Context, key string, r io.Reader, contentType string) error {
	if b.putErr != nil {
		return b.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.types[key] = contentType
	return nil
}

func (b *memBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlob) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.test/" + key + "?ttl=" + ttl.String(), nil
}

func (b *memBlob) ObjectURL(key string) string { return "https://blobs.test/" + key }

func (b *memBlob) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *memBlob) read(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.objects[key])
}

type fakeDisk struct {
	res      disk.Resource
	resErr   error
	href     string
	linkErr  error
	body     string
	ctype    string
	opened   int
	resCalls int
}

func videoDisk() *fakeDisk {
	return &fakeDisk{
		res:   disk.Resource{Type: "file", MimeType: "video/mp4", Name: "l.mp4", Size: 5, Duration: 3723500 * time.Millisecond},
		href:  "https://downloader.example/file",
		body:  "VIDEO",
		ctype: "video/mp4",
	}
}

func (d *fakeDisk) Resource(context.Context, string) (disk.Resource, error) {
	d.resCalls++
	return d.res, d.resErr
}

func (d *fakeDisk) DownloadLink(context.Context, string) (string, error) {
	return d.href, d.linkErr
}

func (d *fakeDisk) Open(context.Context, string) (io.ReadCloser, string, error) {
	d.opened++
	return io.NopCloser(strings.NewReader(d.body)), d.ctype, nil
}

type fakeSpeech struct {
	mu       sync.Mutex
	opID     string
	startErr error
	starts   []string
	polls    []string
	// pending is how many polls report not ready before the summary.
	pending int
	pollErr error
	summary string
}

func (s *fakeSpeech) Start(_ context.Context, uri string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.starts = append(s.starts, uri)
	return s.opID, nil
}

func (s *fakeSpeech) Poll(_ context.Context, opID string) (speech.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls = append(s.polls, opID)
	if s.pollErr != nil {
		return speech.Result{}, s.pollErr
	}
	if s.pending > 0 {
		s.pending--
		return speech.Result{}, apperr.ErrNotReady
	}
	return speech.Result{Summary: []byte(s.summary)}, nil
}

type fakeRenderer struct {
	err    error
	titles []string
}

func (r *fakeRenderer) Render(title, text string) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.titles = append(r.titles, title)
	return []byte("%PDF-" + title + "|" + text), nil
}

var errBoom = errors.New("boom")
