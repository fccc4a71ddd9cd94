// Package redisstore keeps tasks in Redis hashes next to the stage queues.
// Conditional status updates run as Lua scripts so each one is a single
// atomic read-check-write on one hash.
package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "lectures:task:"
	indexKey  = "lectures:tasks:created"
)

func taskKey(id string) string { return keyPrefix + id }

// createScript inserts the hash and its index entry unless the id exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'name', ARGV[2], 'url', ARGV[3], 'status', ARGV[4], 'created_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return 1
`)

// transitionScript sets status unless the current one is in the blocked
// list. ARGV: new status, comma-separated blocked statuses, field mode
// ("pdf" sets pdf, "error" sets error and clears pdf), field value.
// Returns -1 when the task is missing, 0 when blocked, 1 when applied.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
for s in string.gmatch(ARGV[2], '[^,]+') do
  if s == cur then return 0 end
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
if ARGV[3] == 'pdf' then
  redis.call('HSET', KEYS[1], 'pdf', ARGV[4])
elseif ARGV[3] == 'error' then
  redis.call('HSET', KEYS[1], 'error', ARGV[4])
  redis.call('HDEL', KEYS[1], 'pdf')
end
return 1
`)

// record is the hash layout.
type record struct {
	ID        string `redis:"id"`
	Name      string `redis:"name"`
	URL       string `redis:"url"`
	Status    string `redis:"status"`
	CreatedAt int64  `redis:"created_at"`
	PDF       string `redis:"pdf"`
	Error     string `redis:"error"`
}

func (r record) task() (task.Task, error) {
	st, err := task.ParseStatus(r.Status)
	if err != nil {
		return task.Task{}, err
	}
	t := task.Task{
		ID:        r.ID,
		CreatedAt: time.UnixMicro(r.CreatedAt).UTC(),
		Name:      r.Name,
		SourceURL: r.URL,
		Status:    st,
	}
	if r.PDF != "" {
		pdf := r.PDF
		t.ArtifactRef = &pdf
	}
	if r.Error != "" {
		msg := r.Error
		t.Error = &msg
	}
	return t, nil
}

// Store is a task.Store backed by Redis.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps an existing client. Close does not close the client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Create(ctx context.Context, t task.Task) error {
	created, err := createScript.Run(ctx, s.rdb, []string{taskKey(t.ID), indexKey},
		t.ID, t.Name, t.SourceURL, string(t.Status), t.CreatedAt.UnixMicro()).Int()
	if err != nil {
		return apperr.Wrap(apperr.ErrStorage, "redisstore", "create", err)
	}
	if created == 0 {
		return task.ErrExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	cmd := s.rdb.HGetAll(ctx, taskKey(id))
	if err := cmd.Err(); err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "redisstore", "get", err)
	}
	if len(cmd.Val()) == 0 {
		return task.Task{}, task.ErrNotFound
	}
	var r record
	if err := cmd.Scan(&r); err != nil {
		return task.Task{}, apperr.Wrap(apperr.ErrStorage, "redisstore", "decode", err)
	}
	return r.task()
}

func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Wrap(apperr.ErrStorage, "redisstore", "list", err)
	}
	if len(ids) == 0 {
		return []task.Task{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "redisstore", "list", err)
	}

	out := make([]task.Task, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		var r record
		if err := cmd.Scan(&r); err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "redisstore", "decode", err)
		}
		t, err := r.task()
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "redisstore", "decode", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, task.StatusProcessing, []task.Status{task.StatusFailed, task.StatusDone}, "", "")
}

func (s *Store) MarkDone(ctx context.Context, id, artifactRef string) (bool, error) {
	return s.transition(ctx, id, task.StatusDone, []task.Status{task.StatusFailed}, "pdf", artifactRef)
}

func (s *Store) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	return s.transition(ctx, id, task.StatusFailed, []task.Status{task.StatusFailed}, "error", task.TruncateError(message))
}

func (s *Store) transition(ctx context.Context, id string, to task.Status, blocked []task.Status, mode, value string) (bool, error) {
	names := make([]string, len(blocked))
	for i, b := range blocked {
		names[i] = string(b)
	}
	res, err := transitionScript.Run(ctx, s.rdb, []string{taskKey(id)},
		string(to), strings.Join(names, ","), mode, value).Int()
	if err != nil {
		return false, apperr.Wrap(apperr.ErrStorage, "redisstore", "mark "+string(to), err)
	}
	switch res {
	case -1:
		return false, task.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) Close() error { return nil }
