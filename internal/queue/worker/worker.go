package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/queue/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Record is the runtime's view of a queued message.
type Record struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Queue        string `json:"queue"`
	Payload      []byte `json:"payload"`
	Retry        int    `json:"retry"`
	MaxRetry     int    `json:"max_retry"`
	Retention    int64  `json:"retention"`
	ErrRetention int64  `json:"err_retention,omitempty"`
	// Metadata
	CreatedAt   int64  `json:"created_at,omitempty"`
	DeadlineMs  int64  `json:"deadline_ms,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Result      []byte `json:"result,omitempty"`
}

// MaxBackoff caps the delay between handler retries.
const MaxBackoff = 15 * time.Minute

var recordPool = sync.Pool{New: func() any { return new(Record) }}

// Atomic dequeue script: RPOP from pending and ZADD into active with visibility score.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// Recycle returns a Record to the pool.
func Recycle(r *Record) {
	if r == nil {
		return
	}
	*r = Record{}
	recordPool.Put(r)
}

// Dequeue atomically moves a message from the Pending list to the Active ZSET
// and returns the decoded record and its raw JSON. A nil record with a nil
// error means the queue is empty.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration) (*Record, []byte, error) {
	expire := time.Now().Add(ttl).Unix()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, strconv.FormatInt(expire, 10)).Result()
	if errors.Is(err, redis.Nil) || res == nil {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil, nil
	}

	r := recordPool.Get().(*Record)
	if err := sonic.Unmarshal(raw, r); err != nil {
		// Undecodable members would be reclaimed forever; park them in dead.
		_, _ = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			p.LPush(ctx, k.Dead, raw)
			return nil
		})
		Recycle(r)
		return nil, nil, err
	}
	return r, raw, nil
}

// Ack removes a message from the Active ZSET after successful processing.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	return rdb.ZRem(ctx, k.Active, raw).Err()
}

// FailToDead moves a message from the Active ZSET to the Dead list.
func FailToDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, reason string) error {
	if reason != "" {
		r.LastError = reason
		r.LastErrorAt = time.Now().UnixMilli()
	}
	r.Progress = clampProgress(r.Progress)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		moveToDead(ctx, p, k, r, raw)
		return nil
	})
	return err
}

// TrackSucceededWithTTL moves a message to the Succeeded ZSET with an expiration TTL.
func TrackSucceededWithTTL(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record) error {
	// If retention is zero, do not persist succeeded entry at all.
	if r.Retention <= 0 {
		return nil
	}
	r.CompletedAt = time.Now().UnixMilli()
	r.Progress = clampProgress(r.Progress)
	newRaw := encodeJSON(r)
	expireMs := r.CompletedAt + (r.Retention * 1000)
	return rdb.ZAdd(ctx, k.Succeeded, redis.Z{Score: float64(expireMs), Member: newRaw}).Err()
}

// RetryOrDead either re-schedules a message in the Delayed ZSET with
// exponential backoff or, once MaxRetry is exhausted, moves it to the Dead
// list. It reports whether the message was dead-lettered.
func RetryOrDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, lastErr string) (bool, error) {
	r.LastError = lastErr
	r.LastErrorAt = time.Now().UnixMilli()
	r.Progress = clampProgress(r.Progress)

	if r.Retry >= r.MaxRetry {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			moveToDead(ctx, p, k, r, raw)
			return nil
		})
		return err == nil, err
	}

	r.Retry++
	newRaw := encodeJSON(r)
	next := time.Now().Add(Backoff(r.Retry)).Unix()
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: newRaw})
		return nil
	})
	return false, err
}

// Backoff returns the delay before the given retry attempt: 2^retry seconds,
// capped at MaxBackoff.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 10 {
		return MaxBackoff
	}
	d := time.Second * time.Duration(1<<retry)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

func moveToDead(ctx context.Context, p redis.Pipeliner, k keys.Queue, r *Record, raw []byte) {
	newRaw := encodeJSON(r)
	p.ZRem(ctx, k.Active, raw)
	if r.DeadlineMs > 0 {
		p.ZRem(ctx, k.Expiry, raw)
	}
	// ErrRetention == 0 drops the message and its id reservation; negative
	// keeps both forever.
	if r.ErrRetention == 0 {
		p.SRem(ctx, k.Unique, r.ID)
	} else {
		p.LPush(ctx, k.Dead, newRaw)
		if r.ErrRetention > 0 {
			expireMs := time.Now().UnixMilli() + r.ErrRetention*1000
			p.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: float64(expireMs), Member: newRaw})
		}
	}
}

// IDOf returns the id of a raw record, or "" when raw does not decode.
func IDOf(raw string) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := sonic.UnmarshalString(raw, &head); err != nil {
		return ""
	}
	return head.ID
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
