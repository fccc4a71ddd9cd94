package queue

import (
	"context"
	"fmt"
	"time"

	ikeys "github.com/UniQw/uniqw-lectures/internal/queue/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client enqueues and inspects messages in Redis.
type Client struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, encoder: &JSONEncoder{}}
}

// Enqueue adds a message with the encoded payload to queue. Delays are
// clamped to MaxDelay. It returns ErrDuplicate if the message ID is already
// reserved in the queue.
func (c *Client) Enqueue(ctx context.Context, queue, messageType string, payload any, opts ...Option) error {
	data, err := c.encoder.Encode(payload)
	if err != nil {
		return err
	}

	cfg := &options{errRetention: -1 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	k := ikeys.For(queue)
	ok, err := c.rdb.SAdd(ctx, k.Unique, id).Result()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicate
	}

	msg := Message{
		ID:           id,
		Type:         messageType,
		Queue:        queue,
		Payload:      data,
		MaxRetry:     cfg.maxRetry,
		Retention:    int64(cfg.retention.Seconds()),
		ErrRetention: int64(cfg.errRetention.Seconds()),
		CreatedAt:    time.Now().UnixMilli(),
		DeadlineMs:   cfg.deadlineMs,
	}
	raw, _ := c.encoder.Encode(msg)

	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.place(ctx, p, k, raw, cfg.delay)
		if cfg.deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(cfg.deadlineMs), Member: raw})
		}
		return nil
	})
	if err != nil {
		_ = c.rdb.SRem(ctx, k.Unique, id).Err()
		return err
	}
	return nil
}

// place pushes raw onto pending, or onto delayed when delay is positive.
func (c *Client) place(ctx context.Context, p redis.Pipeliner, k ikeys.Queue, raw []byte, delay time.Duration) {
	if delay > 0 {
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(delay).Unix()), Member: raw})
		return
	}
	p.LPush(ctx, k.Pending, raw)
}

// Filter selects messages in List.
type Filter func(*Message) bool

func stateKey(k ikeys.Queue, state State) (string, error) {
	switch state {
	case StatePending:
		return k.Pending, nil
	case StateActive:
		return k.Active, nil
	case StateDelayed:
		return k.Delayed, nil
	case StateSucceeded:
		return k.Succeeded, nil
	case StateDead:
		return k.Dead, nil
	default:
		return "", ErrUnknownState
	}
}

// List returns the messages of queue in state that pass filter (nil accepts all).
// Undecodable members are skipped.
func (c *Client) List(ctx context.Context, queue string, state State, filter Filter) ([]*Message, error) {
	key, err := stateKey(ikeys.For(queue), state)
	if err != nil {
		return nil, err
	}

	var strs []string
	switch typ, _ := c.rdb.Type(ctx, key).Result(); typ {
	case "none":
		return nil, nil
	case "list":
		strs, err = c.rdb.LRange(ctx, key, 0, -1).Result()
	case "zset":
		strs, err = c.rdb.ZRange(ctx, key, 0, -1).Result()
	default:
		return nil, fmt.Errorf("unsupported redis type: %s", typ)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(strs))
	for _, s := range strs {
		var m Message
		if err := c.encoder.Decode([]byte(s), &m); err != nil {
			continue
		}
		if filter == nil || filter(&m) {
			out = append(out, &m)
		}
	}
	return out, nil
}

// Counts returns the number of messages per state for queue.
func (c *Client) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	k := ikeys.For(queue)
	pipe := c.rdb.Pipeline()
	cmds := map[State]*redis.IntCmd{
		StatePending:   pipe.LLen(ctx, k.Pending),
		StateActive:    pipe.ZCard(ctx, k.Active),
		StateDelayed:   pipe.ZCard(ctx, k.Delayed),
		StateSucceeded: pipe.ZCard(ctx, k.Succeeded),
		StateDead:      pipe.LLen(ctx, k.Dead),
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[State]int64, len(cmds))
	for st, cmd := range cmds {
		out[st] = cmd.Val()
	}
	return out, nil
}

// Delete removes the message with id from the pending, delayed, succeeded
// or dead state, releasing its ID unless WithKeepUniqueLock is given. Active
// messages cannot be deleted.
func (c *Client) Delete(ctx context.Context, queue string, id string, opts ...Option) error {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	k := ikeys.For(queue)
	byID := func(m *Message) bool { return m.ID == id }

	var (
		target *Message
		found  State
	)
	for _, s := range []State{StatePending, StateDelayed, StateSucceeded, StateDead} {
		ms, err := c.List(ctx, queue, s, byID)
		if err != nil {
			return err
		}
		if len(ms) > 0 {
			target, found = ms[0], s
			break
		}
	}
	if target == nil {
		if active, _ := c.List(ctx, queue, StateActive, byID); len(active) > 0 {
			return ErrActiveState
		}
		return ErrNotFound
	}

	key, _ := stateKey(k, found)
	raw, _ := c.encoder.Encode(target)

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if found == StatePending || found == StateDead {
			p.LRem(ctx, key, 1, raw)
		} else {
			p.ZRem(ctx, key, raw)
		}
		if (found == StatePending || found == StateDelayed) && target.DeadlineMs > 0 {
			p.ZRem(ctx, k.Expiry, raw)
		}
		if found == StateDead {
			p.ZRem(ctx, k.DeadExpiry, raw)
		}
		if !cfg.keepUnique {
			p.SRem(ctx, k.Unique, id)
		}
		return nil
	})
	return err
}

// RetryDead moves a dead message back to pending (or delayed with Delay),
// resetting its retry count and last error. Retention options override the
// stored values.
func (c *Client) RetryDead(ctx context.Context, queue string, id string, opts ...Option) error {
	ms, err := c.List(ctx, queue, StateDead, func(m *Message) bool { return m.ID == id })
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return ErrNotFound
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	m := ms[0]
	rawOld, _ := c.encoder.Encode(m)

	m.Retry = 0
	m.LastError = ""
	m.LastErrorAt = 0
	if cfg.retention != 0 {
		m.Retention = int64(cfg.retention.Seconds())
	}
	if cfg.errRetention != 0 {
		m.ErrRetention = int64(cfg.errRetention.Seconds())
	}
	if cfg.deadlineMs > 0 {
		m.DeadlineMs = cfg.deadlineMs
	}
	rawNew, _ := c.encoder.Encode(m)

	k := ikeys.For(queue)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, k.Dead, 1, rawOld)
		p.ZRem(ctx, k.DeadExpiry, rawOld)
		c.place(ctx, p, k, rawNew, cfg.delay)
		if cfg.deadlineMs > 0 {
			p.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(cfg.deadlineMs), Member: rawNew})
		}
		return nil
	})
	return err
}
