package queue

import (
	"context"
	"testing"
	"time"

	ikeys "github.com/UniQw/uniqw-lectures/internal/queue/keys"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stagePayload struct {
	ID string `json:"id"`
}

type fixture struct {
	t   *testing.T
	ctx context.Context
	rdb *redis.Client
	c   *Client
	k   ikeys.Queue
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newFixture(t *testing.T, queue string) *fixture {
	t.Helper()
	rdb := newRedis(t)
	return &fixture{t: t, ctx: context.Background(), rdb: rdb, c: NewClient(rdb), k: ikeys.For(queue)}
}

// seed writes m straight into state, bypassing Enqueue.
func (f *fixture) seed(state State, m Message) {
	f.t.Helper()
	m.Queue = f.k.Name
	raw, err := (&JSONEncoder{}).Encode(m)
	require.NoError(f.t, err)
	switch state {
	case StateDead:
		require.NoError(f.t, f.rdb.LPush(f.ctx, f.k.Dead, raw).Err())
	case StateActive:
		require.NoError(f.t, f.rdb.ZAdd(f.ctx, f.k.Active, redis.Z{Score: 1234, Member: raw}).Err())
	case StateSucceeded:
		score := float64(time.Now().Add(time.Hour).UnixMilli())
		require.NoError(f.t, f.rdb.ZAdd(f.ctx, f.k.Succeeded, redis.Z{Score: score, Member: raw}).Err())
	default:
		f.t.Fatalf("seed: unsupported state %s", state)
	}
}

func (f *fixture) size(state State) int64 {
	f.t.Helper()
	got, err := f.c.Counts(f.ctx, f.k.Name)
	require.NoError(f.t, err)
	return got[state]
}

func (f *fixture) reserved(id string) bool {
	ok, err := f.rdb.SIsMember(f.ctx, f.k.Unique, id).Result()
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) only(key string, zset bool) Message {
	f.t.Helper()
	var raws []string
	var err error
	if zset {
		raws, err = f.rdb.ZRange(f.ctx, key, 0, -1).Result()
	} else {
		raws, err = f.rdb.LRange(f.ctx, key, 0, -1).Result()
	}
	require.NoError(f.t, err)
	require.Len(f.t, raws, 1)
	var m Message
	require.NoError(f.t, (&JSONEncoder{}).Decode([]byte(raws[0]), &m))
	return m
}

func TestEnqueue_PlacesByDelay(t *testing.T) {
	f := newFixture(t, "download")

	require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", stagePayload{ID: "t1"}))
	require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", stagePayload{ID: "t2"}, Delay(30*time.Second)))

	require.Equal(t, int64(1), f.size(StatePending))
	require.Equal(t, int64(1), f.size(StateDelayed))

	m := f.only(f.k.Pending, false)
	require.Equal(t, "download", m.Type)
	require.JSONEq(t, `{"id":"t1"}`, string(m.Payload))
	require.NotZero(t, m.CreatedAt)
}

func TestEnqueue_DuplicateIDRejected(t *testing.T) {
	f := newFixture(t, "render")

	require.NoError(t, f.c.Enqueue(f.ctx, "render", "render", stagePayload{ID: "t1"}, MessageID("render:t1")))
	err := f.c.Enqueue(f.ctx, "render", "render", stagePayload{ID: "t1"}, MessageID("render:t1"))
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, int64(1), f.size(StatePending))
	require.True(t, f.reserved("render:t1"))
}

func TestEnqueue_StoresOptions(t *testing.T) {
	f := newFixture(t, "transcribe")
	deadline := time.Now().Add(30 * time.Minute)

	require.NoError(t, f.c.Enqueue(f.ctx, "transcribe", "transcribe", stagePayload{ID: "t1"},
		MaxRetry(7), Deadline(deadline), Retention(time.Hour), RetentionError(15*time.Second)))

	m := f.only(f.k.Pending, false)
	require.Equal(t, 7, m.MaxRetry)
	require.Equal(t, deadline.UnixMilli(), m.DeadlineMs)
	require.Equal(t, int64(3600), m.Retention)
	require.Equal(t, int64(15), m.ErrRetention)

	n, err := f.rdb.ZCard(f.ctx, f.k.Expiry).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueue_ClampsLongDelay(t *testing.T) {
	f := newFixture(t, "transcribe")

	before := time.Now()
	require.NoError(t, f.c.Enqueue(f.ctx, "transcribe", "transcribe", nil, Delay(3*time.Hour)))
	zs, err := f.rdb.ZRangeWithScores(f.ctx, f.k.Delayed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, zs, 1)
	require.WithinDuration(t, before.Add(MaxDelay), time.Unix(int64(zs[0].Score), 0), 2*time.Second)
}

func TestList(t *testing.T) {
	f := newFixture(t, "fail")

	empty, err := f.c.List(f.ctx, "fail", StatePending, nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, f.c.Enqueue(f.ctx, "fail", "fail", stagePayload{ID: "a"}, MessageID("fail:a")))
	require.NoError(t, f.c.Enqueue(f.ctx, "fail", "other", stagePayload{ID: "b"}))
	require.NoError(t, f.c.Enqueue(f.ctx, "fail", "fail", stagePayload{ID: "c"}, Delay(time.Minute)))
	f.seed(StateSucceeded, Message{ID: "s1", Type: "fail", CompletedAt: time.Now().UnixMilli()})
	f.seed(StateDead, Message{ID: "d1", Type: "fail"})

	pending, err := f.c.List(f.ctx, "fail", StatePending, nil)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	onlyFail, err := f.c.List(f.ctx, "fail", StatePending, func(m *Message) bool { return m.Type == "fail" })
	require.NoError(t, err)
	require.Len(t, onlyFail, 1)
	require.Equal(t, "fail:a", onlyFail[0].ID)

	for state, want := range map[State]int{StateDelayed: 1, StateSucceeded: 1, StateDead: 1} {
		got, err := f.c.List(f.ctx, "fail", state, nil)
		require.NoError(t, err)
		require.Len(t, got, want, state.String())
	}

	_, err = f.c.List(f.ctx, "fail", State("archived"), nil)
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestCounts(t *testing.T) {
	f := newFixture(t, "download")

	require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", nil))
	require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", nil))
	require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", nil, Delay(time.Minute)))
	f.seed(StateDead, Message{ID: "d", Type: "download"})

	got, err := f.c.Counts(f.ctx, "download")
	require.NoError(t, err)
	require.Equal(t, map[State]int64{
		StatePending:   2,
		StateActive:    0,
		StateDelayed:   1,
		StateSucceeded: 0,
		StateDead:      1,
	}, got)
}

func TestDelete(t *testing.T) {
	t.Run("pending releases id and expiry", func(t *testing.T) {
		f := newFixture(t, "download")
		require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", nil, MessageID("download:t1"), ExpireIn(5*time.Minute)))

		require.NoError(t, f.c.Delete(f.ctx, "download", "download:t1"))
		require.Zero(t, f.size(StatePending))
		n, _ := f.rdb.ZCard(f.ctx, f.k.Expiry).Result()
		require.Zero(t, n)
		require.False(t, f.reserved("download:t1"))
	})

	t.Run("keep unique lock", func(t *testing.T) {
		f := newFixture(t, "download")
		require.NoError(t, f.c.Enqueue(f.ctx, "download", "download", nil, MessageID("download:t1")))

		require.NoError(t, f.c.Delete(f.ctx, "download", "download:t1", WithKeepUniqueLock()))
		require.True(t, f.reserved("download:t1"))
	})

	t.Run("delayed", func(t *testing.T) {
		f := newFixture(t, "transcribe")
		require.NoError(t, f.c.Enqueue(f.ctx, "transcribe", "transcribe", nil, MessageID("transcribe:t1:3"), Delay(time.Minute)))

		require.NoError(t, f.c.Delete(f.ctx, "transcribe", "transcribe:t1:3"))
		require.Zero(t, f.size(StateDelayed))
		require.False(t, f.reserved("transcribe:t1:3"))
	})

	t.Run("dead", func(t *testing.T) {
		f := newFixture(t, "render")
		f.seed(StateDead, Message{ID: "render:t1", Type: "render"})
		require.NoError(t, f.rdb.SAdd(f.ctx, f.k.Unique, "render:t1").Err())

		require.NoError(t, f.c.Delete(f.ctx, "render", "render:t1"))
		require.Zero(t, f.size(StateDead))
		require.False(t, f.reserved("render:t1"))
	})

	t.Run("succeeded releases id", func(t *testing.T) {
		f := newFixture(t, "render")
		f.seed(StateSucceeded, Message{ID: "render:t1", Type: "render", CompletedAt: time.Now().UnixMilli()})
		require.NoError(t, f.rdb.SAdd(f.ctx, f.k.Unique, "render:t1").Err())

		require.NoError(t, f.c.Delete(f.ctx, "render", "render:t1"))
		require.Zero(t, f.size(StateSucceeded))
		require.False(t, f.reserved("render:t1"))
	})

	t.Run("active rejected", func(t *testing.T) {
		f := newFixture(t, "render")
		f.seed(StateActive, Message{ID: "render:t1", Type: "render"})
		require.ErrorIs(t, f.c.Delete(f.ctx, "render", "render:t1"), ErrActiveState)
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, "render")
		require.ErrorIs(t, f.c.Delete(f.ctx, "render", "render:nope"), ErrNotFound)
	})
}

func TestRetryDead(t *testing.T) {
	t.Run("back to pending with reset counters", func(t *testing.T) {
		f := newFixture(t, "download")
		f.seed(StateDead, Message{ID: "download:t1", Type: "download", Retry: 3, MaxRetry: 3, LastError: "disk api: 503"})

		require.NoError(t, f.c.RetryDead(f.ctx, "download", "download:t1"))
		require.Zero(t, f.size(StateDead))
		m := f.only(f.k.Pending, false)
		require.Zero(t, m.Retry)
		require.Empty(t, m.LastError)
	})

	t.Run("delayed with overrides", func(t *testing.T) {
		f := newFixture(t, "transcribe")
		f.seed(StateDead, Message{ID: "transcribe:t1:0", Type: "transcribe", ErrRetention: -1})

		require.NoError(t, f.c.RetryDead(f.ctx, "transcribe", "transcribe:t1:0",
			Delay(time.Minute), ExpireIn(time.Hour), Retention(10*time.Second), RetentionError(5*time.Second)))

		m := f.only(f.k.Delayed, true)
		require.Equal(t, int64(10), m.Retention)
		require.Equal(t, int64(5), m.ErrRetention)
		n, _ := f.rdb.ZCard(f.ctx, f.k.Expiry).Result()
		require.Equal(t, int64(1), n)
	})

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, "download")
		require.ErrorIs(t, f.c.RetryDead(f.ctx, "download", "download:nope"), ErrNotFound)
	})
}
