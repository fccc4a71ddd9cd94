package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/queue/hctx"
	ikeys "github.com/UniQw/uniqw-lectures/internal/queue/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() { _ = rdb.Close(); s.Close() }
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	cfg := Config{Queues: map[string]int{"q": 1}, Concurrency: 0, VisibilityTTL: 2 * time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })

	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_Cleaners_PurgeSucceededAndDead(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qclean")

	require.NoError(t, rdb.ZAdd(ctx, k.Succeeded, redis.Z{Score: float64(time.Now().Add(-2 * time.Second).UnixMilli()), Member: "m1"}).Err())
	require.NoError(t, rdb.LPush(ctx, k.Dead, "d1").Err())
	require.NoError(t, rdb.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: float64(time.Now().Add(-2 * time.Second).UnixMilli()), Member: "d1"}).Err())

	cfg := Config{Queues: map[string]int{k.Name: 1}, Concurrency: 0, VisibilityTTL: 2 * time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })
	rt.Start()
	defer rt.Stop()

	time.Sleep(1500 * time.Millisecond)

	zc, _ := rdb.ZCard(ctx, k.Succeeded).Result()
	require.Equal(t, int64(0), zc, "succeeded entries should be purged")
	lc, _ := rdb.LLen(ctx, k.Dead).Result()
	require.Equal(t, int64(0), lc, "dead entries should be purged")
	dc, _ := rdb.ZCard(ctx, k.DeadExpiry).Result()
	require.Equal(t, int64(0), dc, "dead_expiry index should be cleared")
}

func TestRuntime_Scheduler_Reclaimer_Expirer(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qflows")

	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Unix()), Member: "mdue"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-1 * time.Second).Unix()), Member: "mlease"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Expiry, redis.Z{Score: float64(time.Now().Add(-1 * time.Millisecond).UnixMilli()), Member: "mexp"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(10 * time.Hour).Unix()), Member: "mexp"}).Err())

	cfg := Config{Queues: map[string]int{k.Name: 1}, Concurrency: 0, VisibilityTTL: 1 * time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })
	rt.Start()
	defer rt.Stop()

	time.Sleep(400 * time.Millisecond)

	pending, _ := rdb.LRange(ctx, k.Pending, 0, -1).Result()
	require.ElementsMatch(t, []string{"mdue", "mlease"}, pending)
	za, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Equal(t, int64(0), za)
	dead, _ := rdb.LRange(ctx, k.Dead, 0, -1).Result()
	require.Equal(t, []string{"mexp"}, dead)
}

func TestRuntime_Success_TracksSucceededAndExposesDelivery(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qok")

	raw := `{"id":"ok1","type":"t","queue":"qok","payload":null,"retry":0,"max_retry":0,"retention":60}`
	require.NoError(t, rdb.LPush(ctx, k.Pending, raw).Err())

	got := make(chan hctx.State, 1)
	exec := func(ctx context.Context, _ string, _ []byte) error {
		st, ok := hctx.From(ctx)
		require.True(t, ok)
		st.Progress = 100
		got <- *st
		return nil
	}
	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 1, VisibilityTTL: time.Second}, exec)
	rt.Start()
	defer rt.Stop()

	select {
	case st := <-got:
		require.Equal(t, "ok1", st.ID)
		require.Equal(t, "qok", st.Queue)
		require.Equal(t, "t", st.Type)
		require.Equal(t, 0, st.Retry)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Eventually(t, func() bool {
		n, _ := rdb.ZCard(ctx, k.Succeeded).Result()
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
	n, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Zero(t, n)
}

func TestRuntime_Success_ReleasesIDAfterRetention(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qids")

	for _, raw := range []string{
		`{"id":"kept","type":"t","queue":"qids","payload":null,"retention":2}`,
		`{"id":"untracked","type":"t","queue":"qids","payload":null,"retention":0}`,
	} {
		require.NoError(t, rdb.LPush(ctx, k.Pending, raw).Err())
	}
	require.NoError(t, rdb.SAdd(ctx, k.Unique, "kept", "untracked").Err())

	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 1, VisibilityTTL: time.Second},
		func(context.Context, string, []byte) error { return nil })
	rt.Start()
	defer rt.Stop()

	// No succeeded record is kept, so the id is free right away.
	require.Eventually(t, func() bool {
		ok, _ := rdb.SIsMember(ctx, k.Unique, "untracked").Result()
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
	n, _ := rdb.ZCard(ctx, k.Succeeded).Result()
	require.Equal(t, int64(1), n)
	ok, _ := rdb.SIsMember(ctx, k.Unique, "kept").Result()
	require.True(t, ok, "id stays reserved while the succeeded record is retained")

	require.Eventually(t, func() bool {
		n, _ := rdb.SCard(ctx, k.Unique).Result()
		zc, _ := rdb.ZCard(ctx, k.Succeeded).Result()
		return n == 0 && zc == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRuntime_Cleaners_ReleaseIDs(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qrelease")
	past := float64(time.Now().Add(-2 * time.Second).UnixMilli())
	future := float64(time.Now().Add(time.Hour).UnixMilli())

	require.NoError(t, rdb.ZAdd(ctx, k.Succeeded,
		redis.Z{Score: past, Member: `{"id":"render:a"}`},
		redis.Z{Score: future, Member: `{"id":"render:b"}`},
	).Err())
	require.NoError(t, rdb.LPush(ctx, k.Dead, `{"id":"render:c"}`).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: past, Member: `{"id":"render:c"}`}).Err())
	require.NoError(t, rdb.SAdd(ctx, k.Unique, "render:a", "render:b", "render:c").Err())

	rt := New(rdb, Config{Queues: map[string]int{k.Name: 1}, Concurrency: 0, VisibilityTTL: time.Second},
		func(context.Context, string, []byte) error { return nil })
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		ids, _ := rdb.SMembers(ctx, k.Unique).Result()
		return len(ids) == 1 && ids[0] == "render:b"
	}, 3*time.Second, 50*time.Millisecond)
	lc, _ := rdb.LLen(ctx, k.Dead).Result()
	require.Zero(t, lc)
}

func TestRuntime_Failure_DeadLettersAndNotifies(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qfail")

	raw := `{"id":"ng1","type":"t","queue":"qfail","payload":"eyJhIjoxfQ==","retry":0,"max_retry":0,"retention":0,"err_retention":-1}`
	require.NoError(t, rdb.LPush(ctx, k.Pending, raw).Err())

	var (
		mu      sync.Mutex
		letters []DeadLetter
	)
	cfg := Config{
		Queues:        map[string]int{k.Name: 1},
		Concurrency:   1,
		VisibilityTTL: time.Second,
		OnDead: func(_ context.Context, d DeadLetter) {
			mu.Lock()
			letters = append(letters, d)
			mu.Unlock()
		},
	}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return errors.New("boom") })
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(letters) == 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	d := letters[0]
	mu.Unlock()
	require.Equal(t, "qfail", d.Queue)
	require.Equal(t, "ng1", d.ID)
	require.Equal(t, "boom", d.LastError)
	require.JSONEq(t, `{"a":1}`, string(d.Payload))

	n, _ := rdb.LLen(ctx, k.Dead).Result()
	require.Equal(t, int64(1), n)
}

func TestRuntime_NoHandler_DeadLettersWithoutRetry(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qnh")

	raw := `{"id":"x1","type":"unknown","queue":"qnh","payload":null,"retry":0,"max_retry":5,"retention":0}`
	require.NoError(t, rdb.LPush(ctx, k.Pending, raw).Err())

	notified := make(chan DeadLetter, 1)
	cfg := Config{
		Queues:        map[string]int{k.Name: 1},
		Concurrency:   1,
		VisibilityTTL: time.Second,
		OnDead:        func(_ context.Context, d DeadLetter) { notified <- d },
	}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return ErrNoHandler })
	rt.Start()
	defer rt.Stop()

	select {
	case d := <-notified:
		require.Equal(t, "x1", d.ID)
		require.Equal(t, "no handler", d.LastError)
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter hook not called")
	}
	n, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Zero(t, n, "no retry should be scheduled")
}

func TestRuntime_ConfigGetters(t *testing.T) {
	rdb, done := newMini(t)
	defer done()

	cfg := Config{Queues: map[string]int{"a": 2, "b": 3}, Concurrency: 7, VisibilityTTL: 5 * time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })
	require.Equal(t, 7, rt.CfgConcurrency())
	require.Len(t, rt.CfgQueues(), 2)
	require.Len(t, expandQueues(cfg.Queues), 5)
}
