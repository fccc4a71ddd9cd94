package runtime

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/queue/hctx"
	ikeys "github.com/UniQw/uniqw-lectures/internal/queue/keys"
	"github.com/UniQw/uniqw-lectures/internal/queue/worker"
	"github.com/redis/go-redis/v9"
)

// ErrNoHandler indicates there is no handler for the message type; the runtime
// dead-letters it without retry.
var ErrNoHandler = errors.New("no handler")

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the queue package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// DeadLetter describes a message that left the queue without succeeding.
type DeadLetter struct {
	Queue     string
	Type      string
	ID        string
	Payload   []byte
	LastError string
}

type Config struct {
	Queues        map[string]int
	Concurrency   int
	VisibilityTTL time.Duration
	Logger        Logger
	// OnDead, when set, runs after a message has been moved to the dead list.
	OnDead func(context.Context, DeadLetter)
}

// Executor executes a message payload for a given type.
type Executor func(ctx context.Context, taskType string, payload []byte) error

type Runtime struct {
	rdb       redis.UniversalClient
	cfg       Config
	exec      Executor
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	qmap      map[string]ikeys.Queue
	log       Logger
}

// scheduleOneScript atomically moves one due item from delayed ZSET to pending LIST.
var scheduleOneScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// reclaimOneScript atomically reclaims one expired active item back to pending.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// expireOneScript atomically dead-letters one message whose deadline passed
// before it started.
var expireOneScript = redis.NewScript(`
local xkey = KEYS[1] -- expiry
local dkey = KEYS[2] -- delayed
local pkey = KEYS[3] -- pending
local dekey = KEYS[4] -- dead
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', xkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local remd = redis.call('ZREM', dkey, m)
if remd == 1 then
  redis.call('LPUSH', dekey, m)
  redis.call('ZREM', xkey, m)
  return m
end
local remp = redis.call('LREM', pkey, 1, m)
if remp > 0 then
  redis.call('LPUSH', dekey, m)
  redis.call('ZREM', xkey, m)
  return m
end
-- already active or processed
redis.call('ZREM', xkey, m)
return false
`)

// New creates a background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]ikeys.Queue, len(cfg.Queues))
	for q := range cfg.Queues {
		qmap[q] = ikeys.For(q)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:       rdb,
		cfg:       cfg,
		exec:      exec,
		ctx:       ctx,
		cancel:    cancel,
		queueList: expandQueues(cfg.Queues),
		qmap:      qmap,
		log:       lg,
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	for _, k := range rt.qmap {
		rt.every(time.Second, func() { rt.sweepSucceeded(k) })
		rt.every(time.Second, func() { rt.sweepDead(k) })
		rt.every(100*time.Millisecond, func() {
			rt.drain("scheduler", k.Name, scheduleOneScript, []string{k.Delayed, k.Pending}, time.Now().Unix())
		})
		rt.every(200*time.Millisecond, func() {
			rt.drain("reclaimer", k.Name, reclaimOneScript, []string{k.Active, k.Pending}, time.Now().Unix())
		})
		rt.every(100*time.Millisecond, func() {
			rt.drain("expirer", k.Name, expireOneScript, []string{k.Expiry, k.Delayed, k.Pending, k.Dead}, time.Now().UnixMilli())
		})
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) every(interval time.Duration, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// drain runs a move-one script up to 256 times per tick.
func (rt *Runtime) drain(name, queue string, script *redis.Script, keys []string, now int64) {
	arg := strconv.FormatInt(now, 10)
	for i := 0; i < 256; i++ {
		res, err := script.Run(rt.ctx, rt.rdb, keys, arg).Result()
		if errors.Is(err, redis.Nil) || res == nil || res == false {
			return
		}
		if err != nil {
			rt.log.Warnf("%s: script failed queue=%s err=%v", name, queue, err)
			return
		}
	}
}

// sweepSucceeded drops succeeded records past their retention. The record
// held the id reservation, so the id is released with it.
func (rt *Runtime) sweepSucceeded(k ikeys.Queue) {
	rt.purgeExpired("cleaner", k, k.Succeeded, func(p redis.Pipeliner, m string) {
		p.ZRem(rt.ctx, k.Succeeded, m)
	})
}

func (rt *Runtime) sweepDead(k ikeys.Queue) {
	rt.purgeExpired("dead-cleaner", k, k.DeadExpiry, func(p redis.Pipeliner, m string) {
		p.LRem(rt.ctx, k.Dead, 1, m)
		p.ZRem(rt.ctx, k.DeadExpiry, m)
	})
}

// purgeExpired removes up to 256 members of index scored below now (ms),
// releasing the id of each.
func (rt *Runtime) purgeExpired(name string, k ikeys.Queue, index string, remove func(redis.Pipeliner, string)) {
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := rt.rdb.ZRangeByScore(rt.ctx, index, &redis.ZRangeBy{Min: "0", Max: nowMs, Offset: 0, Count: 256}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		rt.log.Warnf("%s: range failed queue=%s err=%v", name, k.Name, err)
		return
	}
	if len(members) == 0 {
		return
	}
	_, err = rt.rdb.TxPipelined(rt.ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			remove(p, m)
			if id := worker.IDOf(m); id != "" {
				p.SRem(rt.ctx, k.Unique, id)
			}
		}
		return nil
	})
	if err != nil {
		rt.log.Warnf("%s: purge failed queue=%s err=%v", name, k.Name, err)
	}
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		kset := rt.qmap[ql[rng.Intn(len(ql))]]
		rec, raw, err := worker.Dequeue(rt.ctx, rt.rdb, kset, rt.cfg.VisibilityTTL)
		if err != nil {
			rt.log.Errorf("dequeue failed: queue=%s err=%v", kset.Name, err)
		}
		if rec == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rt.process(kset, rec, raw)
		worker.Recycle(rec)
	}
}

func (rt *Runtime) process(kset ikeys.Queue, rec *worker.Record, raw []byte) {
	queue := kset.Name
	if rec.DeadlineMs > 0 && time.Now().UnixMilli() > rec.DeadlineMs {
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, rec, raw, "expired"); e != nil {
			rt.log.Errorf("expire->dead failed: id=%s type=%s queue=%s err=%v", rec.ID, rec.Type, queue, e)
			return
		}
		rt.log.Warnf("expired: id=%s type=%s queue=%s", rec.ID, rec.Type, queue)
		rt.notifyDead(rec, queue)
		return
	}

	rec.StartedAt = time.Now().UnixMilli()
	st := hctx.New()
	st.ID, st.Queue, st.Type, st.Retry = rec.ID, queue, rec.Type, rec.Retry
	err := rt.exec(hctx.WithState(rt.ctx, st), rec.Type, rec.Payload)
	rec.Progress = st.Progress
	rec.Result = st.Result

	if err != nil {
		if errors.Is(err, ErrNoHandler) {
			if e := worker.FailToDead(rt.ctx, rt.rdb, kset, rec, raw, "no handler"); e != nil {
				rt.log.Errorf("deadletter failed: id=%s type=%s queue=%s err=%v", rec.ID, rec.Type, queue, e)
				return
			}
			rt.log.Warnf("no handler: id=%s type=%s queue=%s", rec.ID, rec.Type, queue)
			rt.notifyDead(rec, queue)
			return
		}
		dead, e := worker.RetryOrDead(rt.ctx, rt.rdb, kset, rec, raw, err.Error())
		if e != nil {
			rt.log.Errorf("retry/dead transition failed: id=%s type=%s queue=%s err=%v", rec.ID, rec.Type, queue, e)
			return
		}
		rt.log.Warnf("handler error: id=%s type=%s queue=%s retry=%d dead=%t err=%v", rec.ID, rec.Type, queue, rec.Retry, dead, err)
		if dead {
			rt.notifyDead(rec, queue)
		}
		return
	}

	if e := worker.Ack(rt.ctx, rt.rdb, kset, raw); e != nil {
		rt.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", rec.ID, rec.Type, queue, e)
	}
	tracked := false
	if e := worker.TrackSucceededWithTTL(rt.ctx, rt.rdb, kset, rec); e != nil {
		rt.log.Warnf("track succeeded failed: id=%s type=%s queue=%s err=%v", rec.ID, rec.Type, queue, e)
	} else {
		tracked = rec.Retention > 0
		rt.log.Debugf("processed: id=%s type=%s queue=%s", rec.ID, rec.Type, queue)
	}
	// A tracked record keeps its id reserved until sweepSucceeded expires it.
	if !tracked {
		if e := rt.rdb.SRem(rt.ctx, kset.Unique, rec.ID).Err(); e != nil {
			rt.log.Warnf("unique unlock failed: id=%s queue=%s err=%v", rec.ID, queue, e)
		}
	}
}

func (rt *Runtime) notifyDead(rec *worker.Record, queue string) {
	if rt.cfg.OnDead == nil {
		return
	}
	payload := make([]byte, len(rec.Payload))
	copy(payload, rec.Payload)
	rt.cfg.OnDead(rt.ctx, DeadLetter{
		Queue:     queue,
		Type:      rec.Type,
		ID:        rec.ID,
		Payload:   payload,
		LastError: rec.LastError,
	})
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
