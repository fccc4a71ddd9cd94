package queue

import (
	"context"
	"sync"
	"time"

	rtm "github.com/UniQw/uniqw-lectures/internal/queue/runtime"
	"github.com/redis/go-redis/v9"
)

// DeadLetter describes a message that was moved to the dead list: handler
// retries exhausted, no handler registered, or deadline passed.
type DeadLetter = rtm.DeadLetter

// ServerConfig configures a Server.
type ServerConfig struct {
	// Queues to consume with their relative weights.
	Queues map[string]int
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// VisibilityTTL is how long a delivered message stays leased. A message
	// whose handler has not finished by then is redelivered.
	VisibilityTTL time.Duration
	Logger        Logger
	// OnDead is called after a message is dead-lettered.
	OnDead func(ctx context.Context, d DeadLetter)
}

// Server consumes queues and dispatches messages to a Mux.
type Server struct {
	rt      *rtm.Runtime
	mu      sync.Mutex
	started bool
	log     Logger
}

func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) *Server {
	l := cfg.Logger
	if l == nil {
		l = NopLogger()
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	rtc := rtm.Config{
		Queues:        cfg.Queues,
		Concurrency:   cfg.Concurrency,
		VisibilityTTL: cfg.VisibilityTTL,
		Logger:        l,
		OnDead:        cfg.OnDead,
	}
	return &Server{rt: rtm.New(rdb, rtc, mux.Dispatch), log: l}
}

// Start launches workers and maintenance loops. It is idempotent and
// non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting server: concurrency=%d queues=%d", s.rt.CfgConcurrency(), len(s.rt.CfgQueues()))
	s.rt.Start()
}

// Stop waits for in-flight handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping server")
	s.rt.Stop()
}
