package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"go.uber.org/zap"
)

// ErrUnknownStage is returned for a stage name no runner is registered for.
var ErrUnknownStage = errors.New("unknown stage")

// Publisher enqueues stage messages. *queue.Client implements it.
type Publisher interface {
	Enqueue(ctx context.Context, queue, messageType string, payload any, opts ...queue.Option) error
}

// Runner executes one stage for one message payload.
type Runner interface {
	Run(ctx context.Context, payload []byte) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, payload []byte) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, payload []byte) (Outcome, error) { return f(ctx, payload) }

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// MaxRetry is attached to every published message.
	MaxRetry int
	// Retention keeps succeeded messages visible to operators.
	Retention time.Duration
	Logger    *zap.Logger
}

// Coordinator runs stages and applies their outcomes.
type Coordinator struct {
	pub     Publisher
	store   task.Store
	runners map[string]Runner
	cfg     CoordinatorConfig
	log     *zap.Logger
}

func NewCoordinator(pub Publisher, store task.Store, cfg CoordinatorConfig) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{pub: pub, store: store, runners: make(map[string]Runner), cfg: cfg, log: log}
}

// Register installs the runner for stage.
func (c *Coordinator) Register(stage string, r Runner) {
	c.runners[stage] = r
}

// Registered reports whether stage has a runner.
func (c *Coordinator) Registered(stage string) bool {
	_, ok := c.runners[stage]
	return ok
}

// Handler returns a queue handler that runs stage.
func (c *Coordinator) Handler(stage string) queue.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		_, err := c.Run(ctx, stage, payload)
		return err
	}
}

// Mount registers a handler on mux for every registered stage.
func (c *Coordinator) Mount(mux *queue.Mux) {
	for stage := range c.runners {
		mux.Handle(stage, c.Handler(stage))
	}
}

// Run executes stage on payload and applies the outcome. A returned error
// means the message should be redelivered.
func (c *Coordinator) Run(ctx context.Context, stage string, payload []byte) (Outcome, error) {
	r, ok := c.runners[stage]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	out, err := r.Run(ctx, payload)
	if err != nil {
		c.log.Warn("stage error", logging.Stage(stage), logging.TaskID(out.TaskID), zap.Error(err))
		return out, err
	}
	if err := c.apply(ctx, stage, out); err != nil {
		c.log.Warn("apply outcome", logging.Stage(stage), logging.TaskID(out.TaskID),
			logging.Outcome(out.Kind.String()), zap.Error(err))
		return out, err
	}
	c.log.Info("stage finished", logging.Stage(stage), logging.TaskID(out.TaskID), logging.Outcome(out.Kind.String()))
	if err := queue.SetResult(ctx, map[string]string{"outcome": out.Kind.String(), "task_id": out.TaskID}); err != nil {
		c.log.Debug("set result", logging.Stage(stage), logging.TaskID(out.TaskID), zap.Error(err))
	}
	return out, nil
}

func (c *Coordinator) apply(ctx context.Context, stage string, out Outcome) error {
	switch out.Kind {
	case KindComplete:
		return nil
	case KindAdvance:
		return c.publish(ctx, out.Next, out.Message, 0)
	case KindRequeue:
		return c.publish(ctx, stage, out.Message, out.Delay)
	case KindFail:
		return c.markFailed(ctx, out.TaskID, out.Diagnostic)
	default:
		return fmt.Errorf("unknown outcome %s", out.Kind)
	}
}

// Publish enqueues msg for stage with its deterministic id.
func (c *Coordinator) Publish(ctx context.Context, stage string, msg Message) error {
	return c.publish(ctx, stage, msg, 0)
}

func (c *Coordinator) publish(ctx context.Context, stage string, msg Message, delay time.Duration) error {
	if msg == nil {
		return fmt.Errorf("publish %s: nil message", stage)
	}
	id := messageID(stage, msg)
	opts := []queue.Option{queue.MessageID(id), queue.MaxRetry(c.cfg.MaxRetry)}
	if c.cfg.Retention > 0 {
		opts = append(opts, queue.Retention(c.cfg.Retention))
	}
	if delay > 0 {
		opts = append(opts, queue.Delay(delay))
	}
	err := c.pub.Enqueue(ctx, stage, stage, msg, opts...)
	if errors.Is(err, queue.ErrDuplicate) {
		c.log.Debug("message already published", logging.Stage(stage), logging.TaskID(msg.TaskID()), zap.String("message_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", id, err)
	}
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, id, diagnostic string) error {
	applied, err := c.store.MarkFailed(ctx, id, diagnostic)
	if errors.Is(err, task.ErrNotFound) {
		c.log.Warn("fail unknown task", logging.TaskID(id))
		return nil
	}
	if err != nil {
		return err
	}
	if !applied {
		c.log.Info("task already failed", logging.TaskID(id))
	}
	return nil
}

// RouteDeadLetter sends the task of a dead-lettered message to the fail
// stage. Dead letters of the fail stage itself are only logged.
func (c *Coordinator) RouteDeadLetter(ctx context.Context, d queue.DeadLetter) {
	log := c.log.With(logging.Queue(d.Queue), zap.String("message_id", d.ID), zap.String("last_error", d.LastError))
	if d.Queue == StageFail {
		log.Error("fail stage message dead-lettered")
		return
	}
	var m FailMessage
	if err := decode(d.Payload, &m); err != nil || m.ID == "" {
		log.Error("dead letter without task id", zap.Error(err))
		return
	}
	if err := c.Publish(ctx, StageFail, m); err != nil {
		log.Error("route dead letter", logging.TaskID(m.ID), zap.Error(err))
		return
	}
	log.Warn("dead letter routed to fail stage", logging.TaskID(m.ID))
}
