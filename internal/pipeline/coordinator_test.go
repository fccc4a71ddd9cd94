package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/UniQw/uniqw-lectures/internal/queue/hctx"
	ikeys "github.com/UniQw/uniqw-lectures/internal/queue/keys"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AdvancePublishesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.coord.Register("step", RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		return Advance(StageRender, RenderMessage{ID: "t1", ObjectName: "tmp/raw_text/t1"}), nil
	}))

	out, err := e.coord.Run(ctx, "step", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, KindAdvance, out.Kind)

	// A redelivered message publishes the same id again.
	_, err = e.coord.Run(ctx, "step", []byte(`{}`))
	require.NoError(t, err)

	ms := e.messages(t, StageRender, queue.StatePending)
	require.Len(t, ms, 1)
	require.Equal(t, "render:t1", ms[0].ID)
	require.Equal(t, StageRender, ms[0].Type)
	require.Equal(t, 2, ms[0].MaxRetry)
	got := decodeAs[RenderMessage](t, ms[0].Payload)
	require.Equal(t, RenderMessage{ID: "t1", ObjectName: "tmp/raw_text/t1"}, got)
}

func TestCoordinator_RecordsOutcomeAsResult(t *testing.T) {
	e := newEnv(t)
	st := hctx.New()
	ctx := hctx.WithState(context.Background(), st)
	e.coord.Register("step", RunnerFunc(func(context.Context, []byte) (Outcome, error) {
		return Complete("t1"), nil
	}))

	_, err := e.coord.Run(ctx, "step", []byte(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"outcome":"complete","task_id":"t1"}`, string(st.Result))
}

func TestCoordinator_RequeueClampsDelay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg := TranscribeMessage{ID: "t1", Phase: PhaseStarted, OperationID: "op", Polls: 1}
	e.coord.Register(StageTranscribe, RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		return Requeue(msg, 3*time.Hour), nil
	}))

	before := time.Now()
	_, err := e.coord.Run(ctx, StageTranscribe, []byte(`{}`))
	require.NoError(t, err)

	require.Empty(t, e.messages(t, StageTranscribe, queue.StatePending))
	zs, err := e.rdb.ZRangeWithScores(ctx, ikeys.For(StageTranscribe).Delayed, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, zs, 1)
	at := time.Unix(int64(zs[0].Score), 0)
	require.WithinDuration(t, before.Add(queue.MaxDelay), at, 2*time.Second)

	ms := e.messages(t, StageTranscribe, queue.StateDelayed)
	require.Equal(t, "transcribe:t1:1", ms[0].ID)
}

func TestCoordinator_FailIsSticky(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.seed(t, task.StatusProcessing)
	diag := DiagnosticInvalidLink
	e.coord.Register("step", RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		return Fail(id, diag), nil
	}))

	_, err := e.coord.Run(ctx, "step", nil)
	require.NoError(t, err)
	diag = DiagnosticGeneric
	_, err = e.coord.Run(ctx, "step", nil)
	require.NoError(t, err)

	tk := e.task(t, id)
	require.Equal(t, task.StatusFailed, tk.Status)
	require.Equal(t, DiagnosticInvalidLink, *tk.Error)
	require.Nil(t, tk.ArtifactRef)
}

func TestCoordinator_FailUnknownTaskIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.coord.Register("step", RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		return Fail("missing", DiagnosticGeneric), nil
	}))
	_, err := e.coord.Run(context.Background(), "step", nil)
	require.NoError(t, err)
}

func TestCoordinator_StageErrorPropagates(t *testing.T) {
	e := newEnv(t)
	e.coord.Register("step", RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		return Outcome{TaskID: "t1"}, errBoom
	}))
	err := e.coord.Handler("step")(context.Background(), nil)
	require.ErrorIs(t, err, errBoom)
}

func TestCoordinator_UnknownStage(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownStage)
	require.False(t, e.coord.Registered("nope"))
}

type failingPublisher struct{ err error }

func (p failingPublisher) Enqueue(context.Context, string, string, any, ...queue.Option) error {
	return p.err
}

func TestCoordinator_PublishErrors(t *testing.T) {
	e := newEnv(t)
	c := NewCoordinator(failingPublisher{err: queue.ErrDuplicate}, e.store, CoordinatorConfig{})
	require.NoError(t, c.Publish(context.Background(), StageRender, RenderMessage{ID: "t1"}))

	c = NewCoordinator(failingPublisher{err: errBoom}, e.store, CoordinatorConfig{})
	err := c.Publish(context.Background(), StageRender, RenderMessage{ID: "t1"})
	require.True(t, errors.Is(err, errBoom))
}

func TestCoordinator_RouteDeadLetter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.coord.RouteDeadLetter(ctx, queue.DeadLetter{
		Queue:     StageDownload,
		Type:      StageDownload,
		ID:        "download:t1",
		Payload:   encode(t, DownloadMessage{ID: "t1", VideoURL: "u"}),
		LastError: "boom",
	})
	ms := e.messages(t, StageFail, queue.StatePending)
	require.Len(t, ms, 1)
	require.Equal(t, "fail:t1", ms[0].ID)
	require.Equal(t, FailMessage{ID: "t1"}, decodeAs[FailMessage](t, ms[0].Payload))

	// Fail stage dead letters are not routed again.
	e.coord.RouteDeadLetter(ctx, queue.DeadLetter{Queue: StageFail, ID: "fail:t2", Payload: encode(t, FailMessage{ID: "t2"})})
	require.Len(t, e.messages(t, StageFail, queue.StatePending), 1)

	// Payloads without a task id are dropped.
	e.coord.RouteDeadLetter(ctx, queue.DeadLetter{Queue: StageRender, Payload: []byte(`{"x":1}`)})
	require.Len(t, e.messages(t, StageFail, queue.StatePending), 1)
}

func TestCoordinator_Mount(t *testing.T) {
	e := newEnv(t)
	called := 0
	e.coord.Register(StageFail, RunnerFunc(func(ctx context.Context, payload []byte) (Outcome, error) {
		called++
		return Complete("t1"), nil
	}))
	mux := queue.NewMux()
	e.coord.Mount(mux)
	require.NoError(t, mux.Dispatch(context.Background(), StageFail, []byte(`{}`)))
	require.Equal(t, 1, called)
}
