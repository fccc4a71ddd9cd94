package queue

import (
	"context"
	"testing"

	"github.com/UniQw/uniqw-lectures/internal/queue/hctx"
	"github.com/stretchr/testify/require"
)

func TestHandlerCtx_NoState_NoPanic(t *testing.T) {
	ctx := context.Background()
	SetProgress(ctx, 50)
	require.NoError(t, SetResult(ctx, map[string]int{"a": 1}))
	_, ok := DeliveryFrom(ctx)
	require.False(t, ok)
}

func TestHandlerCtx_WithState(t *testing.T) {
	st := hctx.New()
	st.ID, st.Queue, st.Type, st.Retry = "id-1", "render", "render", 2
	ctx := hctx.WithState(context.Background(), st)

	d, ok := DeliveryFrom(ctx)
	require.True(t, ok)
	require.Equal(t, Delivery{ID: "id-1", Queue: "render", Type: "render", Retry: 2}, d)

	SetProgress(ctx, -10)
	require.Equal(t, 0, st.Progress)
	SetProgress(ctx, 150)
	require.Equal(t, 100, st.Progress)
	SetProgress(ctx, 42)
	require.Equal(t, 42, st.Progress)

	require.NoError(t, SetResult(ctx, map[string]any{"ok": true}))
	require.JSONEq(t, `{"ok":true}`, string(st.Result))
}
