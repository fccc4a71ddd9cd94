package queue

import (
	"context"

	"github.com/UniQw/uniqw-lectures/internal/queue/hctx"
)

// Delivery describes the message a handler is currently processing.
type Delivery struct {
	ID    string
	Queue string
	Type  string
	// Retry is the number of earlier failed attempts.
	Retry int
}

// DeliveryFrom returns the delivery metadata the runtime attached to ctx.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return Delivery{}, false
	}
	return Delivery{ID: st.ID, Queue: st.Queue, Type: st.Type, Retry: st.Retry}, true
}

// SetProgress reports progress (0..100) for the current message.
// It is a no-op outside the runtime.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	st.Progress = p
}

// SetResult JSON-encodes v and stores it as the handler result; last call wins.
// It is a no-op outside the runtime.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	b, err := (&JSONEncoder{}).Encode(v)
	if err != nil {
		return err
	}
	st.Result = b
	return nil
}
