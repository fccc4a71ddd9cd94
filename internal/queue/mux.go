package queue

import (
	"context"
	"fmt"
	"runtime/debug"

	rtm "github.com/UniQw/uniqw-lectures/internal/queue/runtime"
)

// HandlerFunc processes one message payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// Mux routes messages to handlers by message type.
type Mux struct {
	handlers    map[string]HandlerFunc
	middlewares []Middleware
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for messageType, replacing any earlier registration.
func (m *Mux) Handle(messageType string, fn HandlerFunc) {
	m.handlers[messageType] = fn
}

// Use appends middleware. The first registered runs outermost.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Dispatch runs the handler registered for messageType through the middleware chain.
func (m *Mux) Dispatch(ctx context.Context, messageType string, payload []byte) error {
	h, ok := m.handlers[messageType]
	if !ok {
		return rtm.ErrNoHandler
	}
	return m.wrap(h)(ctx, payload)
}

func (m *Mux) wrap(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// Recover turns handler panics into errors so the message follows the
// normal retry path.
func Recover(log Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					d, _ := DeliveryFrom(ctx)
					log.Errorf("handler panic: id=%s queue=%s panic=%v\n%s", d.ID, d.Queue, r, debug.Stack())
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, payload)
		}
	}
}
