package queue

import "time"

// MaxDelay is the longest delivery delay the transport accepts. Longer
// requests are clamped.
const MaxDelay = 15 * time.Minute

// ClampDelay bounds d to [0, MaxDelay].
func ClampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

type options struct {
	id           string
	delay        time.Duration
	maxRetry     int
	retention    time.Duration
	errRetention time.Duration
	deadlineMs   int64
	keepUnique   bool
}

// Option configures a message during Enqueue or RetryDead.
type Option func(*options)

// MessageID sets the message ID. Without it a random UUID is used.
// Enqueueing an ID that is already reserved in the queue fails with ErrDuplicate.
func MessageID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay schedules delivery after d, clamped to MaxDelay.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = ClampDelay(d)
	}
}

// MaxRetry sets how many handler failures are retried before dead-lettering.
func MaxRetry(n int) Option {
	return func(o *options) {
		o.maxRetry = n
	}
}

// Retention sets how long the message is kept in the succeeded state.
func Retention(d time.Duration) Option {
	return func(o *options) {
		o.retention = d
	}
}

// RetentionError sets how long the message is kept in the dead state.
// Zero drops it on final failure; negative keeps it forever (default).
func RetentionError(d time.Duration) Option {
	return func(o *options) {
		o.errRetention = d
	}
}

// ExpireIn sets a relative deadline after which the message is dead-lettered
// instead of delivered.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		o.deadlineMs = time.Now().Add(d).UnixMilli()
	}
}

// Deadline sets an absolute deadline after which the message is
// dead-lettered instead of delivered.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.deadlineMs = t.UnixMilli()
		}
	}
}

// WithKeepUniqueLock keeps the ID reserved when Delete removes the message.
func WithKeepUniqueLock() Option {
	return func(o *options) {
		o.keepUnique = true
	}
}
