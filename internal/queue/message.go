package queue

// Message is a queued unit of work as stored in Redis.
type Message struct {
	ID string `json:"id"`
	// Type routes the message to a handler registered on the Mux.
	Type    string `json:"type"`
	Queue   string `json:"queue"`
	Payload []byte `json:"payload"`
	// Retry counts handler failures so far; MaxRetry bounds it before the
	// message is dead-lettered.
	Retry    int `json:"retry"`
	MaxRetry int `json:"max_retry"`
	// Retention and ErrRetention are seconds to keep the message after
	// success or final failure. A negative ErrRetention keeps it forever.
	Retention    int64 `json:"retention"`
	ErrRetention int64 `json:"err_retention,omitempty"`

	CreatedAt   int64  `json:"created_at,omitempty"`
	DeadlineMs  int64  `json:"deadline_ms,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastErrorAt int64  `json:"last_error_at,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Result      []byte `json:"result,omitempty"`
}
