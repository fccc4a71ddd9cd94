// Package task defines the lecture task record and the Store contract every
// persistence backend implements.
package task

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further stage work is expected.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return Status(v), nil
	default:
		return "", fmt.Errorf("unknown task status %q", v)
	}
}

// MaxErrorLen bounds the stored diagnostic, in characters.
const MaxErrorLen = 1000

var (
	ErrNotFound = errors.New("task not found")
	ErrExists   = errors.New("task already exists")
)

// Task is one lecture-notes job.
type Task struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name"`
	SourceURL string    `json:"url"`
	Status    Status    `json:"status"`
	// ArtifactRef is the blob key of the finished PDF; set only when done.
	ArtifactRef *string `json:"pdf"`
	// Error is the user-facing diagnostic; set only when failed.
	Error *string `json:"error"`
}

// New returns a queued task with a fresh ID.
func New(name, sourceURL string) Task {
	return Task{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Name:      name,
		SourceURL: sourceURL,
		Status:    StatusQueued,
	}
}

// TruncateError cuts msg to at most MaxErrorLen characters without splitting
// a UTF-8 sequence.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLen {
		return msg
	}
	n := 0
	for i := range msg {
		if n == MaxErrorLen {
			return msg[:i]
		}
		n++
	}
	return msg
}
