package task

import "context"

// Store persists tasks. Every status transition is a single-row conditional
// update: MarkProcessing applies only while the task is not done or failed,
// MarkDone and MarkFailed only while it is not failed. The boolean result
// reports whether the update was applied; a missing task is ErrNotFound.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// List returns all tasks, newest first.
	List(ctx context.Context) ([]Task, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// MarkDone sets status done and records the artifact reference.
	MarkDone(ctx context.Context, id, artifactRef string) (bool, error)
	// MarkFailed sets status failed, stores the truncated message and clears
	// the artifact reference. The first failure wins.
	MarkFailed(ctx context.Context, id, message string) (bool, error)
	Close() error
}
