package queue

import "errors"

// ErrDuplicate is returned by Enqueue when the message ID is already reserved in the queue.
var ErrDuplicate = errors.New("queue: duplicate message id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("queue: unknown state")

// ErrActiveState is returned when an operation is not allowed on the active state.
var ErrActiveState = errors.New("queue: operation not allowed on active state")

// ErrNotFound is returned when no message with the given ID exists.
var ErrNotFound = errors.New("queue: message not found")
