// Package apperr defines the error taxonomy shared by stages, stores and
// providers. Errors are tagged with a marker so callers can classify them with
// errors.Is while keeping component context in the message.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrExternalService = errors.New("external service error")
	ErrStorage         = errors.New("storage error")
	ErrConfiguration   = errors.New("configuration error")
	// ErrNotReady reports that an asynchronous external operation has not
	// produced a result yet. It is a normal condition, not a failure.
	ErrNotReady = errors.New("not ready")
)

// Wrap tags err with marker and prefixes component and operation context.
// A nil marker defaults to ErrStorage.
func Wrap(marker error, component, operation string, err error) error {
	if marker == nil {
		marker = ErrStorage
	}
	detail := detail(component, operation)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func detail(component, operation string) string {
	parts := make([]string, 0, 2)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "failure"
	}
	return strings.Join(parts, ": ")
}

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field '%s' is required", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
