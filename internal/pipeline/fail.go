package pipeline

import (
	"context"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
)

// FailStage marks tasks failed with the generic diagnostic. It backs the
// fail queue that dead-lettered messages are routed to. The first failure
// recorded on a task is kept.
type FailStage struct{}

func (FailStage) Run(ctx context.Context, payload []byte) (Outcome, error) {
	var msg FailMessage
	if err := decode(payload, &msg); err != nil {
		return Outcome{}, err
	}
	if msg.ID == "" {
		return Outcome{}, &apperr.ValidationError{Field: "id"}
	}
	return Fail(msg.ID, DiagnosticGeneric), nil
}
