// Package pipeline implements the lecture-notes stages and the coordinator
// that applies their outcomes: publish the next message, requeue with a
// delay, or mark the task failed.
package pipeline

import (
	"fmt"
	"time"
)

// Stage names. Each stage consumes its own queue and the message type of the
// same name.
const (
	StageDownload   = "download"
	StageTranscribe = "transcribe"
	StageRender     = "render"
	StageFail       = "fail"
)

// Stages lists every stage in pipeline order.
var Stages = []string{StageDownload, StageTranscribe, StageRender, StageFail}

// User-facing diagnostics stored on failed tasks.
const (
	DiagnosticInvalidLink        = "invalid video download link"
	DiagnosticGeneric            = "an error occurred while processing the video"
	DiagnosticRender             = "an error occurred while creating the PDF notes"
	DiagnosticRecognitionTimeout = "speech recognition did not finish in time"
)

// Kind tags an Outcome.
type Kind int

const (
	KindComplete Kind = iota
	KindAdvance
	KindRequeue
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindComplete:
		return "complete"
	case KindAdvance:
		return "advance"
	case KindRequeue:
		return "requeue"
	case KindFail:
		return "fail"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is what a stage decided for one message. The coordinator applies it.
type Outcome struct {
	Kind   Kind
	TaskID string
	// Next is the stage to publish Message to (Advance only).
	Next    string
	Message Message
	// Delay before redelivery (Requeue only). The transport clamps it.
	Delay      time.Duration
	Diagnostic string
}

// Advance publishes msg to the next stage.
func Advance(next string, msg Message) Outcome {
	return Outcome{Kind: KindAdvance, TaskID: msg.TaskID(), Next: next, Message: msg}
}

// Requeue publishes msg back to the current stage after delay.
func Requeue(msg Message, delay time.Duration) Outcome {
	return Outcome{Kind: KindRequeue, TaskID: msg.TaskID(), Message: msg, Delay: delay}
}

// Fail marks the task failed with diagnostic unless it already failed.
func Fail(taskID, diagnostic string) Outcome {
	return Outcome{Kind: KindFail, TaskID: taskID, Diagnostic: diagnostic}
}

// Complete ends processing of the message with nothing further to do.
func Complete(taskID string) Outcome {
	return Outcome{Kind: KindComplete, TaskID: taskID}
}
