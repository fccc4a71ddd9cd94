package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/markdown"
	"github.com/UniQw/uniqw-lectures/internal/provider/speech"
	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"go.uber.org/zap"
)

// Speech runs asynchronous recognition. *speech.Client implements it.
type Speech interface {
	Start(ctx context.Context, objectURI string) (string, error)
	Poll(ctx context.Context, operationID string) (speech.Result, error)
}

// Transcribe starts recognition once and then polls it, requeueing itself
// with a delay until the summary is ready.
type Transcribe struct {
	speech Speech
	blobs  blob.Store
	store  task.Store
	// deadline bounds the summed poll delays. Zero polls forever.
	deadline time.Duration
	maxDepth int
	log      *zap.Logger
}

func NewTranscribe(sp Speech, blobs blob.Store, store task.Store, pollDeadline time.Duration, log *zap.Logger) *Transcribe {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transcribe{
		speech:   sp,
		blobs:    blobs,
		store:    store,
		deadline: pollDeadline,
		maxDepth: markdown.DefaultMaxDepth,
		log:      log,
	}
}

func (s *Transcribe) Run(ctx context.Context, payload []byte) (Outcome, error) {
	msg, err := decodeTranscribe(payload)
	if err != nil {
		return Outcome{}, err
	}
	if msg.ID == "" {
		return Outcome{}, &apperr.ValidationError{Field: "id"}
	}
	log := s.log.With(logging.TaskID(msg.ID), logging.Stage(StageTranscribe))

	seconds, err := ParseDuration(msg.Duration)
	if err != nil {
		return Outcome{TaskID: msg.ID}, err
	}

	applied, err := s.store.MarkProcessing(ctx, msg.ID)
	if errors.Is(err, task.ErrNotFound) {
		log.Warn("task not found")
		return Complete(msg.ID), nil
	}
	if err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	if !applied {
		log.Info("task already finished")
		return Complete(msg.ID), nil
	}

	started := false
	var res speech.Result
	for {
		switch msg.Phase {
		case PhaseNotStarted:
			opID, err := s.speech.Start(ctx, s.blobs.ObjectURL(msg.ObjectName))
			if err != nil {
				return Outcome{TaskID: msg.ID}, err
			}
			msg.Phase = PhaseStarted
			msg.OperationID = opID
			started = true
			log.Info("recognition started", zap.String("operation_id", opID))

		case PhaseStarted:
			r, err := s.speech.Poll(ctx, msg.OperationID)
			if errors.Is(err, apperr.ErrNotReady) {
				if s.deadline > 0 && time.Duration(msg.ElapsedSeconds)*time.Second >= s.deadline {
					log.Warn("recognition deadline passed", zap.Int64("elapsed_seconds", msg.ElapsedSeconds), zap.Int("polls", msg.Polls))
					return Fail(msg.ID, DiagnosticRecognitionTimeout), nil
				}
				log.Debug("recognition pending", zap.Int("polls", msg.Polls+1))
				return s.requeue(msg, seconds), nil
			}
			if err != nil && started {
				// A redelivery of this payload would start a second operation,
				// so the operation id goes back on the queue instead.
				log.Warn("poll after start failed", zap.String("operation_id", msg.OperationID), zap.Error(err))
				return s.requeue(msg, seconds), nil
			}
			if err != nil {
				return Outcome{TaskID: msg.ID}, err
			}
			res = r
			msg.Phase = PhaseDone

		case PhaseDone:
			return s.storeSummary(ctx, log, msg, res)

		default:
			return Outcome{TaskID: msg.ID}, fmt.Errorf("%w: unknown phase %q", apperr.ErrValidation, msg.Phase)
		}
	}
}

// storeSummary writes the summary as markdown and hands the task to render.
func (s *Transcribe) storeSummary(ctx context.Context, log *zap.Logger, msg TranscribeMessage, res speech.Result) (Outcome, error) {
	text, err := markdown.FromJSON(res.Summary, s.maxDepth)
	if err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	key := blob.TextKey(msg.ID)
	if err := s.blobs.Put(ctx, key, strings.NewReader(text), "text/markdown"); err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	log.Info("summary stored", zap.String("key", key), zap.Int("polls", msg.Polls))
	return Advance(StageRender, RenderMessage{ID: msg.ID, ObjectName: key}), nil
}

// requeue schedules the next poll of msg after the delay for a video of
// seconds length.
func (s *Transcribe) requeue(msg TranscribeMessage, seconds float64) Outcome {
	delay := PollDelay(seconds)
	msg.ElapsedSeconds += int64(queue.ClampDelay(delay) / time.Second)
	msg.Polls++
	return Requeue(msg, delay)
}
