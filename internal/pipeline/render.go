package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"go.uber.org/zap"
)

// Renderer lays out notes as PDF. *render.Renderer implements it.
type Renderer interface {
	Render(title, text string) ([]byte, error)
}

// Render turns the stored summary into the final PDF and completes the task.
type Render struct {
	blobs    blob.Store
	store    task.Store
	renderer Renderer
	// cleanup deletes the intermediate video and text blobs after success.
	cleanup bool
	log     *zap.Logger
}

func NewRender(blobs blob.Store, store task.Store, r Renderer, cleanup bool, log *zap.Logger) *Render {
	if log == nil {
		log = zap.NewNop()
	}
	return &Render{blobs: blobs, store: store, renderer: r, cleanup: cleanup, log: log}
}

func (s *Render) Run(ctx context.Context, payload []byte) (Outcome, error) {
	var msg RenderMessage
	if err := decode(payload, &msg); err != nil {
		return Outcome{}, err
	}
	if msg.ID == "" {
		return Outcome{}, &apperr.ValidationError{Field: "id"}
	}
	log := s.log.With(logging.TaskID(msg.ID), logging.Stage(StageRender))

	done, err := s.render(ctx, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Outcome{TaskID: msg.ID}, err
		}
		log.Error("render failed", zap.Error(err))
		return Fail(msg.ID, DiagnosticRender), nil
	}
	if !done {
		log.Info("task already finished")
		return Complete(msg.ID), nil
	}

	if s.cleanup {
		for _, key := range []string{blob.VideoKey(msg.ID), msg.ObjectName} {
			if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
				log.Warn("cleanup intermediate blob", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return Complete(msg.ID), nil
}

// render produces and stores the PDF. It reports false when the task was
// already terminal and nothing was written to the store.
func (s *Render) render(ctx context.Context, msg RenderMessage) (bool, error) {
	t, err := s.store.Get(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}

	key := msg.ObjectName
	if key == "" {
		key = blob.TextKey(msg.ID)
	}
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return false, err
	}
	text, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return false, err
	}

	pdf, err := s.renderer.Render(t.Name, string(text))
	if err != nil {
		return false, err
	}
	pdfKey := blob.PDFKey(msg.ID)
	if err := s.blobs.Put(ctx, pdfKey, bytes.NewReader(pdf), "application/pdf"); err != nil {
		return false, err
	}
	applied, err := s.store.MarkDone(ctx, msg.ID, pdfKey)
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("pdf stored", logging.TaskID(msg.ID), zap.String("key", pdfKey), zap.Int("bytes", len(pdf)))
	}
	return applied, nil
}
