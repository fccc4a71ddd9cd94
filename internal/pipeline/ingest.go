package pipeline

import (
	"context"
	"strings"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"go.uber.org/zap"
)

// Ingester accepts new tasks.
type Ingester struct {
	store task.Store
	coord *Coordinator
	log   *zap.Logger
}

func NewIngester(store task.Store, coord *Coordinator, log *zap.Logger) *Ingester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingester{store: store, coord: coord, log: log}
}

// Ingest creates a queued task for the video at url and publishes its
// download message. The record is persisted before the message is sent; a
// crash in between leaves a queued task that never progresses.
func (i *Ingester) Ingest(ctx context.Context, name, url string) (string, error) {
	name = strings.TrimSpace(name)
	url = strings.TrimSpace(url)
	if name == "" {
		return "", &apperr.ValidationError{Field: "name"}
	}
	if url == "" {
		return "", &apperr.ValidationError{Field: "url"}
	}

	t := task.New(name, url)
	if err := i.store.Create(ctx, t); err != nil {
		return "", apperr.Wrap(apperr.ErrStorage, "ingest", "create task", err)
	}
	if err := i.coord.Publish(ctx, StageDownload, DownloadMessage{ID: t.ID, VideoURL: url}); err != nil {
		return "", apperr.Wrap(apperr.ErrStorage, "ingest", "enqueue download", err)
	}
	i.log.Info("task created", logging.TaskID(t.ID), zap.String("name", name))
	return t.ID, nil
}
