package pipeline

import (
	"context"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/task"
)

// TaskView is a task as shown to clients. PDF is a time-limited download
// link rather than the stored blob key.
type TaskView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	PDF       *string   `json:"pdf"`
	Error     *string   `json:"error"`
}

// Lister reads tasks for display.
type Lister struct {
	store task.Store
	blobs blob.Store
}

func NewLister(store task.Store, blobs blob.Store) *Lister {
	return &Lister{store: store, blobs: blobs}
}

// List returns all tasks newest first.
func (l *Lister) List(ctx context.Context) ([]TaskView, error) {
	tasks, err := l.store.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "list", "load tasks", err)
	}
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			ID:        t.ID,
			Name:      t.Name,
			URL:       t.SourceURL,
			CreatedAt: t.CreatedAt,
			Status:    t.Status.String(),
			Error:     t.Error,
		}
		if t.ArtifactRef != nil && *t.ArtifactRef != "" {
			link, err := l.blobs.Presign(ctx, *t.ArtifactRef, blob.PresignTTL)
			if err != nil {
				return nil, apperr.Wrap(apperr.ErrStorage, "list", "presign", err)
			}
			v.PDF = &link
		}
		out = append(out, v)
	}
	return out, nil
}
