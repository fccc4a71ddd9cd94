package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/provider/disk"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"go.uber.org/zap"
)

// Disk resolves and streams public videos. *disk.Client implements it.
type Disk interface {
	Resource(ctx context.Context, publicURL string) (disk.Resource, error)
	DownloadLink(ctx context.Context, publicURL string) (string, error)
	Open(ctx context.Context, href string) (io.ReadCloser, string, error)
}

// Download validates the source link and copies the video into blob storage.
type Download struct {
	disk  Disk
	blobs blob.Store
	store task.Store
	log   *zap.Logger
}

func NewDownload(d Disk, blobs blob.Store, store task.Store, log *zap.Logger) *Download {
	if log == nil {
		log = zap.NewNop()
	}
	return &Download{disk: d, blobs: blobs, store: store, log: log}
}

func (s *Download) Run(ctx context.Context, payload []byte) (Outcome, error) {
	var msg DownloadMessage
	if err := decode(payload, &msg); err != nil {
		return Outcome{}, err
	}
	if msg.ID == "" {
		return Outcome{}, &apperr.ValidationError{Field: "id"}
	}
	log := s.log.With(logging.TaskID(msg.ID), logging.Stage(StageDownload))

	res, err := s.disk.Resource(ctx, msg.VideoURL)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Outcome{TaskID: msg.ID}, err
		}
		log.Info("source lookup failed", zap.Error(err))
		return Fail(msg.ID, DiagnosticInvalidLink), nil
	}
	if !res.IsVideo() {
		log.Info("source is not a video file", zap.String("type", res.Type), zap.String("mime_type", res.MimeType))
		return Fail(msg.ID, DiagnosticInvalidLink), nil
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

	href, err := s.disk.DownloadLink(ctx, msg.VideoURL)
	if err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	body, contentType, err := s.disk.Open(ctx, href)
	if err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	defer body.Close()

	key := blob.VideoKey(msg.ID)
	if err := s.blobs.Put(ctx, key, body, contentType); err != nil {
		return Outcome{TaskID: msg.ID}, err
	}
	log.Info("video stored", zap.String("key", key), zap.Int64("size", res.Size))

	return Advance(StageTranscribe, TranscribeMessage{
		ID:         msg.ID,
		ObjectName: key,
		Duration:   FormatDuration(res.Duration),
		Phase:      PhaseNotStarted,
	}), nil
}
