// Package app wires configuration into the stores, providers, pipeline and
// transports shared by the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/blob/fsblob"
	"github.com/UniQw/uniqw-lectures/internal/blob/s3blob"
	"github.com/UniQw/uniqw-lectures/internal/config"
	"github.com/UniQw/uniqw-lectures/internal/httpapi"
	"github.com/UniQw/uniqw-lectures/internal/pipeline"
	"github.com/UniQw/uniqw-lectures/internal/provider/disk"
	"github.com/UniQw/uniqw-lectures/internal/provider/speech"
	"github.com/UniQw/uniqw-lectures/internal/queue"
	"github.com/UniQw/uniqw-lectures/internal/render"
	"github.com/UniQw/uniqw-lectures/internal/task"
	"github.com/UniQw/uniqw-lectures/internal/task/dynamostore"
	"github.com/UniQw/uniqw-lectures/internal/task/pgstore"
	"github.com/UniQw/uniqw-lectures/internal/task/redisstore"
	"github.com/UniQw/uniqw-lectures/internal/task/sqlitestore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// succeededRetention keeps finished stage messages listable for operators.
const succeededRetention = 24 * time.Hour

// App holds the long-lived dependencies of one process.
type App struct {
	Config      *config.Config
	Log         *zap.Logger
	Redis       redis.UniversalClient
	Queue       *queue.Client
	Tasks       task.Store
	Blobs       blob.Store
	Coordinator *pipeline.Coordinator
	Ingester    *pipeline.Ingester
	Lister      *pipeline.Lister
}

// New connects to Redis and opens the configured task and blob stores. No
// stage is registered yet; see RegisterStages.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	a, err := NewWithRedis(ctx, cfg, rdb, log)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return a, nil
}

// NewWithRedis is New with an existing Redis client. Close closes rdb.
func NewWithRedis(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, log *zap.Logger) (*App, error) {
	tasks, err := OpenStore(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	blobs, err := OpenBlobs(ctx, cfg)
	if err != nil {
		_ = tasks.Close()
		return nil, err
	}
	qc := queue.NewClient(rdb)
	coord := pipeline.NewCoordinator(qc, tasks, pipeline.CoordinatorConfig{
		MaxRetry:  cfg.Worker.MaxRetry,
		Retention: succeededRetention,
		Logger:    log.Named("pipeline"),
	})
	return &App{
		Config:      cfg,
		Log:         log,
		Redis:       rdb,
		Queue:       qc,
		Tasks:       tasks,
		Blobs:       blobs,
		Coordinator: coord,
		Ingester:    pipeline.NewIngester(tasks, coord, log.Named("ingest")),
		Lister:      pipeline.NewLister(tasks, blobs),
	}, nil
}

// OpenStore opens the task store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient) (task.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return redisstore.New(rdb), nil
	case "sqlite":
		return sqlitestore.Open(ctx, cfg.Store.SQLitePath, cfg.Store.TableName)
	case "postgres":
		return pgstore.Open(ctx, cfg.Store.DatabaseURL, cfg.Store.TableName)
	case "dynamodb":
		return dynamostore.Open(ctx, dynamostore.Options{
			Table:           cfg.Store.TableName,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Store.DynamoEndpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// OpenBlobs opens the blob store selected by cfg.Blob.Driver.
func OpenBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "fs":
		return fsblob.New(cfg.Blob.Dir, cfg.Blob.PublicURL, cfg.Blob.SigningKey)
	case "s3":
		return s3blob.New(ctx, s3blob.Options{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Blob.Driver)
	}
}

// ParseStages splits a comma-separated stage list. Empty input selects every
// stage.
func ParseStages(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return slices.Clone(pipeline.Stages), nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if !slices.Contains(pipeline.Stages, name) {
			return nil, fmt.Errorf("unknown stage %q (want one of %s)", name, strings.Join(pipeline.Stages, ", "))
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no stages selected")
	}
	return out, nil
}

// RegisterStages installs runners for stages on the coordinator. Stages that
// call external APIs require the provider settings.
func (a *App) RegisterStages(stages []string) error {
	needsProviders := slices.ContainsFunc(stages, func(s string) bool {
		return s == pipeline.StageDownload || s == pipeline.StageTranscribe
	})
	if needsProviders {
		if err := a.Config.ValidateProviders(); err != nil {
			return err
		}
	}
	p := a.Config.Provider
	for _, s := range stages {
		log := a.Log.Named(s)
		switch s {
		case pipeline.StageDownload:
			a.Coordinator.Register(s, pipeline.NewDownload(disk.NewClient(p.DiskAPIURL), a.Blobs, a.Tasks, log))
		case pipeline.StageTranscribe:
			sp := speech.NewClient(speech.Config{BaseURL: p.STTAPIURL, APIKey: p.APIKey, FolderID: p.FolderID, Language: p.Language})
			a.Coordinator.Register(s, pipeline.NewTranscribe(sp, a.Blobs, a.Tasks, a.Config.PollDeadline(), log))
		case pipeline.StageRender:
			r := render.New(a.Config.Render.FontPath)
			if err := r.Load(); err != nil {
				return fmt.Errorf("%w: PDF_FONT_PATH: %v", apperr.ErrConfiguration, err)
			}
			a.Coordinator.Register(s, pipeline.NewRender(a.Blobs, a.Tasks, r, a.Config.Worker.CleanupIntermediate, log))
		case pipeline.StageFail:
			a.Coordinator.Register(s, pipeline.FailStage{})
		default:
			return fmt.Errorf("unknown stage %q", s)
		}
	}
	return nil
}

// QueueServer builds a server consuming the queues of stages. Dead letters
// are routed to the fail stage.
func (a *App) QueueServer(stages []string) *queue.Server {
	sugar := a.Log.Named("queue").Sugar()
	mux := queue.NewMux()
	mux.Use(queue.Recover(sugar))
	mux.Use(HandlerLogging(sugar))
	a.Coordinator.Mount(mux)

	queues := make(map[string]int, len(stages))
	for _, s := range stages {
		queues[s] = 1
	}
	return queue.NewServer(a.Redis, queue.ServerConfig{
		Queues:        queues,
		Concurrency:   a.Config.Worker.Concurrency,
		VisibilityTTL: a.Config.VisibilityTTL(),
		Logger:        sugar,
		OnDead:        a.Coordinator.RouteDeadLetter,
	}, mux)
}

// HandlerLogging logs the duration and result of every handler invocation.
func HandlerLogging(l queue.Logger) queue.Middleware {
	return func(next queue.HandlerFunc) queue.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			d, _ := queue.DeliveryFrom(ctx)
			if err != nil {
				l.Warnf("handler error: queue=%s id=%s retry=%d dur=%s err=%v", d.Queue, d.ID, d.Retry, time.Since(start), err)
			} else {
				l.Debugf("handler ok: queue=%s id=%s dur=%s", d.Queue, d.ID, time.Since(start))
			}
			return err
		}
	}
}

// HTTPHandler builds the API router. Signed blob downloads are served only
// with the filesystem blob store.
func (a *App) HTTPHandler() http.Handler {
	api := &httpapi.App{
		Ingester: a.Ingester,
		Lister:   a.Lister,
		Stages:   a.Coordinator,
		Logger:   a.Log.Named("http"),
	}
	if files, ok := a.Blobs.(*fsblob.Store); ok {
		api.Blobs = files
	}
	return httpapi.NewRouter(api)
}

// Close releases the stores and the Redis client.
func (a *App) Close() error {
	return errors.Join(a.Tasks.Close(), a.Redis.Close())
}
