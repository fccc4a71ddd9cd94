// Package httpapi exposes task creation and listing, the stage trigger
// endpoint used by queue-delivered invocations, and signed blob downloads.
package httpapi

import (
	"context"
	"net/http"
	"os"

	"github.com/UniQw/uniqw-lectures/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type Ingester interface {
	Ingest(ctx context.Context, name, url string) (string, error)
}

type Lister interface {
	List(ctx context.Context) ([]pipeline.TaskView, error)
}

// StageRunner runs one stage message. *pipeline.Coordinator implements it.
type StageRunner interface {
	Registered(stage string) bool
	Run(ctx context.Context, stage string, payload []byte) (pipeline.Outcome, error)
}

// BlobFiles serves signed local blobs. *fsblob.Store implements it.
type BlobFiles interface {
	Verify(key, expires, sig string) error
	Open(key string) (*os.File, error)
}

// App holds handler dependencies. Stages and Blobs are optional; their
// routes are only mounted when set.
type App struct {
	Ingester Ingester
	Lister   Lister
	Stages   StageRunner
	Blobs    BlobFiles
	Logger   *zap.Logger
}

// NewRouter builds the HTTP handler for app.
func NewRouter(app *App) http.Handler {
	if app.Logger == nil {
		app.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(TraceID)
	r.Use(Logging(app.Logger))
	r.Use(Recovery(app.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Content-Transfer-Encoding", TraceIDHeader},
		ExposedHeaders: []string{"Location", TraceIDHeader},
	}))
	RegisterRoutes(r, app)
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)
	r.Post("/tasks", app.createTask)
	r.Get("/tasks", app.listTasks)
	if app.Stages != nil {
		r.Post("/stages/{stage}", app.runStage)
	}
	if app.Blobs != nil {
		r.Get("/blobs/*", app.serveBlob)
	}
}
