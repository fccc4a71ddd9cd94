package httpapi

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/UniQw/uniqw-lectures/internal/apperr"
	"github.com/UniQw/uniqw-lectures/internal/blob"
	"github.com/UniQw/uniqw-lectures/internal/logging"
	"github.com/UniQw/uniqw-lectures/internal/pipeline"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type listTasksResponse struct {
	Tasks []pipeline.TaskView `json:"tasks"`
}

// stageEnvelope is the trigger payload of a message queue delivery.
type stageEnvelope struct {
	Messages []struct {
		Details struct {
			Message struct {
				Body string `json:"body"`
			} `json:"message"`
		} `json:"details"`
	} `json:"messages"`
}

type stageResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (a *App) createTask(w http.ResponseWriter, r *http.Request) {
	form, err := readForm(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	id, err := a.Ingester.Ingest(r.Context(), form.Get("name"), form.Get("url"))
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		a.Logger.Error("create task", logging.TraceID(GetTraceID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "failed to create task",
			"message": err.Error(),
		})
		return
	}

	a.Logger.Info("task accepted", logging.TraceID(GetTraceID(r.Context())), logging.TaskID(id))
	w.Header().Set("Location", "/tasks")
	w.WriteHeader(http.StatusFound)
}

// readForm parses an urlencoded body, decoding it first when the client sent
// it base64-encoded.
func readForm(r *http.Request) (url.Values, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(r.Header.Get("Content-Transfer-Encoding"), "base64") {
		raw, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, err
		}
	}
	return url.ParseQuery(string(raw))
}

func (a *App) listTasks(w http.ResponseWriter, r *http.Request) {
	views, err := a.Lister.List(r.Context())
	if err != nil {
		a.Logger.Error("list tasks", logging.TraceID(GetTraceID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "failed to load tasks",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, listTasksResponse{Tasks: views})
}

func (a *App) runStage(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	if !a.Stages.Registered(stage) {
		writeJSON(w, http.StatusNotFound, stageResponse{StatusCode: http.StatusNotFound, Message: "unknown stage " + stage})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, stageResponse{StatusCode: http.StatusBadRequest, Message: err.Error()})
		return
	}
	var env stageEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil || len(env.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, stageResponse{StatusCode: http.StatusBadRequest, Message: "malformed trigger envelope"})
		return
	}

	for _, m := range env.Messages {
		body := m.Details.Message.Body
		if body == "" {
			writeJSON(w, http.StatusBadRequest, stageResponse{StatusCode: http.StatusBadRequest, Message: "empty message body"})
			return
		}
		out, err := a.Stages.Run(r.Context(), stage, []byte(body))
		if err != nil {
			a.Logger.Error("stage trigger failed", logging.TraceID(GetTraceID(r.Context())),
				logging.Stage(stage), logging.TaskID(out.TaskID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, stageResponse{StatusCode: http.StatusInternalServerError, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, stageResponse{StatusCode: http.StatusOK, Message: "ok"})
}

func (a *App) serveBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := a.Blobs.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}
	f, err := a.Blobs.Open(key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		a.Logger.Error("open blob", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to open blob"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to open blob"})
		return
	}
	http.ServeContent(w, r, key, info.ModTime(), f)
}
