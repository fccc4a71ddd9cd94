// Package logging builds the zap logger shared by the HTTP API, the stage
// workers and the queue runtime.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys used across components.
const (
	FieldTaskID  = "task_id"
	FieldStage   = "stage"
	FieldQueue   = "queue"
	FieldTraceID = "trace_id"
	FieldOutcome = "outcome"
)

// New builds a logger. format is "json" (production encoder) or "console"
// (development encoder); level is any zapcore level name.
func New(level, format string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q: want json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func TaskID(id string) zap.Field { return zap.String(FieldTaskID, id) }
func Stage(name string) zap.Field { return zap.String(FieldStage, name) }
func Queue(name string) zap.Field { return zap.String(FieldQueue, name) }
func TraceID(id string) zap.Field { return zap.String(FieldTraceID, id) }
func Outcome(kind string) zap.Field { return zap.String(FieldOutcome, kind) }
