package queue

import "go.uber.org/zap"

// Logger defines the logging methods used by the queue. *zap.SugaredLogger
// satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

var _ Logger = (*zap.SugaredLogger)(nil)

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return zap.NewNop().Sugar() }
