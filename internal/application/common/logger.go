package common

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// OperationLogger provides structured logging for long-running game
// operations (encounters, agent tasks)
type OperationLogger interface {
	Log(level, message string, metadata map[string]interface{})
}

type contextKey int

const (
	loggerKey contextKey = iota
)

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger OperationLogger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext extracts the logger from context, or returns a no-op
// logger if not found
func LoggerFromContext(ctx context.Context) OperationLogger {
	if logger, ok := ctx.Value(loggerKey).(OperationLogger); ok {
		return logger
	}
	return &noOpLogger{}
}

type noOpLogger struct{}

func (l *noOpLogger) Log(level, message string, metadata map[string]interface{}) {}

// StdOperationLogger writes operation logs through the standard logger with
// metadata rendered as sorted key=value pairs.
type StdOperationLogger struct{}

func NewStdOperationLogger() *StdOperationLogger {
	return &StdOperationLogger{}
}

func (l *StdOperationLogger) Log(level, message string, metadata map[string]interface{}) {
	if len(metadata) == 0 {
		log.Printf("[%s] %s", level, message)
		return
	}
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", key, metadata[key]))
	}
	log.Printf("[%s] %s %s", level, message, strings.Join(pairs, " "))
}
