package log

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
)

const maskedValue = "***MASKED***"

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}

// Redacted is a string that never renders its contents in a log record.
type Redacted string

// LogValue implements slog.LogValuer.
func (Redacted) LogValue() slog.Value {
	return slog.StringValue(maskedValue)
}

// MaskJSON renders data as indented JSON with the given top-level keys
// replaced by a mask. It is meant for debug logging of request bodies.
func MaskJSON(data map[string]any, keys ...string) string {
	if data == nil {
		return "null"
	}
	masked := make(map[string]any, len(data))
	for k, v := range data {
		masked[k] = v
	}
	for _, k := range keys {
		if _, ok := masked[k]; ok {
			masked[k] = maskedValue
		}
	}
	b, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return "<unencodable>"
	}
	return string(b)
}
