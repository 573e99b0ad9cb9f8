package log

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	// Test Ctx without a logger in the context
	l1 := Ctx(ctx)
	require.NotNil(t, l1, "Ctx returned nil instead of default logger")
	assert.Equal(t, defaultLogger, l1, "Ctx should return defaultLogger")

	customLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	require.NotEqual(t, defaultLogger, customLogger, "Failed to create a distinct custom logger for testing")

	ctxWithLogger := With(ctx, customLogger)
	l2 := Ctx(ctxWithLogger)
	require.NotNil(t, l2, "Ctx returned nil, expected custom logger")
	assert.Equal(t, customLogger, l2, "Ctx should return customLogger")
}

func TestRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("login", slog.Any("password", Redacted("hunter2")))

	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), maskedValue)
}

func TestMaskJSON(t *testing.T) {
	t.Run("masks listed keys", func(t *testing.T) {
		out := MaskJSON(map[string]any{"username": "a@b.c", "password": "secret"}, "password")
		assert.Contains(t, out, "a@b.c")
		assert.NotContains(t, out, "secret")
		assert.Contains(t, out, maskedValue)
	})

	t.Run("does not modify input", func(t *testing.T) {
		in := map[string]any{"password": "secret"}
		MaskJSON(in, "password")
		assert.Equal(t, "secret", in["password"])
	})

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, "null", MaskJSON(nil, "password"))
	})

	t.Run("missing key is not added", func(t *testing.T) {
		out := MaskJSON(map[string]any{"id": "s1"}, "password")
		assert.NotContains(t, out, "password")
	})
}
