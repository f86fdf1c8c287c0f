package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestFromContextAddsIdentifiers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := context.WithValue(context.Background(), SessionIDKey, "s-1")
	ctx = context.WithValue(ctx, DatasetKey, "scan-001")
	ctx = context.WithValue(ctx, CommandIDKey, "c-9")

	FromContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "s-1", fields["session_id"])
	assert.Equal(t, "scan-001", fields["dataset"])
	assert.Equal(t, "c-9", fields["command_id"])
}

func TestInitInstallsGlobalLogger(t *testing.T) {
	require.NoError(t, Init(Config{Level: "debug", Encoding: "console"}))
	l := Get()
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init(Config{Level: "error"}))
	assert.Same(t, l, Get(), "only the first Init takes effect")
	_ = Sync()
}
