package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_ParsesLevel(t *testing.T) {
	l := New("debug")
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l = New("not-a-level")
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))

	l = NewWithFormat("warn", "console")
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithPeerID(ctx, "peer-1")
	ctx = WithTransferID(ctx, "transfer-1")

	cl.LogInfo(ctx, "chunk sent")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "trace-1", fields["trace_id"])
		assert.Equal(t, "peer-1", fields["peer_id"])
		assert.Equal(t, "transfer-1", fields["transfer_id"])
	}
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)
	cl := NewContextLogger(base)

	assert.Same(t, base, cl.WithContext(context.Background()))

	cl.Sugared(context.Background()).Infow("hello", "k", "v")
	assert.Equal(t, 1, logs.Len())
}
