package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithSession(context.Background(), "s-1")
	ctx = WithPeer(ctx, "alice@10.0.0.1")
	cl.LogWarn(ctx, "stale accept")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "s-1", fields["session"])
		assert.Equal(t, "alice@10.0.0.1", fields["peer"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestContextLogger_NoFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogError(context.Background(), errors.New("boom"), "relay failed")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "relay failed", entries[0].Message)
		assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	}
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New("not-a-level")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("warn", &buf)
	l.Info("hidden")
	l.Warn("peer dropped", zap.String("peer", "bob@10.0.0.2"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "peer dropped")
	assert.Contains(t, out, "bob@10.0.0.2")
}
