package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailqueue/pkg/trace"
)

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "loud"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Core().Enabled(zap.DebugLevel) {
		t.Fatalf("debug should be disabled at info level")
	}
	if !l.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("info should be enabled")
	}
}

func TestWithTrace_AddsTraceID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := trace.WithContext(context.Background(), "abc123")
	WithTrace(ctx, base).Info("hello")
	WithTrace(context.Background(), base).Info("no trace")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d want 2", len(entries))
	}
	if got := entries[0].ContextMap()["trace_id"]; got != "abc123" {
		t.Fatalf("trace_id: got %v", got)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Fatalf("unexpected trace_id on untraced entry")
	}
}
