package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestBootstrapHandler_FlushReplaysInOrder(t *testing.T) {
	bh := NewBootstrapHandler()
	early := slog.New(bh)

	early.Info("first")
	early.Warn("second")
	early.Info("third")

	var buf bytes.Buffer
	target := slog.NewJSONHandler(&buf, nil)
	if err := bh.Flush(context.Background(), target); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 replayed records, got %d: %q", len(lines), buf.String())
	}
	for i, want := range []string{"first", "second", "third"} {
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			t.Fatalf("unmarshal line %d: %v", i, err)
		}
		if entry["msg"] != want {
			t.Fatalf("line %d msg = %#v, want %q", i, entry["msg"], want)
		}
	}
}

func TestBootstrapHandler_FlushExactlyOnce(t *testing.T) {
	bh := NewBootstrapHandler()
	early := slog.New(bh)
	early.Info("only once")

	var buf bytes.Buffer
	target := slog.NewJSONHandler(&buf, nil)
	ctx := context.Background()
	if err := bh.Flush(ctx, target); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if err := bh.Flush(ctx, target); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	if got := strings.Count(buf.String(), "only once"); got != 1 {
		t.Fatalf("record replayed %d times, want 1", got)
	}
}

func TestBootstrapHandler_ForwardsAfterFlush(t *testing.T) {
	bh := NewBootstrapHandler()
	logger := slog.New(bh)
	logger.Info("buffered")

	var buf bytes.Buffer
	if err := bh.Flush(context.Background(), slog.NewJSONHandler(&buf, nil)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	logger.Info("direct")

	out := buf.String()
	if !strings.Contains(out, "buffered") || !strings.Contains(out, "direct") {
		t.Fatalf("expected both records in target, got %q", out)
	}
	if strings.Index(out, "buffered") > strings.Index(out, "direct") {
		t.Fatal("buffered record must precede post-flush record")
	}
}

func TestBootstrapHandler_WithAttrsSharedBuffer(t *testing.T) {
	bh := NewBootstrapHandler()
	logger := slog.New(bh).With("component", "startup")
	logger.Info("homed")

	var buf bytes.Buffer
	if err := bh.Flush(context.Background(), slog.NewJSONHandler(&buf, nil)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["component"] != "startup" {
		t.Fatalf("expected component attr to survive buffering, got %#v", entry)
	}
}

func TestBootstrapHandler_OverflowReported(t *testing.T) {
	bh := NewBootstrapHandler()
	logger := slog.New(bh)
	for i := 0; i < maxBootstrapRecords+5; i++ {
		logger.Info("spam")
	}

	var buf bytes.Buffer
	if err := bh.Flush(context.Background(), slog.NewJSONHandler(&buf, nil)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// Buffered cap plus the overflow notice.
	if len(lines) != maxBootstrapRecords+1 {
		t.Fatalf("expected %d lines, got %d", maxBootstrapRecords+1, len(lines))
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, "overflow") || !strings.Contains(last, `"dropped":5`) {
		t.Fatalf("expected overflow notice with dropped=5, got %q", last)
	}
}

func TestBootstrapHandler_FlushFiltersByTargetLevel(t *testing.T) {
	bh := NewBootstrapHandler()
	logger := slog.New(bh)
	logger.Debug("noise")
	logger.Error("signal")

	var buf bytes.Buffer
	target := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	if err := bh.Flush(context.Background(), target); err != nil {
		t.Fatalf("flush: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Fatal("debug record should be filtered by target level")
	}
	if !strings.Contains(out, "signal") {
		t.Fatal("error record should survive")
	}
}
