package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("component", "sched")).Debug(context.Background(), "dispatching event",
		Int64("at", 7),
		Int("priority", 3),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "dispatching event" || rec["component"] != "sched" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["at"] != float64(7) || rec["priority"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("fields not recorded: %v", rec)
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("level filtering wrong, output: %q", out)
	}
}

func TestWithRunLoggerReusesRunID(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRunID returned empty id")
	}
	if again, id2 := EnsureRunID(ctx); id2 != id || RunIDFromContext(again) != id {
		t.Fatalf("EnsureRunID generated a second id %q (first %q)", id2, id)
	}

	var buf bytes.Buffer
	ctx, log := WithRunLogger(ctx, New(Config{Format: "json", Output: &buf}))
	log.Info(ctx, "started")
	if !strings.Contains(buf.String(), id) {
		t.Fatalf("run logger output %q missing run id %q", buf.String(), id)
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
	ctx := ContextWithLogger(context.Background(), nil)
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("ContextWithLogger(nil) should store a noop logger")
	}
}
