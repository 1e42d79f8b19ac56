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
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(String("component", "registry"))

	log.Debug(context.Background(), "robot updated",
		String("robot_id", "r1"),
		Int("ticks", 3),
		Float("battery_pct", 9.5),
		Bool("reassignable", false),
		Err(errors.New("boom")),
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":          "robot updated",
		"level":        "DEBUG",
		"component":    "registry",
		"robot_id":     "r1",
		"ticks":        float64(3),
		"battery_pct":  9.5,
		"reassignable": false,
		"error":        "boom",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	ctx := context.Background()

	log.Debug(ctx, "hidden")
	log.Info(ctx, "hidden")
	log.Warn(ctx, "shown-warn")
	log.Error(ctx, "shown-error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("below-level entries were written: %q", out)
	}
	if !strings.Contains(out, "shown-warn") || !strings.Contains(out, "shown-error") {
		t.Fatalf("expected warn and error entries: %q", out)
	}
}

func TestErrNil(t *testing.T) {
	if f := Err(nil); f.Key != "error" || f.Value != "" {
		t.Fatalf("Err(nil) = %+v", f)
	}
}

func TestRequestIDHelpers(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("EnsureRequestID did not store an id")
	}
	again, same := EnsureRequestID(ctx)
	if same != id || again != ctx {
		t.Fatalf("EnsureRequestID replaced an existing id")
	}

	ctx = ContextWithRequestID(context.Background(), "abc")
	var buf bytes.Buffer
	ctx, log := WithRequestLogger(ctx, New(Config{Format: "json", Output: &buf}))
	log.Info(ctx, "hello")
	if !strings.Contains(buf.String(), `"request_id":"abc"`) {
		t.Fatalf("request logger missing request_id: %q", buf.String())
	}

	if RequestIDFromContext(context.Background()) != "" {
		t.Fatalf("empty context reports a request id")
	}
}

func TestNoopLogger(t *testing.T) {
	log := Noop().With(String("k", "v"))
	log.Info(context.Background(), "dropped")
	_, l := WithRequestLogger(context.Background(), nil)
	l.Error(context.Background(), "dropped")
}
