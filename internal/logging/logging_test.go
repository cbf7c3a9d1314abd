package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Format: "json", Output: &buf})
	l.With(String("load", "abc")).Warn(context.Background(), "mesh missing", Err(errors.New("nope")), Int("n", 2))

	out := buf.String()
	for _, want := range []string{`"msg":"mesh missing"`, `"load":"abc"`, `"error":"nope"`, `"n":2`, `"level":"WARN"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestRequestLoggerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Output: &buf})
	ctx, l := WithRequestLogger(context.Background(), base)
	if FromContext(ctx, nil) != l {
		t.Errorf("logger not stored on context")
	}
	l.Info(ctx, "hello")
	if !strings.Contains(buf.String(), `"request_id"`) {
		t.Errorf("missing request_id in %s", buf.String())
	}
	if _, ok := FromContext(context.Background(), nil).(noopLogger); !ok {
		t.Errorf("expected noop fallback")
	}
}

func TestNewFromEnv(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "json")
	l := NewFromEnv("error", &buf)
	l.Warn(context.Background(), "dropped")
	l.Error(context.Background(), "kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), `"msg":"kept"`) {
		t.Errorf("default level not applied: %q", buf.String())
	}

	buf.Reset()
	t.Setenv("LOG_LEVEL", "debug")
	NewFromEnv("error", &buf).Debug(context.Background(), "visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("LOG_LEVEL not honored: %q", buf.String())
	}
}
