package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newBufferLogger(t *testing.T, level Level, f Formatter) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return NewLogger(WithLevel(level), WithFormatter(f), WithOutput(NewWriterOutput(&buf))), &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(t, WarnLevel, &TextFormatter{DisableTimestamp: true})
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
	l.SetLevel(DebugLevel)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("SetLevel ignored: %q", buf.String())
	}
}

func TestTextFormatterComponentAndFields(t *testing.T) {
	l, buf := newBufferLogger(t, DebugLevel, &TextFormatter{DisableTimestamp: true})
	l.WithComponent("runtime").Info("marking started", Int("threads", 4), Str("note", "two words"))
	got := buf.String()
	want := `INFO  [runtime] marking started note="two words" threads=4` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestJSONFormatter(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &JSONFormatter{})
	l.With(F("cycle", "abc")).Error("drain failed", Err(errors.New("boom")), Uint64("entries", 7))
	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if obj["level"] != "ERROR" || obj["msg"] != "drain failed" || obj["cycle"] != "abc" || obj["error"] != "boom" {
		t.Fatalf("unexpected object: %v", obj)
	}
	if obj["entries"] != float64(7) {
		t.Fatalf("entries: %v", obj["entries"])
	}
	if c, _ := obj["caller"].(string); !strings.Contains(c, "log_test.go") {
		t.Fatalf("caller should point at the test: %q", c)
	}
}

func TestDerivedLoggersDoNotLeakFields(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{DisableTimestamp: true})
	_ = l.WithField("child", 1)
	l.Info("root")
	if strings.Contains(buf.String(), "child") {
		t.Fatalf("parent picked up child field: %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{DisableTimestamp: true})
	ctx := context.WithValue(context.Background(), CycleKey, "c1")
	l.WithContext(ctx).Info("ctx")
	if !strings.Contains(buf.String(), "cycle=c1") {
		t.Fatalf("context key missing: %q", buf.String())
	}
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	l := NewLogger(WithOutput(NewWriterOutput(&buf)), WithExitFunc(func(c int) { code = c }))
	l.Fatal("bye")
	if code != 1 || !strings.Contains(buf.String(), `"FATAL"`) {
		t.Fatalf("code=%d output=%q", code, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestApplyConfig(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "error", Format: "text", Outputs: []string{"null"}})
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if l.GetLevel() != ErrorLevel {
		t.Fatalf("level %v", l.GetLevel())
	}
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestRedactionAndSampling(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true}), WithOutput(NewWriterOutput(&buf))).(*BaseLogger)
	h := newBridgeHandler(l).withRedactions([]string{"secret"}).withSampler(1, 2, 0)
	l.sl = slog.New(h)
	for i := 0; i < 4; i++ {
		l.Info("tick", Str("secret", "x"))
	}
	lines := strings.Count(buf.String(), "\n")
	// Records 0, 1 and 3 pass.
	if lines != 3 {
		t.Fatalf("sampled lines: %d\n%s", lines, buf.String())
	}
	if strings.Contains(buf.String(), "secret=x") || !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("redaction failed: %q", buf.String())
	}
}

func TestToStdLogger(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{DisableTimestamp: true})
	std := ToStdLogger(l, WarnLevel)
	std.Printf("http: %s", "oops")
	if !strings.Contains(buf.String(), "WARN  http: oops") {
		t.Fatalf("got %q", buf.String())
	}
	restore := RedirectStdLog(l)
	stdlog.Print("redirected")
	restore()
	if !strings.Contains(buf.String(), "INFO  redirected") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestSlogGroupsFlatten(t *testing.T) {
	l, buf := newBufferLogger(t, InfoLevel, &TextFormatter{DisableTimestamp: true})
	sl := l.(*BaseLogger).Slog().WithGroup("gc").With("phase", "mark")
	sl.Info("drained", slog.Group("queue", slog.Int("len", 3)), slog.Any("err", errors.New("boom")))
	got := buf.String()
	for _, want := range []string{"gc.phase=mark", "gc.queue.len=3", "gc.err=boom"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestSamplerWindowResets(t *testing.T) {
	s := newSampler(2, 100, time.Second)
	now := time.Unix(0, 0)
	s.now = func() time.Time { return now }
	var passed int
	for i := 0; i < 10; i++ {
		if s.allow(slog.LevelInfo, "tick") {
			passed++
		}
	}
	// Two initial records plus the first of the thereafter run.
	if passed != 3 {
		t.Fatalf("passed %d", passed)
	}
	if !s.allow(slog.LevelWarn, "tick") {
		t.Fatalf("levels share a counter")
	}
	now = now.Add(time.Second)
	if !s.allow(slog.LevelInfo, "tick") {
		t.Fatalf("window did not reset")
	}
}

func TestLevelText(t *testing.T) {
	b, err := json.Marshal(struct{ L Level }{WarnLevel})
	if err != nil || string(b) != `{"L":"warn"}` {
		t.Fatalf("marshal: %s %v", b, err)
	}
	var v struct{ L Level }
	if err := json.Unmarshal([]byte(`{"L":"Fatal"}`), &v); err != nil || v.L != FatalLevel {
		t.Fatalf("unmarshal: %v %v", v.L, err)
	}
	if err := json.Unmarshal([]byte(`{"L":"loud"}`), &v); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Level(42).MarshalText(); err == nil {
		t.Fatalf("expected error for out-of-range level")
	}
}

func TestRedactionInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{DisableTimestamp: true}), WithOutput(NewWriterOutput(&buf))).(*BaseLogger)
	l.sl = slog.New(newBridgeHandler(l).withRedactions([]string{"token", "auth.db.dsn"}))
	l.Slog().WithGroup("auth").With("token", "t1").Info("login", slog.Group("db", slog.String("dsn", "pg://x")), slog.String("user", "u"))
	got := buf.String()
	if strings.Contains(got, "t1") || strings.Contains(got, "pg://x") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "auth.user=u") {
		t.Fatalf("unredacted field missing: %q", got)
	}
}
