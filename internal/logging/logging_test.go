package logging

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

var linePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} \[[A-Z]+\] `)

func newTestLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(level)
	return slog.New(NewHandler(&buf, lv)), &buf
}

func TestLineFormat(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelDebug)

	logger.Info("server listening", "port", 8080)

	line := buf.String()
	if !linePattern.MatchString(line) {
		t.Fatalf("line %q does not match timestamp prefix", line)
	}
	if !strings.Contains(line, "[INFO] server listening port=8080") {
		t.Errorf("unexpected line body: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line not newline terminated: %q", line)
	}
}

func TestLevelNames(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelDebug)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	for _, want := range []string{"[DEBUG] d", "[INFO] i", "[WARN] w", "[ERROR] e"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, lv))

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered levels leaked: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn line missing: %s", out)
	}

	// Raising verbosity at runtime takes effect immediately.
	lv.Set(slog.LevelDebug)
	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("runtime level change ignored")
	}
}

func TestQuotedValues(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelDebug)

	logger.Info("msg", "path", "/api/v1/device/report", "err", "connect failed: timeout")

	out := buf.String()
	if !strings.Contains(out, `path=/api/v1/device/report`) {
		t.Errorf("plain value should not be quoted: %s", out)
	}
	if !strings.Contains(out, `err="connect failed: timeout"`) {
		t.Errorf("value with spaces should be quoted: %s", out)
	}
}

func TestWithAttrsAndGroups(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelDebug)

	logger.With("component", "pool").WithGroup("mysql").Info("ready", "host", "db1")

	out := buf.String()
	if !strings.Contains(out, "component=pool") {
		t.Errorf("WithAttrs attr missing: %s", out)
	}
	if !strings.Contains(out, "mysql.host=db1") {
		t.Errorf("group prefix missing: %s", out)
	}
}

func TestConcurrentLinesAtomic(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelDebug)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("concurrent line write", "worker", j)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 8*50 {
		t.Fatalf("expected %d lines, got %d", 8*50, len(lines))
	}
	for _, line := range lines {
		if !linePattern.MatchString(line) {
			t.Fatalf("interleaved or malformed line: %q", line)
		}
	}
}

func TestHandleDirectRecord(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, nil)

	r := slog.NewRecord(time.Date(2024, 3, 1, 12, 30, 45, 0, time.Local), slog.LevelInfo, "fixed", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := "2024-03-01 12:30:45 [INFO] fixed\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
