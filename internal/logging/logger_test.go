package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig = Config{}
	isInitialized = false
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()

	// Initialize with global info level, but supervisor module at debug
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"supervisor": "debug",
			"signals":    "warn",
		},
	})

	tests := []struct {
		module      string
		wantDebug   bool
		wantInfo    bool
		wantWarn    bool
		description string
	}{
		{"supervisor", true, true, true, "supervisor module should log debug (override to debug)"},
		{"signals", false, false, true, "signals module should only log warn (override to warn)"},
		{"other", false, true, true, "other module should log info (global default)"},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			logger := GetLogger(tt.module)
			handler := logger.Handler()

			gotDebug := handler.Enabled(context.Background(), slog.LevelDebug)
			gotInfo := handler.Enabled(context.Background(), slog.LevelInfo)
			gotWarn := handler.Enabled(context.Background(), slog.LevelWarn)

			if gotDebug != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, gotDebug, tt.wantDebug)
			}
			if gotInfo != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, gotInfo, tt.wantInfo)
			}
			if gotWarn != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestDebugLogsActuallyWritten(t *testing.T) {
	var buf bytes.Buffer

	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler).With("module", "supervisor")

	logger.Debug("test debug message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test debug message") {
		t.Errorf("Debug message not written. Output: %s", output)
	}
	if !strings.Contains(output, "level=DEBUG") {
		t.Errorf("Debug level not in output. Output: %s", output)
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	// Create two handlers - one with debug, one with info
	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	multi := NewMultiHandler(debugHandler, infoHandler)
	logger := slog.New(multi).With("module", "test")

	// Debug record should appear once (only debugHandler accepts it)
	logger.Debug("debug only message")

	output := buf.String()
	if !strings.Contains(output, "debug only message") {
		t.Errorf("Debug message not written via MultiHandler. Output: %s", output)
	}

	count := strings.Count(output, "debug only message")
	if count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	// Get logger BEFORE Initialize - should default to info level
	loggerBefore := GetLogger("health")
	handlerBefore := loggerBefore.Handler()

	if handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger created before Initialize should NOT have debug enabled")
	}

	// Now Initialize with debug level for health
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"health": "debug",
		},
	})

	// The shared LevelVar was updated, so the pre-Initialize handler now
	// accepts debug records too.
	if !handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Pre-Initialize handler should have debug enabled after Initialize updates LevelVar")
	}

	loggerAfter := GetLogger("health")
	if !loggerAfter.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger fetched after Initialize should have debug enabled")
	}
}

func TestJournalFieldFlattening(t *testing.T) {
	fields := make(map[string]string)
	flattenAttr(fields, slog.String("worker", "abc123"), nil)
	flattenAttr(fields, slog.Int("pid", 4242), nil)
	flattenAttr(fields, slog.Bool("graceful", true), nil)
	flattenAttr(fields, slog.Group("pool", slog.Int("target", 3)), nil)
	flattenAttr(fields, slog.String("status", "draining"), []string{"pool"})

	want := map[string]string{
		"WORKER":      "abc123",
		"PID":         "4242",
		"GRACEFUL":    "true",
		"POOL_TARGET": "3",
		"POOL_STATUS": "draining",
	}
	for key, value := range want {
		if fields[key] != value {
			t.Errorf("fields[%q] = %q, want %q", key, fields[key], value)
		}
	}
	if len(fields) != len(want) {
		t.Errorf("fields = %v, want exactly %v", fields, want)
	}
}

func TestJournalPriorityMapping(t *testing.T) {
	if journalPriority(slog.LevelError) == journalPriority(slog.LevelInfo) {
		t.Error("error and info map to the same journal priority")
	}
	if journalPriority(slog.LevelDebug) == journalPriority(slog.LevelWarn) {
		t.Error("debug and warn map to the same journal priority")
	}
}

type failingHandler struct {
	slog.Handler
}

func (f failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (f failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("sink unavailable")
}

func TestMultiHandlerKeepsDeliveringOnError(t *testing.T) {
	var buf bytes.Buffer
	ok := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	multi := NewMultiHandler(failingHandler{}, ok)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "pool started", 0)
	if err := multi.Handle(context.Background(), rec); err == nil {
		t.Error("Handle swallowed the failing handler's error")
	}
	if !strings.Contains(buf.String(), "pool started") {
		t.Errorf("healthy handler skipped after a failing sibling. Output: %s", buf.String())
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
			} else {
				if got == nil {
					t.Errorf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
				} else if *got != tt.want {
					t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
				}
			}
		})
	}
}
