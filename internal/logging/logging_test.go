package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerRendersComponentAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := Component(NewCLI(&buf, slog.LevelDebug), "container").With("handle", "abc")
	logger.Info("created container", "id", "deadbeef", "error", errors.New("boom now"))

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line = %q, want INFO prefix", line)
	}
	if !strings.Contains(line, "| [container] created container") {
		t.Fatalf("line = %q, want component before message", line)
	}
	for _, want := range []string{" handle=abc", " id=deadbeef", ` error="boom now"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line = %q, missing %q", line, want)
		}
	}
}

func TestCLIHandlerGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, nil).WithGroup("port")
	logger.Info("reserved", "requested", 3000, "bound", 3000)

	line := buf.String()
	if !strings.Contains(line, " port.requested=3000") || !strings.Contains(line, " port.bound=3000") {
		t.Fatalf("line = %q, want grouped keys", line)
	}
}

func TestCLIHandlerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewCLI(&buf, &level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug record missing after lowering level: %q", buf.String())
	}
}

func TestJSONMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewJSON(&buf, nil).Info("hello", "handle", "h1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode json record: %v", err)
	}
	if record["msg"] != "hello" || record["handle"] != "h1" {
		t.Fatalf("record = %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "warning", want: slog.LevelWarn},
		{input: " err ", want: slog.LevelError},
		{input: "verbose", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseLevel(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseLevel(%q) error = nil, want error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	if Ensure(nil) != slog.Default() {
		t.Fatal("Ensure(nil) should return slog.Default()")
	}
	logger := Discard()
	if Ensure(logger) != logger {
		t.Fatal("Ensure should return the provided logger")
	}
}
