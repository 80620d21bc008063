package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewFormat(&buf, "warn", FormatJSON)
	log.Info().Msg("hidden")
	log.Warn().Str("path", "a.mpaz").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["message"] != "shown" || rec["path"] != "a.mpaz" || rec["level"] != "warn" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNew_DefaultsAndConsole(t *testing.T) {
	var buf bytes.Buffer
	log := NewFormat(&buf, "loud", FormatConsole)
	log.Debug().Msg("hidden")
	log.Info().Msg("hello")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "hello") {
		t.Fatalf("output = %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected console output, got %q", out)
	}
}

func TestFormatFor(t *testing.T) {
	t.Setenv("MPAZ_LOG_FORMAT", "")
	if f := FormatFor(&bytes.Buffer{}); f != FormatJSON {
		t.Fatalf("format = %s", f)
	}
	t.Setenv("MPAZ_LOG_FORMAT", "console")
	if f := FormatFor(&bytes.Buffer{}); f != FormatConsole {
		t.Fatalf("format = %s", f)
	}
}
