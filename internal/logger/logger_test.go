package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("production", &buf)
	log.Info().Int("camera", 3).Msg("worker started")
	log.Debug().Msg("hidden")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "worker started" || entry["camera"] != float64(3) {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestDevelopmentLoggerIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("development", &buf)
	log.Debug().Msg("frame skipped")

	if !bytes.Contains(buf.Bytes(), []byte("frame skipped")) {
		t.Errorf("debug line missing: %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("development output should not be JSON")
	}
}
