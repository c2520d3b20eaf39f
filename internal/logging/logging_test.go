package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"testing"
)

func TestSetupWriterRenamesKeys(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	logger := SetupWriter(&buf, "trusttoken-node", "test", "debug")
	logger.Debug("refill tick", "issuer", "https://issuer.example")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["message"] != "refill tick" || line["severity"] != "DEBUG" {
		t.Fatalf("unexpected keys: %v", line)
	}
	if line["service"] != "trusttoken-node" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}

func TestSetupWriterBridgesStdLog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	SetupWriter(&buf, "tokenctl", "", "info")
	log.Printf("legacy line")
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"legacy line"`)) {
		t.Fatalf("std log not bridged: %q", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"env"`)) {
		t.Fatalf("empty env should be omitted: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("%q: got %v want %v", raw, got, want)
		}
	}
}
