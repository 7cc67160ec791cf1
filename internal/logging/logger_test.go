package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "portald.log")

	logger, err := New(path, "main", "portald")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	for key, want := range map[string]string{"msg": "hello", "session": "main", "component": "portald"} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Setenv("PORTALCHAT_LOG_LEVEL", "loud")
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "portald"); err == nil {
		t.Error("New() expected error for unknown level")
	}
}
