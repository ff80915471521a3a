package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, "device-1", 1, 30, log.NewLogger(true))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func readEntries(t *testing.T, dir string) []Entry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []Entry
	for _, e := range entries {
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("open %s: %v", e.Name(), err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var entry Entry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				t.Fatalf("unmarshal entry: %v", err)
			}
			out = append(out, entry)
		}
	}
	return out
}

func TestLogUploadLifecycleWritesJSONLEntries(t *testing.T) {
	l := newTestLogger(t)
	dir := l.dir

	l.LogUploadStarted("evt-1", map[string]any{"topic": "detections"})
	l.LogUploadSuccess("evt-1", map[string]any{"success": true})
	l.LogUploadFailed("evt-2", "timeout", 1)

	entries := readEntries(t, dir)
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}

	byType := map[EventType]int{}
	for _, e := range entries {
		byType[e.EventType]++
		if e.DeviceID != "device-1" {
			t.Errorf("expected device id device-1, got %s", e.DeviceID)
		}
	}
	if byType[EventUploadStarted] != 1 || byType[EventUploadSuccess] != 1 || byType[EventUploadFailed] != 1 {
		t.Errorf("unexpected event type distribution: %+v", byType)
	}
}

func TestLogSystemErrorGeneratesID(t *testing.T) {
	l := newTestLogger(t)
	l.LogSystemError("disk full", "store", map[string]any{"path": "/data"})

	entries := readEntries(t, l.dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventID == "" {
		t.Error("expected a generated event id for a system error entry")
	}
	if entries[0].Metadata["component"] != "store" {
		t.Errorf("expected component metadata to be preserved, got %v", entries[0].Metadata["component"])
	}
}

func TestCleanupOldLogsKeepsFreshFiles(t *testing.T) {
	l := newTestLogger(t)
	l.LogDeviceStatus(map[string]any{"status": "ok"})

	// Freshly written files are within retention, so nothing is removed.
	n, err := l.CleanupOldLogs()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no files removed for fresh logs, got %d", n)
	}
}
