// Package eventlog is the persisted detection/upload audit trail:
// daily-rotating, size-capped JSONL files under
// data/event_logs/events_YYYY-MM-DD[_N].jsonl.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

type EventType string

const (
	EventDetection     EventType = "detection"
	EventUploadStarted EventType = "upload_started"
	EventUploadSuccess EventType = "upload_success"
	EventUploadFailed  EventType = "upload_failed"
	EventUploadRetry   EventType = "upload_retry"
	EventDeviceStatus  EventType = "device_status"
	EventSystemError   EventType = "system_error"
)

type Entry struct {
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	Timestamp  float64        `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	CameraID   string         `json:"camera_id,omitempty"`
	ClassName  string         `json:"class_name,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	BBox       []int          `json:"bbox,omitempty"`
	ImagePath  string         `json:"image_path,omitempty"`
	Location   map[string]any `json:"location,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// Logger is a thread-safe, rotating JSONL writer. New creates the log
// directory; files are opened lazily on the first write.
type Logger struct {
	mu sync.Mutex

	dir           string
	deviceID      string
	maxFileSizeMB int
	retentionDays int

	ids *entryIDGenerator

	currentDate string
	currentPath string
	file        *os.File

	logger *log.Logger
}

func New(dir, deviceID string, maxFileSizeMB, retentionDays int, logger *log.Logger) (*Logger, error) {
	if maxFileSizeMB <= 0 {
		maxFileSizeMB = 50
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &Logger{
		dir:           dir,
		deviceID:      deviceID,
		maxFileSizeMB: maxFileSizeMB,
		retentionDays: retentionDays,
		ids:           &entryIDGenerator{},
		logger:        logger,
	}, nil
}

// entryIDGenerator mints decimal ids for the two entry kinds that have no
// caller-supplied event id of their own (device-status, system-error): a
// bare millisecond timestamp risks collisions if two entries land in the
// same millisecond, so a per-millisecond sequence is appended and reset
// whenever the millisecond advances.
type entryIDGenerator struct {
	mu        sync.Mutex
	lastMilli int64
	seq       int64
}

func (g *entryIDGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == g.lastMilli {
		g.seq++
	} else {
		g.lastMilli = now
		g.seq = 0
	}
	return fmt.Sprintf("%d%06d", now, g.seq)
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// currentFile returns the file to write to, rotating on date change or
// size cap, matching events_{date}[_{i}].jsonl.
func (l *Logger) currentFile() (*os.File, error) {
	today := time.Now().Format("2006-01-02")

	needsNewDate := l.currentDate != today
	needsRotateForSize := false
	if !needsNewDate && l.currentPath != "" {
		if info, err := os.Stat(l.currentPath); err == nil {
			if info.Size() >= int64(l.maxFileSizeMB)*1024*1024 {
				needsRotateForSize = true
			}
		}
	}

	if needsNewDate {
		l.currentDate = today
		l.currentPath = filepath.Join(l.dir, fmt.Sprintf("events_%s.jsonl", today))
	} else if needsRotateForSize {
		i := 1
		for {
			candidate := filepath.Join(l.dir, fmt.Sprintf("events_%s_%d.jsonl", today, i))
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				l.currentPath = candidate
				break
			}
			i++
		}
	} else if l.file != nil {
		return l.file, nil
	}

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(l.currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	return f, nil
}

func (l *Logger) write(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.currentFile()
	if err != nil {
		l.logger.Errorw("failed to open event log file", "error", err)
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		l.logger.Errorw("failed to marshal event log entry", "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		l.logger.Errorw("failed to write event log entry", "error", err)
	}
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (l *Logger) LogDetection(eventID, className string, confidence float64, bbox []int, cameraID, imagePath string, location, metadata map[string]any) {
	l.write(Entry{
		EventID:    eventID,
		EventType:  EventDetection,
		Timestamp:  nowEpoch(),
		DeviceID:   l.deviceID,
		CameraID:   cameraID,
		ClassName:  className,
		Confidence: &confidence,
		BBox:       bbox,
		ImagePath:  imagePath,
		Location:   location,
		Metadata:   orEmpty(metadata),
	})
}

func (l *Logger) LogUploadStarted(eventID string, metadata map[string]any) {
	l.write(Entry{EventID: eventID, EventType: EventUploadStarted, Timestamp: nowEpoch(), DeviceID: l.deviceID, Metadata: orEmpty(metadata)})
}

func (l *Logger) LogUploadSuccess(eventID string, response map[string]any) {
	meta := map[string]any{}
	if response != nil {
		meta["response"] = response
	}
	l.write(Entry{EventID: eventID, EventType: EventUploadSuccess, Timestamp: nowEpoch(), DeviceID: l.deviceID, Metadata: meta})
}

func (l *Logger) LogUploadFailed(eventID, errText string, attempt int) {
	l.write(Entry{
		EventID: eventID, EventType: EventUploadFailed, Timestamp: nowEpoch(), DeviceID: l.deviceID,
		Metadata: map[string]any{"error": errText, "attempt": attempt},
	})
}

func (l *Logger) LogUploadRetry(eventID string, attempt int, nextRetrySeconds float64) {
	l.write(Entry{
		EventID: eventID, EventType: EventUploadRetry, Timestamp: nowEpoch(), DeviceID: l.deviceID,
		Metadata: map[string]any{"attempt": attempt, "next_retry_seconds": nextRetrySeconds},
	})
}

func (l *Logger) LogDeviceStatus(metadata map[string]any) {
	l.write(Entry{
		EventID: l.ids.next(), EventType: EventDeviceStatus, Timestamp: nowEpoch(), DeviceID: l.deviceID,
		Metadata: orEmpty(metadata),
	})
}

func (l *Logger) LogSystemError(errText, component string, metadata map[string]any) {
	meta := map[string]any{"error": errText, "component": component}
	for k, v := range metadata {
		meta[k] = v
	}
	l.write(Entry{EventID: l.ids.next(), EventType: EventSystemError, Timestamp: nowEpoch(), DeviceID: l.deviceID, Metadata: meta})
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// CleanupOldLogs removes log files whose modification time predates the
// retention window, returning the count deleted.
func (l *Logger) CleanupOldLogs() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(l.retentionDays) * 24 * time.Hour)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, e.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}
