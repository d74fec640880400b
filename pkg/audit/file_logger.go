package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const currentFile = "audit.log"

// FileLogger appends events to a rotating JSON lines file
type FileLogger struct {
	dir      string
	maxSize  int64
	maxFiles int

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	Dir      string
	MaxSize  int64 // bytes; 0 means 100MB
	MaxFiles int   // rotated files to keep; 0 means 10
}

// NewFileLogger opens <dir>/audit.log for appending, creating dir if needed
func NewFileLogger(cfg FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	l := &FileLogger{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		maxFiles: cfg.MaxFiles,
		now:      time.Now,
	}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if l.maxFiles <= 0 {
		l.maxFiles = 10
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(filepath.Join(l.dir, currentFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

// rotate renames the current file aside and opens a fresh one. Callers hold mu.
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	rotated := filepath.Join(l.dir, fmt.Sprintf("audit-%s.log", l.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(filepath.Join(l.dir, currentFile), rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	if err := l.prune(); err != nil {
		return err
	}
	return l.open()
}

// prune drops the oldest rotated files beyond maxFiles. Rotated names sort
// chronologically.
func (l *FileLogger) prune() error {
	files, err := filepath.Glob(filepath.Join(l.dir, "audit-*.log"))
	if err != nil {
		return err
	}
	if len(files) <= l.maxFiles {
		return nil
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove old audit log: %w", err)
		}
	}
	return nil
}

// Log writes one event
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}

	if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the current file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadLogs returns up to count events from the current file; count <= 0 reads all
func ReadLogs(dir string, count int) ([]*Event, error) {
	file, err := os.Open(filepath.Join(dir, currentFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	dec := json.NewDecoder(file)
	for count <= 0 || len(events) < count {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}
