// Package server writes the append-only, timestamped event log. The log is
// write-only: nothing in the server ever reads it back.
package server

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// EventLog appends timestamped event lines to a file and mirrors them to the
// process logger. A nil *EventLog discards events, which keeps call sites
// unconditional.
type EventLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenEventLog opens (or creates) the log file in append-only mode. An empty
// path yields a log that mirrors to the process logger only.
func OpenEventLog(path string) (*EventLog, error) {
	if path == "" {
		return &EventLog{}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{f: f}, nil
}

// Eventf appends one formatted event line.
func (l *EventLog) Eventf(format string, args ...any) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)

	if l.f == nil {
		return
	}
	line := time.Now().Format("2006-01-02 15:04:05") + " - " + msg + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.f.WriteString(line)
}

// Close releases the underlying log file.
func (l *EventLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}
