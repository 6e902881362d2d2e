package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ProgressSample is a single transfer-progress observation. One line is
// appended per sample; the file is rotated by the operator, never by the
// daemon.
type ProgressSample struct {
	Timestamp  time.Time `json:"timestamp"`
	TransferID string    `json:"transfer_id"`
	URL        string    `json:"url,omitempty"`
	Bytes      int64     `json:"bytes"`
	Total      int64     `json:"total,omitempty"`
	BytesPerS  int64     `json:"bytes_per_s"`
	Paused     bool      `json:"paused,omitempty"`
	Done       bool      `json:"done,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ProgressLogger appends transfer-progress samples to a trace file. All
// transports share one instance; writes are serialized.
type ProgressLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var progressLogger = &ProgressLogger{enabled: true}

// Progress returns the shared progress logger.
func Progress() *ProgressLogger {
	return progressLogger
}

// SetOutput points the progress trace at a file, replacing any previous one.
func (l *ProgressLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables human-readable console echo of samples.
func (l *ProgressLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log appends one sample.
func (l *ProgressLogger) Log(sample *ProgressSample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	sample.Timestamp = time.Now()

	if l.console {
		state := ""
		if sample.Paused {
			state = " [paused]"
		}
		if sample.Done {
			state = " [done]"
		}
		fmt.Printf("[dwnl] %s %d/%d bytes %d B/s%s\n",
			sample.TransferID, sample.Bytes, sample.Total, sample.BytesPerS, state)
		if sample.Error != "" {
			fmt.Printf("[dwnl]   error: %s\n", sample.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(sample)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the trace file.
func (l *ProgressLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
