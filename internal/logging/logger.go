package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FleetLog represents a single service lifecycle log entry. The engine
// writes one per service that fails permanently (after its restart
// budget); contextualized and terminated outcomes are not logged here.
type FleetLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service"`
	Level      int       `json:"level"`
	Phase      string    `json:"phase"` // the engine writes "poll"
	DurationMs int64     `json:"duration_ms"`
	Restarts   int       `json:"restarts,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Logger handles service lifecycle logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
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

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a service lifecycle log entry.
func (l *Logger) Log(entry *FleetLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		restart := ""
		if entry.Restarts > 0 {
			restart = fmt.Sprintf(" [restart:%d]", entry.Restarts)
		}
		fmt.Printf("[service] %s %s level=%d phase=%s %dms%s\n",
			status, entry.Service, entry.Level, entry.Phase, entry.DurationMs, restart)
		if entry.Error != "" {
			fmt.Printf("[service]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
