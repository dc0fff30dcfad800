// Package logging provides structured JSON event logging for the
// execution engine.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryModel   Category = "model"
	CategoryRetry   Category = "retry"
	CategoryBreaker Category = "breaker"
	CategoryBudget  Category = "budget"
	CategoryStore   Category = "store"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	CallID    string         `json:"call_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured events as JSON lines.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel Level
	callID   string
	tenantID string
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a logger writing to out; nil defaults to stderr.
func New(out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{out: out, minLevel: LevelInfo}
}

// SetMinLevel drops events below level.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// WithCall returns a child logger stamping call and tenant ids on
// every event. The child shares the parent's writer.
func (l *Logger) WithCall(callID, tenantID string) *Logger {
	if l == nil {
		return nil
	}
	child := &Logger{
		out:      l.out,
		minLevel: l.minLevel,
		callID:   callID,
		tenantID: tenantID,
	}
	return child
}

// LogEvent writes one structured event.
func (l *Logger) LogEvent(level Level, category Category, eventType string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	event := Event{
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		EventType: eventType,
		CallID:    l.callID,
		TenantID:  l.tenantID,
		Details:   details,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = l.out.Write(line)
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, details map[string]any) {
	l.LogEvent(LevelDebug, category, eventType, details)
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, details map[string]any) {
	l.LogEvent(LevelInfo, category, eventType, details)
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, details map[string]any) {
	l.LogEvent(LevelWarn, category, eventType, details)
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, details map[string]any) {
	l.LogEvent(LevelError, category, eventType, details)
}
