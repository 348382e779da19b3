package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
}

// String returns the formatted message
func (e TestLogEntry) String() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testLogs struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. It is safe for concurrent use and
// loggers derived with With share the same log buffer.
type TestLogger struct {
	metadata map[string]interface{}
	logs     *testLogs
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, logs: c.logs, child: child}
}

// Logs returns a snapshot of the recorded entries
func (c *TestLogger) Logs() []TestLogEntry {
	c.logs.mu.Lock()
	defer c.logs.mu.Unlock()
	out := make([]TestLogEntry, len(c.logs.entries))
	copy(out, c.logs.entries)
	return out
}

// Contains reports whether any entry at severity has a formatted message containing substr
func (c *TestLogger) Contains(severity string, substr string) bool {
	for _, entry := range c.Logs() {
		if entry.Severity == severity && strings.Contains(entry.String(), substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) Log(level string, msg string, args ...interface{}) {
	c.logs.mu.Lock()
	c.logs.entries = append(c.logs.entries, TestLogEntry{level, msg, args})
	c.logs.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.Log("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.Log("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.Log("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.Log("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.Log("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

// Fatal records the entry without exiting so tests can assert on it
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.Log("FATAL", msg, args...)
	if c.child != nil {
		c.child.Fatal(msg, args...)
	}
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, logs: c.logs, child: next}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{logs: &testLogs{}}
}
