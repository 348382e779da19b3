package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// JSONLogEntry is one line of structured output.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// String renders an entry as a single JSON line.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q,"severity":"ERROR"}`, err.Error())
	}
	return string(out)
}

type jsonLogger struct {
	metadata map[string]interface{}
	prefixes []string
	out      io.Writer
	logLevel LogLevel
	now      func() time.Time
	child    Logger
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	prefixes := make([]string, len(c.prefixes))
	copy(prefixes, c.prefixes)
	return &jsonLogger{
		metadata: metadata,
		prefixes: prefixes,
		out:      c.out,
		logLevel: c.logLevel,
		now:      c.now,
		child:    c.child,
	}
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	clone.prefixes = append(clone.prefixes, strings.Trim(prefix, "[]"))
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Severity:  severity,
		Component: strings.Join(c.prefixes, ", "),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	fmt.Fprintln(c.out, entry.String())
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, "TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, "INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "CRITICAL", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLogger returns a new Logger instance which writes one JSON object per line to stdout
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return NewJSONLoggerWithWriter(os.Stdout, level)
}

// NewJSONLoggerWithWriter returns a JSON logger that writes to out
func NewJSONLoggerWithWriter(out io.Writer, level LogLevel) Logger {
	return &jsonLogger{out: out, logLevel: level, now: time.Now, metadata: map[string]interface{}{}}
}
