package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger implements the Logger interface on top of an OpenTelemetry log.Logger
type otelLogger struct {
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
	context    context.Context
	child      Logger
}

var _ Logger = (*otelLogger)(nil)

func (o *otelLogger) clone(kv map[string]log.Value) *otelLogger {
	prefixes := make([]string, 0, len(o.prefixes))
	prefixes = append(prefixes, o.prefixes...)
	return &otelLogger{
		prefixes:   prefixes,
		metadata:   kv,
		logLevel:   o.logLevel,
		otelLogger: o.otelLogger,
		context:    o.context,
		child:      o.child,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone(o.metadata)
	clone.prefixes = append(clone.prefixes, prefix)
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// WithContext binds ctx so emitted records carry its span
func (o *otelLogger) WithContext(ctx context.Context) Logger {
	clone := o.clone(o.metadata)
	clone.context = ctx
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// With will return a new logger using metadata as the base context
func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]log.Value, len(o.metadata)+len(metadata))
	for k, v := range o.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = toLogValue(v)
	}
	clone := o.clone(kv)
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (o *otelLogger) log(level LogLevel, severity log.Severity, msg string, args ...interface{}) {
	if level < o.logLevel {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if len(o.prefixes) > 0 {
		msg = strings.Join(o.prefixes, " ") + " " + msg
	}

	now := time.Now()
	record := log.Record{}
	record.SetBody(log.StringValue(msg))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetObservedTimestamp(now)
	record.SetTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}

	ctx := o.context
	if ctx == nil {
		ctx = context.Background()
	}
	o.otelLogger.Emit(ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, log.SeverityTrace, msg, args...)
	if o.child != nil {
		o.child.Trace(msg, args...)
	}
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, log.SeverityDebug, msg, args...)
	if o.child != nil {
		o.child.Debug(msg, args...)
	}
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, log.SeverityInfo, msg, args...)
	if o.child != nil {
		o.child.Info(msg, args...)
	}
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, log.SeverityWarn, msg, args...)
	if o.child != nil {
		o.child.Warn(msg, args...)
	}
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
}

func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityFatal, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (o *otelLogger) Stack(next Logger) Logger {
	clone := o.clone(o.metadata)
	clone.child = next
	return clone
}

// NewOtelLogger returns a Logger that emits records to the given OpenTelemetry logger
func NewOtelLogger(otelsLogger log.Logger, level LogLevel) Logger {
	return &otelLogger{
		otelLogger: otelsLogger,
		logLevel:   level,
		context:    context.Background(),
	}
}
