package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error level", "error", LevelError},
		{"off", "off", LevelNone},
		{"uppercase trace", "TRACE", LevelTrace},
		{"mixed case debug", "DeBuG", LevelDebug},
		{"empty string", "", LevelDebug},
		{"invalid value", "invalid", LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(LevelEnvName, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestLogLevelConstants(t *testing.T) {
	assert.Equal(t, LogLevel(0), LevelTrace)
	assert.Equal(t, LogLevel(1), LevelDebug)
	assert.Equal(t, LogLevel(2), LevelInfo)
	assert.Equal(t, LogLevel(3), LevelWarn)
	assert.Equal(t, LogLevel(4), LevelError)
	assert.Equal(t, LogLevel(5), LevelNone)
}

func TestWithKV(t *testing.T) {
	testLogger := NewTestLogger()
	kvLogger, ok := WithKV(testLogger, "connectionId", "abc").(*TestLogger)
	assert.True(t, ok)
	assert.Equal(t, "abc", kvLogger.metadata["connectionId"])

	kvLogger.Info("session %s opened", "abc")
	logs := testLogger.Logs()
	assert.Len(t, logs, 1)
	assert.Equal(t, "session abc opened", logs[0].String())
}
