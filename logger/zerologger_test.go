package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer, level LogLevel) Logger {
	return NewZerologLogger(&Config{
		Level:   level,
		Format:  JSONFormat,
		Outputs: []io.Writer{buf},
	})
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestZerologLogger_TypedFields(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, DebugLevel)

	log.Info("login", String("user_id", "u1"), Int("attempt", 2), Bool("unrestricted", true), Err(errors.New("boom")))

	line := decodeLine(t, &buf)
	assert.Equal(t, "login", line["message"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, float64(2), line["attempt"])
	assert.Equal(t, true, line["unrestricted"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "info", line["level"])
}

func TestZerologLogger_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, InfoLevel)

	log.Info("created", String("secret", "s3cr3t"), Any("password", "hunter2"))

	line := decodeLine(t, &buf)
	assert.Equal(t, redacted, line["secret"])
	assert.Equal(t, redacted, line["password"])
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestZerologLogger_WithFieldsRedacts(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, InfoLevel).WithFields(String("token", "lt.abc"), String("request_id", "r1"))

	log.Info("handled")

	line := decodeLine(t, &buf)
	assert.Equal(t, redacted, line["token"])
	assert.Equal(t, "r1", line["request_id"])
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, WarnLevel)

	log.Info("dropped")
	log.Debug("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.IsLevelEnabled(InfoLevel))
	assert.True(t, log.IsLevelEnabled(ErrorLevel))

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestZerologLogger_SubsystemNesting(t *testing.T) {
	var buf bytes.Buffer
	log := jsonLogger(&buf, InfoLevel).WithSubsystem("core").WithSubsystem("token")

	log.Info("issued")

	line := decodeLine(t, &buf)
	assert.Equal(t, "core.token", line["module"])
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"trace":   TraceLevel,
		"DEBUG":   DebugLevel,
		"warning": WarnLevel,
		"err":     ErrorLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
	assert.Equal(t, JSONFormat, ParseOutputFormat("json"))
	assert.Equal(t, ConsoleFormat, ParseOutputFormat("standard"))
}
