// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/browserpilot/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("console output is colorized and named", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "blue"},
		}, zapcore.AddSync(&buf))

		logger.Info("This is a test message.")
		require.NoError(t, logger.Sync())

		output := buf.String()
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, "TestService.")
		assert.Contains(t, output, colorMap["blue"]+"INFO"+colorReset)
	})

	t.Run("blank colors fall back to defaults", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "warn", Format: "console"}, zapcore.AddSync(&buf))

		logger.Warn("careful")
		logger.Info("filtered out")

		output := buf.String()
		assert.Contains(t, output, colorMap["yellow"]+"WARN"+colorReset)
		assert.NotContains(t, output, "filtered out")
	})

	t.Run("json output is structured", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

		logger.Info("structured", zap.String("session_id", "abc"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "structured", entry["msg"])
		assert.Equal(t, "abc", entry["session_id"])
	})

	t.Run("invalid level defaults to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{Level: "chatty", Format: "json"}, zapcore.AddSync(&buf))

		logger.Debug("hidden")
		logger.Info("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("file sink receives JSON", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "agent.log")

		var buf bytes.Buffer
		logger := NewLogger(config.LoggerConfig{
			Level:   "info",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		}, zapcore.AddSync(&buf))

		logger.Info("to both sinks")
		_ = logger.Sync()

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		line := strings.TrimSpace(string(data))
		assert.True(t, strings.HasPrefix(line, "{"), "file sink must be JSON")
		assert.Contains(t, line, "to both sinks")
		assert.Contains(t, buf.String(), "to both sinks")
	})
}

func TestGlobalLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	fallback := GetLogger()
	require.NotNil(t, fallback)

	var first, second bytes.Buffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))

	GetLogger().Info("once only")
	Sync()

	assert.Contains(t, first.String(), "once only")
	assert.Empty(t, second.String(), "a second Initialize must be a no-op")
}
