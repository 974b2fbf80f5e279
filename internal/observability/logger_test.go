// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/profilecap/internal/config"
)

// bufferSyncer lets tests read what the console core wrote.
type bufferSyncer struct{ bytes.Buffer }

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console output is colorized", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "svc",
			Colors:      config.ColorConfig{Info: "green"},
		}, zapcore.AddSync(&buf))
		GetLogger().Info("session ready")

		out := buf.String()
		assert.Contains(t, out, ansi["green"]+"INFO"+colorReset)
		assert.Contains(t, out, "svc.")
		assert.Contains(t, out, "session ready")
	})

	t.Run("json output carries fields", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "svc"}, zapcore.AddSync(&buf))
		GetLogger().Warn("challenge detected", zap.String("url", "https://www.linkedin.com/checkpoint/challenge"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "svc", entry["logger"])
		assert.Equal(t, "challenge detected", entry["msg"])
		assert.Equal(t, "https://www.linkedin.com/checkpoint/challenge", entry["url"])
	})

	t.Run("log file is created in a missing directory", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		logFile := filepath.Join(t.TempDir(), "logs", "profilecap.log")
		var buf bufferSyncer

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&buf))
		GetLogger().Error("capture failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "capture failed")
	})

	t.Run("only the first call takes effect", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var first, second bufferSyncer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, zapcore.AddSync(&first))
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "second"}, zapcore.AddSync(&second))
		GetLogger().Info("hello")

		assert.Contains(t, first.String(), `"logger":"first"`)
		assert.Empty(t, second.String())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{Level: "verbose", Format: "json"}, zapcore.AddSync(&buf))
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	assert.NotNil(t, GetLogger())
}
