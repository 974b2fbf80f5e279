package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const sampleLog = `{"level":"debug","ts":"2026-01-01T00:00:00.000Z","logger":"profilecap.session","msg":"Page check"}
{"level":"info","ts":"2026-01-01T00:00:01.000Z","logger":"profilecap.session","msg":"Session ready"}
{"level":"warn","ts":"2026-01-01T00:00:02.000Z","logger":"profilecap.auth","msg":"Login verification ambiguous"}
not json at all
{"level":"error","ts":"2026-01-01T00:00:03.000Z","logger":"profilecap.profile","msg":"Profile capture failed"}
`

func TestPrintLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profilecap.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o600))

	t.Run("everything", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printLogs(context.Background(), &out, path, false, zapcore.DebugLevel))
		assert.Equal(t, sampleLog, out.String())
	})

	t.Run("warn and above", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printLogs(context.Background(), &out, path, false, zapcore.WarnLevel))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "Login verification ambiguous")
		assert.Equal(t, "not json at all", lines[1])
		assert.Contains(t, lines[2], "Profile capture failed")
	})

	t.Run("missing file", func(t *testing.T) {
		err := printLogs(context.Background(), &bytes.Buffer{}, filepath.Join(t.TempDir(), "nope.log"), false, zapcore.DebugLevel)
		assert.Error(t, err)
	})
}

// lockedBuffer is written by printLogs while the test polls it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrintLogs_Follow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profilecap.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"level":"info","msg":"first"}`+"\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- printLogs(ctx, out, path, true, zapcore.DebugLevel) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "first") }, 5*time.Second, 20*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"level":"info","msg":"second"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "second") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("printLogs did not return after cancellation")
	}
}

func TestAtLeast(t *testing.T) {
	tests := []struct {
		line  string
		level zapcore.Level
		want  bool
	}{
		{`{"level":"info"}`, zapcore.DebugLevel, true},
		{`{"level":"info"}`, zapcore.WarnLevel, false},
		{`{"level":"error"}`, zapcore.WarnLevel, true},
		{`{"msg":"no level"}`, zapcore.ErrorLevel, true},
		{`{"level":"shouting"}`, zapcore.ErrorLevel, true},
		{`plain text`, zapcore.ErrorLevel, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, atLeast(tt.line, tt.level), tt.line)
	}
}
