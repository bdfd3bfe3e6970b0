package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitWritesToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "qftp.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputPath: out}))
	t.Cleanup(func() { SetLevel("info") })

	L().Debug("hello", zap.String("conn_id", "abc"))
	require.NoError(t, Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `"conn_id":"abc"`)
}

func TestSetLevelFiltersEntries(t *testing.T) {
	SetLevel("warn")
	t.Cleanup(func() { SetLevel("info") })
	require.False(t, L().Core().Enabled(zapcore.InfoLevel))
	SetLevel("bogus")
	require.False(t, L().Core().Enabled(zapcore.InfoLevel))
}

func TestReplaceRestores(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Replace(zap.New(core))
	L().Info("captured")
	restore()
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "captured", logs.All()[0].Message)
}

func TestLevelReportsCurrent(t *testing.T) {
	SetLevel("error")
	t.Cleanup(func() { SetLevel("info") })
	require.Equal(t, "error", Level())
}
