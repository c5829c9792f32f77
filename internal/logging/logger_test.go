package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m), buf.String())
	return m
}

func TestSlogHandlerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log, closer := NewSlog(Config{Level: "debug", Output: &buf})
	defer closer()

	log.With("client", "acme").WithGroup("run").Info("sync finished",
		slog.String("mode", "full"),
		slog.Int("windows", 13),
		slog.Duration("took", 1500*time.Millisecond),
		slog.Any("err", errors.New("boom")),
		slog.Group("totals", slog.Int("contacts", 7)),
	)

	m := decodeLine(t, &buf)
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "sync finished", m["message"])
	assert.Equal(t, "acme", m["client"])
	assert.Equal(t, "full", m["run.mode"])
	assert.Equal(t, float64(13), m["run.windows"])
	assert.Equal(t, "boom", m["run.err"])
	assert.Equal(t, float64(7), m["run.totals.contacts"])
	assert.Contains(t, m, "time")
}

func TestSlogHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewSlog(Config{Level: "warn", Output: &buf})

	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, log.Enabled(context.Background(), slog.LevelError))

	log.Warn("kept")
	assert.Equal(t, "warn", decodeLine(t, &buf)["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.log")
	log, closer := NewSlog(Config{Level: "info", File: path, MaxSizeMB: 1})
	log.Info("to file")
	require.NoError(t, closer())
	assert.FileExists(t, path)
}
