package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mcclellann/payAdvance/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	cfg := store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "migrate.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	var out bytes.Buffer

	require.NoError(t, run([]string{"version"}, cfg, &out))
	assert.Equal(t, "version: 0  dirty: false\n", out.String())

	require.NoError(t, run([]string{"up"}, cfg, &out))
	require.NoError(t, run([]string{"up"}, cfg, &out), "up with nothing pending is not an error")

	out.Reset()
	require.NoError(t, run([]string{"version"}, cfg, &out))
	assert.Equal(t, "version: 1  dirty: false\n", out.String())

	require.NoError(t, run([]string{"down", "1"}, cfg, &out))
	out.Reset()
	require.NoError(t, run([]string{"version"}, cfg, &out))
	assert.Equal(t, "version: 0  dirty: false\n", out.String())

	require.NoError(t, run([]string{"force", "1"}, cfg, &out))
	out.Reset()
	require.NoError(t, run([]string{"version"}, cfg, &out))
	assert.Equal(t, "version: 1  dirty: false\n", out.String())
}

func TestRun_BadArguments(t *testing.T) {
	cfg := store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "migrate.db")}
	var out bytes.Buffer

	assert.ErrorIs(t, run(nil, cfg, &out), errUsage)
	assert.ErrorIs(t, run([]string{"drop"}, cfg, &out), errUsage)
	assert.Error(t, run([]string{"down", "zero"}, cfg, &out))
	assert.Error(t, run([]string{"force"}, cfg, &out))
	assert.Error(t, run([]string{"up"}, store.Config{Driver: "mysql", DSN: "x"}, &out))
}
