package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/mcppipe/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// captureExit stubs out the process exit so startup failures can be asserted on.
func captureExit(t *testing.T) (*int, *bytes.Buffer) {
	code := -1
	stderr := &bytes.Buffer{}
	oldExiter, oldErrWriter := cli.OsExiter, cli.ErrWriter
	cli.OsExiter = func(c int) { code = c }
	cli.ErrWriter = stderr
	t.Cleanup(func() {
		cli.OsExiter, cli.ErrWriter = oldExiter, oldErrWriter
	})
	return &code, stderr
}

func TestMissingEndpoint(t *testing.T) {
	t.Setenv("MCP_ENDPOINT", "")
	code, stderr := captureExit(t)

	err := newApp().Run([]string{"mcppipe", "cat"})
	require.Error(t, err)
	assert.Equal(t, exitConfig, *code)
	assert.Contains(t, stderr.String(), "no endpoint configured")
}

func TestMissingCommand(t *testing.T) {
	t.Setenv("MCP_ENDPOINT", "ws://127.0.0.1:1/mcp")
	code, stderr := captureExit(t)

	err := newApp().Run([]string{"mcppipe"})
	require.Error(t, err)
	assert.Equal(t, exitConfig, *code)
	assert.Contains(t, stderr.String(), "no child command given")
}

func TestInvalidLogLevel(t *testing.T) {
	code, stderr := captureExit(t)

	err := newApp().Run([]string{"mcppipe", "--endpoint", "ws://127.0.0.1:1", "--log-level", "loud", "cat"})
	require.Error(t, err)
	assert.Equal(t, exitConfig, *code)
	assert.Contains(t, stderr.String(), "parsing log level")
}

// loadWith runs the app with an action that only loads the config.
func loadWith(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var cfg config.Config
	var loadErr error
	app := newApp()
	app.Action = func(ctx *cli.Context) error {
		cfg, loadErr = loadConfig(ctx)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"mcppipe"}, args...)))
	return cfg, loadErr
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcppipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: ws://from-file/mcp
command: python3
args: [vn_services.py]
backoff: 1s
status_addr: 127.0.0.1:9100
`), 0o644))

	t.Run("file only", func(t *testing.T) {
		t.Setenv("MCP_ENDPOINT", "")
		os.Unsetenv("MCP_ENDPOINT")
		cfg, err := loadWith(t, "--config", path)
		require.NoError(t, err)
		assert.Equal(t, "ws://from-file/mcp", cfg.Endpoint)
		assert.Equal(t, "python3", cfg.Command)
		assert.Equal(t, []string{"vn_services.py"}, cfg.Args)
		assert.Equal(t, time.Second, cfg.Backoff)
		assert.Equal(t, "127.0.0.1:9100", cfg.StatusAddr)
	})

	t.Run("env and args override file", func(t *testing.T) {
		t.Setenv("MCP_ENDPOINT", "  wss://from-env/mcp?token=abc ")
		cfg, err := loadWith(t, "--config", path, "--backoff", "250ms", "node", "server.js", "--stdio")
		require.NoError(t, err)
		assert.Equal(t, "wss://from-env/mcp?token=abc", cfg.Endpoint)
		assert.Equal(t, "node", cfg.Command)
		assert.Equal(t, []string{"server.js", "--stdio"}, cfg.Args)
		assert.Equal(t, 250*time.Millisecond, cfg.Backoff)
		assert.Equal(t, 20*time.Second, cfg.PingInterval)
		assert.EqualValues(t, 1<<20, cfg.ReadLimit)
	})

	t.Run("read limit flag", func(t *testing.T) {
		cfg, err := loadWith(t, "--config", path, "--read-limit", "8388608", "cat")
		require.NoError(t, err)
		assert.EqualValues(t, 8<<20, cfg.ReadLimit)

		_, err = loadWith(t, "--config", path, "--read-limit", "0", "cat")
		require.ErrorContains(t, err, "read limit must be positive")
	})

	t.Run("flag overrides env", func(t *testing.T) {
		t.Setenv("MCP_ENDPOINT", "ws://from-env")
		cfg, err := loadWith(t, "--endpoint", "ws://from-flag", "cat")
		require.NoError(t, err)
		assert.Equal(t, "ws://from-flag", cfg.Endpoint)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := loadWith(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "cat")
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
