package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peeprelay/pkg/broker"
	"github.com/tomaslejdung/peeprelay/pkg/client"
	"github.com/tomaslejdung/peeprelay/pkg/protocol"
	"github.com/tomaslejdung/peeprelay/pkg/settings"
)

// isolate keeps the user's config and .env out of the test
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("PORT", "")
	t.Chdir(dir)
	return dir
}

func TestResolveConfigPrecedence(t *testing.T) {
	dir := isolate(t)
	configPath := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
listen:
  addr: 127.0.0.1:7000
  path: /relay
relay:
  send_queue: 64
  ping_interval: 5s
`), 0644))
	t.Setenv("PEEPRELAY_SEND_QUEUE", "128")

	var f serveFlags
	cmd := serveCommand(&f)
	require.NoError(t, cmd.ParseFlags([]string{"--config", configPath, "--ping-interval", "1s"}))

	cfg, err := resolveConfig(cmd.Flags(), &f)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen.Addr, "file over default")
	assert.Equal(t, "/relay", cfg.Listen.Path)
	assert.Equal(t, 128, cfg.Relay.SendQueue, "env over file")
	assert.Equal(t, time.Second, cfg.Relay.PingInterval, "flag over file")
	assert.Equal(t, 10*time.Second, cfg.Relay.WriteTimeout, "unset flag keeps default")
}

func TestResolveConfigTUILogFile(t *testing.T) {
	isolate(t)
	var f serveFlags
	cmd := serveCommand(&f)
	require.NoError(t, cmd.ParseFlags([]string{"--tui"}))

	cfg, err := resolveConfig(cmd.Flags(), &f)
	require.NoError(t, err)
	assert.Equal(t, defaultTUILogFile, cfg.Log.File)
}

func TestResolveConfigInvalid(t *testing.T) {
	isolate(t)
	var f serveFlags
	cmd := serveCommand(&f)
	require.NoError(t, cmd.ParseFlags([]string{"--send-queue", "1"}))

	_, err := resolveConfig(cmd.Flags(), &f)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := newLogger(settings.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closeLog()

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, _, err = newLogger(settings.Log{Level: "loud", Format: "text"}, &buf)
	assert.Error(t, err)
}

func TestNewLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	logger, closeLog, err := newLogger(settings.Log{Level: "info", Format: "text", File: path}, io.Discard)
	require.NoError(t, err)
	logger.Info("to file")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestIDsCommand(t *testing.T) {
	srv := broker.New(broker.DefaultOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	host, err := client.Dial(ctx, url)
	require.NoError(t, err)
	defer host.Close()
	require.NoError(t, host.Register("QUIET-HERON-12", "", nil))
	_, err = host.WaitFor(ctx, protocol.TypeRegistered)
	require.NoError(t, err)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"ids", "--url", url})
	require.NoError(t, root.ExecuteContext(ctx))
	assert.Equal(t, "QUIET-HERON-12\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "broker dev\n", out.String())
}
