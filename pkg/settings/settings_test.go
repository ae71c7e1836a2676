package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultPathHonoursXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "peeprelay", "config.yaml"), path)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  addr: 127.0.0.1:7000
relay:
  write_timeout: 3s
  control_rate: 5
log:
  format: json
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen.Addr)
	assert.Equal(t, "/ws", cfg.Listen.Path)
	assert.Equal(t, 3*time.Second, cfg.Relay.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 5.0, cfg.Relay.ControlRate)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Relay.SendQueue = 64
	cfg.Relay.PingInterval = 0

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PEEPRELAY_ADDR", "127.0.0.1:9100")
	t.Setenv("PEEPRELAY_SEND_QUEUE", "32")
	t.Setenv("PEEPRELAY_PING_INTERVAL", "15s")
	t.Setenv("PEEPRELAY_CONTROL_RATE", "2.5")
	t.Setenv("PEEPRELAY_LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "127.0.0.1:9100", cfg.Listen.Addr)
	assert.Equal(t, 32, cfg.Relay.SendQueue)
	assert.Equal(t, 15*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 2.5, cfg.Relay.ControlRate)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyEnvPort(t *testing.T) {
	t.Setenv("PORT", "8080")

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, ":8080", cfg.Listen.Addr)

	t.Setenv("PEEPRELAY_ADDR", "10.0.0.1:9000")
	cfg = Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "10.0.0.1:9000", cfg.Listen.Addr)
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Setenv("PEEPRELAY_SEND_QUEUE", "lots")
	t.Setenv("PEEPRELAY_WRITE_TIMEOUT", "soon")

	cfg := Default()
	err := ApplyEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PEEPRELAY_SEND_QUEUE")
	assert.Contains(t, err.Error(), "PEEPRELAY_WRITE_TIMEOUT")
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PEEPRELAY_PATH=/from-file\nPEEPRELAY_LOG_FILE=broker.log\n"), 0644))
	t.Setenv("PEEPRELAY_PATH", "/from-env")
	t.Setenv("PEEPRELAY_LOG_FILE", "")
	os.Unsetenv("PEEPRELAY_LOG_FILE")

	require.NoError(t, LoadEnvFile(path))

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "/from-env", cfg.Listen.Path)
	assert.Equal(t, "broker.log", cfg.Log.File)
}

func TestLoadEnvFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.NoError(t, LoadEnvFile(""))
	assert.Error(t, LoadEnvFile("does-not-exist.env"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Listen.Addr = "" }},
		{"relative path", func(c *Config) { c.Listen.Path = "ws" }},
		{"negative read limit", func(c *Config) { c.Relay.MaxMessageBytes = -1 }},
		{"tiny send queue", func(c *Config) { c.Relay.SendQueue = 1 }},
		{"negative timeout", func(c *Config) { c.Relay.WriteTimeout = -time.Second }},
		{"negative rate", func(c *Config) { c.Relay.ControlRate = -1 }},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
