package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "devlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
queue:
  action_timeout: 2s
  drain_timeout: 30s
session:
  event_buffer: 8
  overflow: block
transport:
  kind: serial
  serial:
    port: /dev/ttyUSB0
    baud: 9600
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Queue.ActionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Queue.DrainTimeout)
	assert.Equal(t, 8, cfg.Session.EventBuffer)
	assert.Equal(t, OverflowBlock, cfg.Session.Overflow)
	assert.Equal(t, TransportSerial, cfg.Transport.Kind)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Transport.Serial.Port)
	assert.Equal(t, 9600, cfg.Transport.Serial.Baud)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConnectTimeout, cfg.Session.ConnectTimeout)
	assert.Equal(t, "hci0", cfg.Transport.Adapter)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, New(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/devlink.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "queue: [yaml: content"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DEVLINK_QUEUE_ACTION_TIMEOUT", "750ms")
	t.Setenv("DEVLINK_SESSION_OVERFLOW", "block")
	t.Setenv("DEVLINK_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "queue:\n  action_timeout: 3s\n"))
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Queue.ActionTimeout)
	assert.Equal(t, OverflowBlock, cfg.Session.Overflow)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"DEVLINK_QUEUE_DRAIN_TIMEOUT":  "soon",
		"DEVLINK_SESSION_EVENT_BUFFER": "many",
	}

	cfg := New()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEVLINK_QUEUE_DRAIN_TIMEOUT")
	assert.Equal(t, DefaultDrainTimeout, cfg.Queue.DrainTimeout)
}

func TestConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Configuration)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Configuration) {}},
		{name: "zero action timeout", modify: func(c *Configuration) { c.Queue.ActionTimeout = 0 }, wantErr: true},
		{name: "zero drain timeout", modify: func(c *Configuration) { c.Queue.DrainTimeout = 0 }, wantErr: true},
		{name: "empty event buffer", modify: func(c *Configuration) { c.Session.EventBuffer = 0 }, wantErr: true},
		{name: "unknown overflow", modify: func(c *Configuration) { c.Session.Overflow = "drop-newest" }, wantErr: true},
		{name: "serial without port", modify: func(c *Configuration) { c.Transport.Kind = TransportSerial }, wantErr: true},
		{
			name: "serial with port",
			modify: func(c *Configuration) {
				c.Transport.Kind = TransportSerial
				c.Transport.Serial.Port = "COM3"
			},
		},
		{name: "unknown transport", modify: func(c *Configuration) { c.Transport.Kind = "usb" }, wantErr: true},
		{name: "unknown log level", modify: func(c *Configuration) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "unknown log format", modify: func(c *Configuration) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
