package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8088
serial:
  device: /dev/rfcomm3
  baud_rate: 38400
  read_timeout: 250ms
  devices:
    "98:D3:31:F5:2A:10": /dev/rfcomm5
bluetooth:
  idle_timeout: 1m
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/dev/rfcomm3", cfg.Serial.Device)
	assert.Equal(t, 38400, cfg.Serial.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, "/dev/rfcomm5", cfg.Serial.Devices["98:D3:31:F5:2A:10"])
	assert.Equal(t, "\n", cfg.Serial.MessageDelimiter())
	assert.Equal(t, DefaultAdapter, cfg.Bluetooth.Adapter)
	assert.Equal(t, time.Minute, cfg.Bluetooth.IdleTimeout)
	assert.Equal(t, DefaultHistorySize, cfg.Bluetooth.HistorySize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8088\n")
	t.Setenv("EKOMILK_SERVER_PORT", "9099")
	t.Setenv("EKOMILK_SERIAL_BAUD_RATE", "115200")
	t.Setenv("EKOMILK_SERIAL_DELIMITER", "none")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9099, cfg.Server.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "", cfg.Serial.MessageDelimiter())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 70000\nlog:\n  level: loud\n")

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "log.level")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("EKOMILK_SERVER_PORT"))
	assert.Equal(t, "serial.baud_rate", envKey("EKOMILK_SERIAL_BAUD_RATE"))
	assert.Equal(t, "debug", envKey("EKOMILK_DEBUG"))
}

func TestMessageDelimiter(t *testing.T) {
	assert.Equal(t, "\r\n", SerialConfig{Delimiter: `\r\n`}.MessageDelimiter())
	assert.Equal(t, "\r", SerialConfig{Delimiter: `\r`}.MessageDelimiter())
	assert.Equal(t, ";", SerialConfig{Delimiter: ";"}.MessageDelimiter())
	assert.Equal(t, "", SerialConfig{Delimiter: NoDelimiter}.MessageDelimiter())
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
