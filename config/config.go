// Package config loads ekomilkd configuration from YAML, the environment
// and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Serial    SerialConfig    `koanf:"serial"`
	Bluetooth BluetoothConfig `koanf:"bluetooth"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SerialConfig describes the RFCOMM tty the analyser is bound to.
type SerialConfig struct {
	Device      string            `koanf:"device"`
	Devices     map[string]string `koanf:"devices"` // Bluetooth address -> tty
	BaudRate    int               `koanf:"baud_rate"`
	ReadTimeout time.Duration     `koanf:"read_timeout"`
	// Delimiter splits the stream into messages. Use "none" to treat every
	// read as one message.
	Delimiter string `koanf:"delimiter"`
}

type BluetoothConfig struct {
	Adapter     string        `koanf:"adapter"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	HistorySize int           `koanf:"history_size"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text or json
	File   string `koanf:"file"`
}

const (
	DefaultPort            = 5000
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSerialDevice    = "/dev/rfcomm0"
	DefaultBaudRate        = 9600
	DefaultReadTimeout     = 500 * time.Millisecond
	DefaultDelimiter       = `\n`
	DefaultAdapter         = "hci0"
	DefaultIdleTimeout     = 30 * time.Second
	DefaultHistorySize     = 50
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"

	// NoDelimiter disables message splitting.
	NoDelimiter = "none"
)

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Serial.Device == "" {
		cfg.Serial.Device = DefaultSerialDevice
	}
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = DefaultBaudRate
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Serial.Delimiter == "" {
		cfg.Serial.Delimiter = DefaultDelimiter
	}
	if cfg.Bluetooth.Adapter == "" {
		cfg.Bluetooth.Adapter = DefaultAdapter
	}
	if cfg.Bluetooth.IdleTimeout == 0 {
		cfg.Bluetooth.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Bluetooth.HistorySize == 0 {
		cfg.Bluetooth.HistorySize = DefaultHistorySize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Serial.BaudRate < 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate %d must be positive", c.Serial.BaudRate))
	}
	if c.Serial.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("serial.read_timeout %v must not be negative", c.Serial.ReadTimeout))
	}
	if c.Bluetooth.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("bluetooth.history_size %d must not be negative", c.Bluetooth.HistorySize))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// MessageDelimiter returns the delimiter with escape sequences resolved.
// An empty string means every read is a message.
func (c SerialConfig) MessageDelimiter() string {
	switch c.Delimiter {
	case NoDelimiter:
		return ""
	case `\n`, "":
		return "\n"
	case `\r\n`:
		return "\r\n"
	case `\r`:
		return "\r"
	}
	return c.Delimiter
}
