package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/amriksingh0786/EkoMilkBluetooth/config"
	"github.com/sirupsen/logrus"
)

// newLogger builds the process logger. When a log file is configured the
// output goes to both stdout and the file, and the returned closer is non-nil.
func newLogger(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	log.SetLevel(lvl)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File == "" {
		return log, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return log, file, nil
}
