package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/amriksingh0786/EkoMilkBluetooth/bluetooth"
	"github.com/amriksingh0786/EkoMilkBluetooth/config"
	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/amriksingh0786/EkoMilkBluetooth/server"
	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// serveCmd runs the daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analyser bridge",
	Long: `Run the HTTP server and the Bluetooth session manager until SIGINT or
SIGTERM. Connect to the analyser with POST /api/bluetooth/connect/{address}.

Examples:
  # Run with the default configuration
  ekomilkd serve

  # Use a different configuration file and verbose logs
  ekomilkd serve --config ./config.yaml --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logFile, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log.WithFields(logrus.Fields{
		"version":      version,
		"port":         cfg.Server.Port,
		"serial":       cfg.Serial.Device,
		"baud_rate":    cfg.Serial.BaudRate,
		"adapter":      cfg.Bluetooth.Adapter,
		"idle_timeout": cfg.Bluetooth.IdleTimeout,
	}).Info("starting ekomilkd")

	directory, err := bluetooth.NewBluezDirectory(cfg.Bluetooth.Adapter)
	if err != nil {
		return err
	}
	defer directory.Close()

	dialer := &bluetooth.SerialDialer{
		Port:        cfg.Serial.Device,
		Devices:     cfg.Serial.Devices,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}

	wsHub := utils.NewWebSocketHub(log)
	broadcaster := utils.NewWebSocketBroadcaster(wsHub, log)

	delimiter := cfg.Serial.MessageDelimiter()
	manager := bluetooth.NewManager(directory, dialer, broadcaster, log, bluetooth.Options{
		Delimiter:   &delimiter,
		IdleTimeout: cfg.Bluetooth.IdleTimeout,
		HistorySize: cfg.Bluetooth.HistorySize,
	})
	manager.SetMeasurementCallback(func(set ekomilk.Set) {
		log.WithField("parameters", set.Len()).Debug("measurement set updated")
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	defer manager.Stop()

	scanCtx, cancelScan := context.WithTimeout(cmd.Context(), cfg.Server.ShutdownTimeout)
	if powered, err := manager.AdapterPowered(scanCtx); err != nil {
		log.WithError(err).Warn("failed to read adapter power state")
	} else if !powered {
		log.WithField("adapter", cfg.Bluetooth.Adapter).Warn("bluetooth adapter is powered off")
	}
	if _, err := manager.ScanDevices(scanCtx); err != nil {
		log.WithError(err).Warn("initial device scan failed")
	}
	cancelScan()

	srv := server.NewServer(manager, wsHub, log, version)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	log.Info("ekomilkd stopped")
	return nil
}
