package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/bluetooth"
	"github.com/amriksingh0786/EkoMilkBluetooth/config"
	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/spf13/cobra"
)

const devicesTimeout = 10 * time.Second

// devicesCmd lists paired devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List paired Bluetooth devices",
	Long: `List the devices paired with the configured adapter. Devices that
advertise the serial port profile are marked with SPP.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

// parseCmd runs the extractor offline
var parseCmd = &cobra.Command{
	Use:   "parse [text|-]",
	Short: "Extract measurements from analyser output",
	Long: `Extract measurements from analyser output and print the folded
measurement set as JSON. Each input line is handled as one chunk.

Examples:
  # Parse a single reading
  ekomilkd parse "FAT=3.5% SNF=8.2% DENSITY=1.028"

  # Parse a captured session from stdin
  cat capture.txt | ekomilkd parse -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

// portsCmd lists serial ports
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports, including bound RFCOMM devices",
	Args:  cobra.NoArgs,
	RunE:  runPorts,
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	directory, err := bluetooth.NewBluezDirectory(cfg.Bluetooth.Adapter)
	if err != nil {
		return err
	}
	defer directory.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), devicesTimeout)
	defer cancel()

	if powered, err := directory.AdapterPowered(ctx); err == nil && !powered {
		fmt.Fprintf(cmd.ErrOrStderr(), "Adapter %s is powered off\n", cfg.Bluetooth.Adapter)
	}

	devices, err := directory.PairedDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No paired devices")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tCONNECTED\tPROFILE")
	for _, d := range devices {
		profile := "-"
		if d.SerialPort {
			profile = "SPP"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", d.Address, d.Name, d.Connected, profile)
	}
	return w.Flush()
}

func runParse(cmd *cobra.Command, args []string) error {
	var input io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		input = strings.NewReader(args[0])
	}

	set, _, err := ekomilk.FoldLines(input, ekomilk.NewSet(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := bluetooth.AvailablePorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}
