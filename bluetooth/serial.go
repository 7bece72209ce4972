package bluetooth

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"go.bug.st/serial"
)

// Dialer opens the byte stream to a paired device.
type Dialer interface {
	Dial(ctx context.Context, device utils.BluetoothDeviceInfo) (io.ReadCloser, error)
}

// SerialDialer opens the RFCOMM tty bound to an HC-05 module. Devices maps
// a Bluetooth address to its tty; unmapped devices use Port.
type SerialDialer struct {
	Port        string
	Devices     map[string]string
	BaudRate    int
	ReadTimeout time.Duration
}

func (d *SerialDialer) portFor(address string) string {
	for addr, port := range d.Devices {
		if strings.EqualFold(addr, address) {
			return port
		}
	}
	if d.Port == "" {
		return DefaultSerialPort
	}
	return d.Port
}

func (d *SerialDialer) mode() *serial.Mode {
	baud := d.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Dial opens the tty. Opening an rfcomm node pages the remote device, which
// can take several seconds; ctx bounds the wait.
func (d *SerialDialer) Dial(ctx context.Context, device utils.BluetoothDeviceInfo) (io.ReadCloser, error) {
	path := d.portFor(device.Address)

	type result struct {
		port serial.Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := serial.Open(path, d.mode())
		done <- result{port, err}
	}()

	var port serial.Port
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.port.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: %w", path, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", path, r.err)
		}
		port = r.port
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// AvailablePorts lists the serial ports present on the host.
func AvailablePorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
