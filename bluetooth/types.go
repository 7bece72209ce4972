package bluetooth

import (
	"errors"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
)

var (
	ErrNotRunning    = errors.New("manager not running")
	ErrNotConnected  = errors.New("no device connected")
	ErrUnknownDevice = errors.New("device is not paired")
	ErrAdapterOff    = errors.New("bluetooth adapter is powered off")
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

// ConnectionStatus is a snapshot of the serial session.
type ConnectionStatus struct {
	State        ConnectionState            `json:"state"`
	SessionID    string                     `json:"sessionId,omitempty"`
	Device       *utils.BluetoothDeviceInfo `json:"device,omitempty"`
	ConnectedAt  *time.Time                 `json:"connectedAt,omitempty"`
	LastData     *time.Time                 `json:"lastData,omitempty"`
	Idle         bool                       `json:"idle"`
	ErrorMessage string                     `json:"error,omitempty"`
}

// Options tune the session manager. Zero values fall back to defaults.
type Options struct {
	Delimiter   *string
	IdleTimeout time.Duration
	HistorySize int
}

func (o Options) delimiter() string {
	if o.Delimiter == nil {
		return DefaultDelimiter
	}
	return *o.Delimiter
}

type chunk struct {
	generation uint64
	text       string
	test       bool
	received   time.Time

	// closed marks the end of a session's byte stream; err is the read error.
	closed bool
	err    error
}
