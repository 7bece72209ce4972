package utils

import "time"

// Bluetooth
type BluetoothDeviceInfo struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	Alias      string `json:"alias"`
	Class      uint32 `json:"class,omitempty"`
	Paired     bool   `json:"paired"`
	Trusted    bool   `json:"trusted"`
	Connected  bool   `json:"connected"`
	SerialPort bool   `json:"serialPort"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventDeviceConnected    = "bluetooth/connected"
	EventDeviceDisconnected = "bluetooth/disconnected"
	EventDeviceIdle         = "bluetooth/idle"
	EventMeasurements       = "measurements/update"
	EventHistoryLine        = "history/line"
)

type DeviceConnectedPayload struct {
	SessionID string               `json:"sessionId"`
	Address   string               `json:"address"`
	Device    *BluetoothDeviceInfo `json:"device,omitempty"`
}

type DeviceDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
	Address   string `json:"address"`
	Reason    string `json:"reason,omitempty"`
}

type DeviceIdlePayload struct {
	SessionID string    `json:"sessionId"`
	Address   string    `json:"address"`
	LastData  time.Time `json:"lastData"`
}

// MeasurementsPayload carries the flattened measurement set; Measurements
// marshals through ekomilk.Set.
type MeasurementsPayload struct {
	SessionID    string      `json:"sessionId,omitempty"`
	Measurements interface{} `json:"measurements"`
	Matched      []string    `json:"matched"`
}

type HistoryLinePayload struct {
	SessionID string    `json:"sessionId,omitempty"`
	Line      string    `json:"line"`
	Received  time.Time `json:"received"`
}
