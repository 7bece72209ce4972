package utils

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventSink receives websocket events. *WebSocketHub is the production sink.
type EventSink interface {
	Broadcast(event WebSocketEvent)
}

// WebSocketBroadcaster provides high-level broadcasting functions for the
// session events display clients subscribe to.
type WebSocketBroadcaster struct {
	sink EventSink
	log  logrus.FieldLogger
}

// NewWebSocketBroadcaster wraps sink. A nil sink discards events.
func NewWebSocketBroadcaster(sink EventSink, log logrus.FieldLogger) *WebSocketBroadcaster {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebSocketBroadcaster{
		sink: sink,
		log:  log.WithField("component", "broadcaster"),
	}
}

func (b *WebSocketBroadcaster) send(event WebSocketEvent) {
	if b == nil || b.sink == nil {
		return
	}
	b.sink.Broadcast(event)
}

// BroadcastDeviceConnected broadcasts device connection events
func (b *WebSocketBroadcaster) BroadcastDeviceConnected(sessionID string, device *BluetoothDeviceInfo) {
	b.log.WithFields(logrus.Fields{"address": device.Address, "session": sessionID}).Info("broadcasting device connected")

	b.send(WebSocketEvent{
		Type: EventDeviceConnected,
		Payload: DeviceConnectedPayload{
			SessionID: sessionID,
			Address:   device.Address,
			Device:    device,
		},
	})
}

// BroadcastDeviceDisconnected broadcasts device disconnection events
func (b *WebSocketBroadcaster) BroadcastDeviceDisconnected(sessionID, address, reason string) {
	b.log.WithFields(logrus.Fields{"address": address, "session": sessionID, "reason": reason}).Info("broadcasting device disconnected")

	b.send(WebSocketEvent{
		Type: EventDeviceDisconnected,
		Payload: DeviceDisconnectedPayload{
			SessionID: sessionID,
			Address:   address,
			Reason:    reason,
		},
	})
}

func (b *WebSocketBroadcaster) BroadcastDeviceIdle(sessionID, address string, lastData time.Time) {
	b.send(WebSocketEvent{
		Type: EventDeviceIdle,
		Payload: DeviceIdlePayload{
			SessionID: sessionID,
			Address:   address,
			LastData:  lastData,
		},
	})
}

// BroadcastMeasurements sends the full measurement set after a chunk
// updated it. matched names the parameters the chunk carried.
func (b *WebSocketBroadcaster) BroadcastMeasurements(sessionID string, measurements interface{}, matched []string) {
	b.send(WebSocketEvent{
		Type: EventMeasurements,
		Payload: MeasurementsPayload{
			SessionID:    sessionID,
			Measurements: measurements,
			Matched:      matched,
		},
	})
}

func (b *WebSocketBroadcaster) BroadcastHistoryLine(sessionID, line string, received time.Time) {
	b.send(WebSocketEvent{
		Type: EventHistoryLine,
		Payload: HistoryLinePayload{
			SessionID: sessionID,
			Line:      line,
			Received:  received,
		},
	})
}
