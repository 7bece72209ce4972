package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/bluetooth"
	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type DevicesResponse struct {
	Devices []utils.BluetoothDeviceInfo `json:"devices"`
	Count   int                         `json:"count"`
}

type HistoryResponse struct {
	Lines []string `json:"lines"`
	Count int      `json:"count"`
}

// ParseResponse is the result of a stateless extraction.
type ParseResponse struct {
	Measurements ekomilk.Set `json:"measurements"`
	Matched      []string    `json:"matched"`
}

// handleHealth returns health check information. A powered-off adapter
// degrades the status but still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.wsHub != nil {
		clients = s.wsHub.ClientCount()
	}

	status := "healthy"
	checks := map[string]interface{}{
		"bluetooth_manager": s.manager != nil,
		"websocket_clients": clients,
	}
	if s.manager != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		powered, err := s.manager.AdapterPowered(ctx)
		cancel()
		switch {
		case err != nil:
			s.log.WithError(err).Debug("adapter power check failed")
			checks["adapter_powered"] = "unknown"
		case !powered:
			checks["adapter_powered"] = false
			status = "degraded"
		default:
			checks["adapter_powered"] = true
		}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"version":   s.version,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.manager.Devices()
	if r.URL.Query().Get("refresh") == "true" || len(devices) == 0 {
		scanned, err := s.manager.ScanDevices(r.Context())
		if err != nil {
			s.writeErrorResponse(w, statusForError(err), "Failed to list paired devices", err)
			return
		}
		devices = scanned
	}
	if devices == nil {
		devices = []utils.BluetoothDeviceInfo{}
	}

	s.writeJSONResponse(w, http.StatusOK, DevicesResponse{Devices: devices, Count: len(devices)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if _, err := net.ParseMAC(address); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid Bluetooth address", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	device, err := s.manager.Connect(ctx, address)
	if err != nil {
		s.writeErrorResponse(w, statusForError(err), "Failed to connect", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"device":  device,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(); err != nil {
		s.writeErrorResponse(w, statusForError(err), "Failed to disconnect", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.manager.Measurements())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	lines := s.manager.History()
	if lines == nil {
		lines = []string{}
	}
	s.writeJSONResponse(w, http.StatusOK, HistoryResponse{Lines: lines, Count: len(lines)})
}

func (s *Server) handleTestReading(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.InjectTestReading(); err != nil {
		s.writeErrorResponse(w, statusForError(err), "Failed to inject test reading", err)
		return
	}
	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"data":     ekomilk.SampleReading,
	})
}

// handleParse folds each line of the body into an empty set. Session state
// is not touched.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxParseBodyBytes)

	set, matched, err := ekomilk.FoldLines(body, ekomilk.NewSet(), time.Now())
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, ParseResponse{Measurements: set, Matched: matched})
}

// handleWebSocket registers the connection with the hub and keeps it alive
// until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("websocket connection established")
	s.wsHub.AddClient(conn)
	defer func() {
		s.wsHub.RemoveClient(conn)
		log.Info("websocket connection closed")
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.WithError(err).Debug("websocket read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.closing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, bluetooth.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, bluetooth.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, bluetooth.ErrNotRunning), errors.Is(err, bluetooth.ErrAdapterOff):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
