package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/bluetooth"
	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Manager is the part of the session manager the HTTP surface drives.
type Manager interface {
	ScanDevices(ctx context.Context) ([]utils.BluetoothDeviceInfo, error)
	Devices() []utils.BluetoothDeviceInfo
	AdapterPowered(ctx context.Context) (bool, error)
	Connect(ctx context.Context, address string) (*utils.BluetoothDeviceInfo, error)
	Disconnect() error
	Status() bluetooth.ConnectionStatus
	Measurements() ekomilk.Set
	History() []string
	InjectTestReading() error
}

const (
	defaultStreamInterval = time.Second
	connectTimeout        = 20 * time.Second
	healthCheckTimeout    = 2 * time.Second
	maxParseBodyBytes     = 64 * 1024
)

// Server is the HTTP server the display clients talk to.
type Server struct {
	manager  Manager
	wsHub    *utils.WebSocketHub
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	closing  chan struct{}
	shutOnce sync.Once

	// streamInterval is how often the SSE stream polls for a newer set.
	streamInterval time.Duration
	version        string
}

// NewServer creates a server instance. log may be nil.
func NewServer(manager Manager, wsHub *utils.WebSocketHub, log logrus.FieldLogger, version string) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		manager: manager,
		wsHub:   wsHub,
		log:     log.WithField("component", "http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		closing:        make(chan struct{}),
		streamInterval: defaultStreamInterval,
		version:        version,
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()

	// WebSocket endpoint - handled without the logging middleware, which
	// would hide the connection hijacker.
	mux.Get("/ws", s.handleWebSocket)

	mux.Group(func(r chi.Router) {
		r.Use(s.loggingMiddleware)

		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api/bluetooth", func(r chi.Router) {
			r.Get("/devices", s.handleDevices)
			r.Get("/status", s.handleStatus)
			r.Post("/connect/{address}", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
		})
		r.Route("/api/measurements", func(r chi.Router) {
			r.Get("/", s.handleMeasurements)
			r.Get("/stream", s.handleStream)
			r.Post("/test", s.handleTestReading)
			r.Post("/parse", s.handleParse)
		})
		r.Get("/api/history", s.handleHistory)
	})

	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusNotFound, "Not found", nil)
	})
	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(mux)
}

// Start serves on port until Shutdown is called. It returns nil after a
// graceful shutdown.
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the SSE stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.log.WithField("port", port).Info("starting HTTP server")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open streams and waits for the
// remaining requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info("shutting down HTTP server")
	return srv.Shutdown(ctx)
}
