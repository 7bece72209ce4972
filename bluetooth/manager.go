package bluetooth

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type session struct {
	id           string
	generation   uint64
	device       utils.BluetoothDeviceInfo
	port         io.ReadCloser
	connectedAt  time.Time
	lastData     time.Time
	idleReported bool
}

// Manager owns the connection to one analyser and the state rendered from
// it. Chunks from the transport are folded into the measurement set by a
// single goroutine; everything else only reads snapshots.
type Manager struct {
	mu        sync.RWMutex
	connectMu sync.Mutex

	directory DeviceDirectory
	dialer    Dialer
	events    *utils.WebSocketBroadcaster
	log       logrus.FieldLogger
	opts      Options

	isRunning bool
	stopChan  chan struct{}
	chunks    chan chunk
	wg        sync.WaitGroup

	// State
	devices      []utils.BluetoothDeviceInfo
	session      *session
	generation   uint64
	connecting   bool
	lastError    string
	measurements ekomilk.Set
	history      *ekomilk.History

	measurementCallback func(ekomilk.Set)
}

// NewManager creates a session manager. events and log may be nil.
func NewManager(directory DeviceDirectory, dialer Dialer, events *utils.WebSocketBroadcaster, log logrus.FieldLogger, opts Options) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if events == nil {
		events = utils.NewWebSocketBroadcaster(nil, log)
	}
	// Zero selects the default; a negative timeout disables idle checks.
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		directory:    directory,
		dialer:       dialer,
		events:       events,
		log:          log.WithField("component", "bt_mgr"),
		opts:         opts,
		measurements: ekomilk.NewSet(),
		history:      ekomilk.NewHistory(opts.HistorySize),
	}
}

// Start launches the fold loop and the idle monitor.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("manager already running")
	}

	m.stopChan = make(chan struct{})
	m.chunks = make(chan chunk, chunkQueueSize)

	m.wg.Add(1)
	go m.run()
	if m.opts.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.monitorIdle()
	}

	m.isRunning = true
	m.log.Info("session manager started")
	return nil
}

// Stop ends any open session the way Disconnect does and waits for
// background routines.
func (m *Manager) Stop() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	s := m.session
	if s != nil {
		m.endSessionLocked()
	}
	m.mu.Unlock()

	if s != nil {
		m.teardown(s, "manager stopped")
	}
	close(m.stopChan)
	m.wg.Wait()
	m.log.Info("session manager stopped")
}

// SetMeasurementCallback registers fn to run after every update of the
// measurement set. fn runs on the fold goroutine and must not block.
func (m *Manager) SetMeasurementCallback(fn func(ekomilk.Set)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.measurementCallback = fn
}

// AdapterPowered reports whether the Bluetooth adapter is switched on.
func (m *Manager) AdapterPowered(ctx context.Context) (bool, error) {
	return m.directory.AdapterPowered(ctx)
}

// checkAdapter returns ErrAdapterOff when the adapter is known to be off.
// A failed lookup is logged and left to the operation that follows.
func (m *Manager) checkAdapter(ctx context.Context) error {
	powered, err := m.directory.AdapterPowered(ctx)
	if err != nil {
		m.log.WithError(err).Debug("adapter power state unknown")
		return nil
	}
	if !powered {
		return ErrAdapterOff
	}
	return nil
}

// ScanDevices refreshes the list of paired devices.
func (m *Manager) ScanDevices(ctx context.Context) ([]utils.BluetoothDeviceInfo, error) {
	if err := m.checkAdapter(ctx); err != nil {
		return nil, err
	}

	devices, err := m.directory.PairedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list paired devices: %w", err)
	}

	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()

	m.log.WithField("count", len(devices)).Info("paired devices refreshed")
	return append([]utils.BluetoothDeviceInfo(nil), devices...), nil
}

// Devices returns the device list from the last scan.
func (m *Manager) Devices() []utils.BluetoothDeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]utils.BluetoothDeviceInfo(nil), m.devices...)
}

func (m *Manager) findDevice(ctx context.Context, address string) (utils.BluetoothDeviceInfo, error) {
	lookup := func() (utils.BluetoothDeviceInfo, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, d := range m.devices {
			if strings.EqualFold(d.Address, address) {
				return d, true
			}
		}
		return utils.BluetoothDeviceInfo{}, false
	}

	if d, ok := lookup(); ok {
		return d, nil
	}
	if _, err := m.ScanDevices(ctx); err != nil {
		return utils.BluetoothDeviceInfo{}, err
	}
	if d, ok := lookup(); ok {
		return d, nil
	}
	return utils.BluetoothDeviceInfo{}, fmt.Errorf("%s: %w", address, ErrUnknownDevice)
}

// Connect opens a serial session with the paired device at address. An
// existing session is closed first. The measurement set and history start
// empty.
func (m *Manager) Connect(ctx context.Context, address string) (*utils.BluetoothDeviceInfo, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.RLock()
	running := m.isRunning
	hasSession := m.session != nil
	m.mu.RUnlock()
	if !running {
		return nil, ErrNotRunning
	}
	if err := m.checkAdapter(ctx); err != nil {
		return nil, err
	}

	device, err := m.findDevice(ctx, address)
	if err != nil {
		return nil, err
	}

	if hasSession {
		m.closeSession("replaced by new connection")
	}

	log := m.log.WithField("address", device.Address)
	log.Info("connecting")

	m.mu.Lock()
	m.connecting = true
	m.lastError = ""
	m.mu.Unlock()

	port, err := m.dialer.Dial(ctx, device)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.lastError = err.Error()
		m.mu.Unlock()
		Sessions.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("connection failed")
		return nil, fmt.Errorf("failed to connect to %s: %w", device.Address, err)
	}

	now := time.Now()
	m.mu.Lock()
	if !m.isRunning {
		m.connecting = false
		m.mu.Unlock()
		port.Close()
		return nil, ErrNotRunning
	}
	m.generation++
	device.Connected = true
	s := &session{
		id:          uuid.NewString(),
		generation:  m.generation,
		device:      device,
		port:        port,
		connectedAt: now,
		lastData:    now,
	}
	m.session = s
	m.connecting = false
	m.measurements = ekomilk.NewSet()
	m.history.Clear()
	m.wg.Add(1)
	m.mu.Unlock()

	Sessions.WithLabelValues("connected").Inc()
	Connected.Set(1)

	go m.readSession(s)

	log.WithField("session", s.id).Info("connected")
	m.events.BroadcastDeviceConnected(s.id, &device)
	return &device, nil
}

// Disconnect closes the current session and clears its state.
func (m *Manager) Disconnect() error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if !m.closeSession("requested") {
		return ErrNotConnected
	}
	return nil
}

// closeSession ends the current session, if any, and reports whether one
// was open.
func (m *Manager) closeSession(reason string) bool {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return false
	}
	m.endSessionLocked()
	m.mu.Unlock()

	m.teardown(s, reason)
	return true
}

// endSessionLocked clears session state. Caller holds m.mu.
func (m *Manager) endSessionLocked() {
	m.session = nil
	m.generation++
	m.measurements = ekomilk.NewSet()
	m.history.Clear()
}

func (m *Manager) teardown(s *session, reason string) {
	if err := s.port.Close(); err != nil {
		m.log.WithError(err).Debug("closing serial port")
	}
	Connected.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := m.directory.Disconnect(ctx, s.device.Address); err != nil {
		m.log.WithError(err).WithField("address", s.device.Address).Debug("baseband disconnect")
	}

	m.log.WithFields(logrus.Fields{"address": s.device.Address, "session": s.id, "reason": reason}).Info("disconnected")
	m.events.BroadcastDeviceDisconnected(s.id, s.device.Address, reason)
}

// readSession is the producer side: it turns the port into chunks on the
// shared queue until the port fails or is closed.
func (m *Manager) readSession(s *session) {
	defer m.wg.Done()

	reader := NewChunkReader(s.port, m.opts.delimiter())
	err := reader.Run(func(text string) {
		m.enqueue(chunk{generation: s.generation, text: text, received: time.Now()})
	})
	m.enqueue(chunk{generation: s.generation, closed: true, err: err})
}

func (m *Manager) enqueue(c chunk) bool {
	select {
	case m.chunks <- c:
		return true
	case <-m.stopChan:
		return false
	}
}

// InjectTestReading folds the analyser's sample line into the state, as if
// the device had sent it. Works with or without a connected device.
func (m *Manager) InjectTestReading() error {
	m.mu.RLock()
	running := m.isRunning
	m.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	m.log.WithField("data", ekomilk.SampleReading).Info("injecting test reading")
	if !m.enqueue(chunk{text: ekomilk.SampleReading, test: true, received: time.Now()}) {
		return ErrNotRunning
	}
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case c := <-m.chunks:
			m.handleChunk(c)
		}
	}
}

func (m *Manager) handleChunk(c chunk) {
	if c.closed {
		m.handleStreamClosed(c)
		return
	}

	m.mu.Lock()
	s := m.session
	if !c.test && (s == nil || s.generation != c.generation) {
		m.mu.Unlock()
		ChunksDropped.Inc()
		return
	}

	line := c.text
	source := "device"
	if c.test {
		line = "[TEST] " + c.text
		source = "test"
	}
	m.history.Add(line)

	found := ekomilk.Extract(c.text)
	next := ekomilk.Merge(m.measurements, found, c.received)
	m.measurements = next

	sessionID := ""
	if s != nil {
		sessionID = s.id
		if !c.test {
			s.lastData = c.received
			s.idleReported = false
		}
	}
	callback := m.measurementCallback
	m.mu.Unlock()

	ChunksReceived.WithLabelValues(source).Inc()
	m.events.BroadcastHistoryLine(sessionID, line, c.received)

	if len(found) == 0 {
		ChunksUnmatched.Inc()
		m.log.WithField("data", c.text).Debug("chunk carried no parameters")
		return
	}

	matched := ekomilk.Names(found)
	for _, name := range matched {
		ParametersParsed.WithLabelValues(name).Inc()
	}

	m.log.WithFields(logrus.Fields{"matched": matched, "session": sessionID}).Debug("measurements updated")
	m.events.BroadcastMeasurements(sessionID, next, matched)
	if callback != nil {
		callback(next)
	}
}

func (m *Manager) handleStreamClosed(c chunk) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.generation != c.generation {
		m.mu.Unlock()
		return
	}
	m.endSessionLocked()
	if c.err != nil && c.err != io.EOF {
		m.lastError = c.err.Error()
	}
	m.mu.Unlock()

	reason := "device closed the link"
	if c.err != nil && c.err != io.EOF {
		reason = fmt.Sprintf("read failed: %v", c.err)
	}
	m.log.WithField("address", s.device.Address).Warn("serial stream ended")
	m.teardown(s, reason)
}

func (m *Manager) monitorIdle() {
	defer m.wg.Done()

	interval := m.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			m.checkIdle(now)
		}
	}
}

// checkIdle reports a session once per silence longer than IdleTimeout.
func (m *Manager) checkIdle(now time.Time) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.idleReported || m.opts.IdleTimeout <= 0 || now.Sub(s.lastData) < m.opts.IdleTimeout {
		m.mu.Unlock()
		return
	}
	s.idleReported = true
	id, address, last := s.id, s.device.Address, s.lastData
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"address": address, "silent_for": now.Sub(last).Round(time.Second)}).Warn("no data from analyser")
	m.events.BroadcastDeviceIdle(id, address, last)
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ConnectionStatus{
		State:        ConnectionStateDisconnected,
		ErrorMessage: m.lastError,
	}
	if m.connecting {
		status.State = ConnectionStateConnecting
	}
	if s := m.session; s != nil {
		device := s.device
		connectedAt, lastData := s.connectedAt, s.lastData
		status.State = ConnectionStateConnected
		status.SessionID = s.id
		status.Device = &device
		status.ConnectedAt = &connectedAt
		status.LastData = &lastData
		status.Idle = s.idleReported
	}
	return status
}

// Measurements returns a copy of the current measurement set.
func (m *Manager) Measurements() ekomilk.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.measurements.Clone()
}

// History returns the buffered raw lines, oldest first.
func (m *Manager) History() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.Lines()
}
