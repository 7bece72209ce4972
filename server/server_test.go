package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amriksingh0786/EkoMilkBluetooth/bluetooth"
	"github.com/amriksingh0786/EkoMilkBluetooth/ekomilk"
	"github.com/amriksingh0786/EkoMilkBluetooth/utils"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	mu           sync.Mutex
	devices      []utils.BluetoothDeviceInfo
	scans        int
	adapterOff   bool
	connectErr   error
	disconnected bool
	connected    string
	measurements ekomilk.Set
	history      []string
	injected     int
}

func (f *fakeManager) AdapterPowered(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.adapterOff, nil
}

func (f *fakeManager) ScanDevices(ctx context.Context) ([]utils.BluetoothDeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adapterOff {
		return nil, bluetooth.ErrAdapterOff
	}
	f.scans++
	return f.devices, nil
}

func (f *fakeManager) Devices() []utils.BluetoothDeviceInfo {
	return nil
}

func (f *fakeManager) Connect(ctx context.Context, address string) (*utils.BluetoothDeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connected = address
	return &utils.BluetoothDeviceInfo{Address: address, Name: "HC-05", Connected: true}, nil
}

func (f *fakeManager) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == "" {
		return bluetooth.ErrNotConnected
	}
	f.connected = ""
	f.disconnected = true
	return nil
}

func (f *fakeManager) Status() bluetooth.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == "" {
		return bluetooth.ConnectionStatus{State: bluetooth.ConnectionStateDisconnected}
	}
	return bluetooth.ConnectionStatus{
		State:  bluetooth.ConnectionStateConnected,
		Device: &utils.BluetoothDeviceInfo{Address: f.connected},
	}
}

func (f *fakeManager) Measurements() ekomilk.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measurements.Clone()
}

func (f *fakeManager) setMeasurements(set ekomilk.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.measurements = set
}

func (f *fakeManager) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

func (f *fakeManager) read(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeManager) InjectTestReading() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected++
	return nil
}

func newTestServer(t *testing.T, m *fakeManager) (*Server, *httptest.Server) {
	t.Helper()
	log, _ := test.NewNullLogger()
	s := NewServer(m, utils.NewWebSocketHub(log), log, "test")
	s.streamInterval = 10 * time.Millisecond

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, true, checks["adapter_powered"])
}

func TestHealthAdapterOff(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{adapterOff: true})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, false, checks["adapter_powered"])
}

func TestDevicesAdapterOff(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{adapterOff: true})

	resp, err := http.Get(ts.URL + "/api/bluetooth/devices")
	require.NoError(t, err)
	var body ErrorResponse
	decode(t, resp, &body)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, bluetooth.ErrAdapterOff.Error(), body.Details)
}

func TestMeasurementsEndpoint(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	m := &fakeManager{measurements: ekomilk.IngestAt(ekomilk.SampleReading, ekomilk.NewSet(), at)}
	_, ts := newTestServer(t, m)

	resp, err := http.Get(ts.URL + "/api/measurements")
	require.NoError(t, err)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, 3.5, body["fat"])
	assert.Equal(t, 8.2, body["snf"])
	assert.Equal(t, 1.028, body["density"])
	assert.Equal(t, 3.1, body["protein"])
	assert.Equal(t, 4.8, body["lactose"])
	assert.Equal(t, 87.5, body["water"])
	assert.Equal(t, 25.0, body["temperature"])
	assert.Equal(t, "2024-05-01T08:30:00Z", body["lastUpdated"])
}

func TestEmptyMeasurements(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{measurements: ekomilk.NewSet()})

	resp, err := http.Get(ts.URL + "/api/measurements")
	require.NoError(t, err)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Empty(t, body)
}

func TestHistoryEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{history: []string{"FAT=3.5%", "[TEST] SNF=8.2%"}})

	resp, err := http.Get(ts.URL + "/api/history")
	require.NoError(t, err)

	var body HistoryResponse
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []string{"FAT=3.5%", "[TEST] SNF=8.2%"}, body.Lines)
}

func TestDevicesScansWhenCacheEmpty(t *testing.T) {
	m := &fakeManager{devices: []utils.BluetoothDeviceInfo{{Address: "98:D3:31:F5:2A:10", Name: "HC-05", Paired: true}}}
	_, ts := newTestServer(t, m)

	resp, err := http.Get(ts.URL + "/api/bluetooth/devices?refresh=true")
	require.NoError(t, err)

	var body DevicesResponse
	decode(t, resp, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "HC-05", body.Devices[0].Name)
	m.read(func() { assert.Equal(t, 1, m.scans) })
}

func TestConnectAndDisconnect(t *testing.T) {
	m := &fakeManager{}
	_, ts := newTestServer(t, m)

	resp, err := http.Post(ts.URL+"/api/bluetooth/connect/98:D3:31:F5:2A:10", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	m.read(func() { assert.Equal(t, "98:D3:31:F5:2A:10", m.connected) })

	resp, err = http.Get(ts.URL + "/api/bluetooth/status")
	require.NoError(t, err)
	var status bluetooth.ConnectionStatus
	decode(t, resp, &status)
	assert.Equal(t, bluetooth.ConnectionStateConnected, status.State)

	resp, err = http.Post(ts.URL+"/api/bluetooth/disconnect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	m.read(func() { assert.True(t, m.disconnected) })

	resp, err = http.Post(ts.URL+"/api/bluetooth/disconnect", "application/json", nil)
	require.NoError(t, err)
	var errBody ErrorResponse
	decode(t, resp, &errBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Failed to disconnect", errBody.Error)
	assert.NotZero(t, errBody.Timestamp)
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		address string
		err     error
		status  int
	}{
		{"invalid address", "not-an-address", nil, http.StatusBadRequest},
		{"unknown device", "00:11:22:33:44:55", fmt.Errorf("00:11:22:33:44:55: %w", bluetooth.ErrUnknownDevice), http.StatusNotFound},
		{"not running", "00:11:22:33:44:55", bluetooth.ErrNotRunning, http.StatusServiceUnavailable},
		{"adapter off", "00:11:22:33:44:55", bluetooth.ErrAdapterOff, http.StatusServiceUnavailable},
		{"dial failed", "00:11:22:33:44:55", fmt.Errorf("open /dev/rfcomm0: no such file"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, &fakeManager{connectErr: tt.err})

			resp, err := http.Post(ts.URL+"/api/bluetooth/connect/"+tt.address, "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestInjectTestReading(t *testing.T) {
	m := &fakeManager{}
	_, ts := newTestServer(t, m)

	resp, err := http.Post(ts.URL+"/api/measurements/test", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	m.read(func() { assert.Equal(t, 1, m.injected) })
}

func TestParseIsStateless(t *testing.T) {
	m := &fakeManager{measurements: ekomilk.NewSet()}
	_, ts := newTestServer(t, m)

	body := "FAT=3.5% SNF=8.2%\nnoise\nFAT=4.1% TEMP=24.5C\n"
	resp, err := http.Post(ts.URL+"/api/measurements/parse", "text/plain", strings.NewReader(body))
	require.NoError(t, err)

	var got ParseResponse
	decode(t, resp, &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"fat", "snf", "temperature"}, got.Matched)

	fat, _ := got.Measurements.Get(ekomilk.Fat)
	assert.Equal(t, 4.1, fat)
	temp, _ := got.Measurements.Get(ekomilk.Temperature)
	assert.Equal(t, 24.5, temp)
	assert.Equal(t, 0, m.Measurements().Len())
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t, &fakeManager{})

	resp, err := http.Get(ts.URL + "/api/nothing")
	require.NoError(t, err)
	var body ErrorResponse
	decode(t, resp, &body)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", body.Error)
}

func TestStreamSendsUpdates(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	m := &fakeManager{measurements: ekomilk.IngestAt("FAT=3.5%", ekomilk.NewSet(), at)}
	_, ts := newTestServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/measurements/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.Equal(t, "measurements", first.name)
	assert.JSONEq(t, `{"fat":3.5,"lastUpdated":"2024-05-01T08:30:00Z"}`, first.data)

	m.setMeasurements(ekomilk.IngestAt("SNF=8.2%", m.Measurements(), at.Add(time.Second)))

	second := readEvent(t, reader)
	assert.JSONEq(t, `{"fat":3.5,"snf":8.2,"lastUpdated":"2024-05-01T08:30:01Z"}`, second.data)
}

func TestStreamSendsClearedSet(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	m := &fakeManager{measurements: ekomilk.IngestAt("FAT=3.5%", ekomilk.NewSet(), at)}
	_, ts := newTestServer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/measurements/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.JSONEq(t, `{"fat":3.5,"lastUpdated":"2024-05-01T08:30:00Z"}`, first.data)

	m.setMeasurements(ekomilk.NewSet())

	cleared := readEvent(t, reader)
	assert.Equal(t, "measurements", cleared.name)
	assert.JSONEq(t, `{}`, cleared.data)

	// An earlier timestamp than the first reading still goes out after a clear.
	m.setMeasurements(ekomilk.IngestAt("SNF=8.2%", ekomilk.NewSet(), at.Add(-time.Minute)))

	next := readEvent(t, reader)
	assert.JSONEq(t, `{"snf":8.2,"lastUpdated":"2024-05-01T08:29:00Z"}`, next.data)
}

func TestWriteJSONResponseLogsThroughServer(t *testing.T) {
	log, hook := test.NewNullLogger()
	s := NewServer(&fakeManager{}, nil, log, "test")

	rec := httptest.NewRecorder()
	s.writeJSONResponse(rec, http.StatusOK, make(chan int))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "failed to encode JSON response", hook.LastEntry().Message)
	assert.Equal(t, "http", hook.LastEntry().Data["component"])
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && ev.name != "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}
