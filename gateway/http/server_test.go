package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/adapter/fake"
	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/engine"
	pkgerrors "github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/storage/memory"
	"github.com/jnarwell/wit-sub006/stream"
)

const sensorBody = `{
	"name": "boiler",
	"category": "temperature",
	"protocol": {"kind": "udp", "listen": "127.0.0.1:0"},
	"channels": [{"id": 0, "name": "temp", "unit": "C", "data_type": "float64"}]
}`

type testServer struct {
	*httptest.Server
	srv    *Server
	engine *engine.Engine
	set    *fake.Set
	store  *memory.Store
}

func newTestServer(t *testing.T, start bool, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Adapters = config.AdaptersConfig{}
	cfg.HTTP.AllowedOrigins = []string{"https://console.example"}
	if mutate != nil {
		mutate(cfg)
	}

	factory := adapter.NewFactory()
	set := fake.NewSet(adapter.Capabilities{MaxSamplingRate: 1000})
	require.NoError(t, set.Register(factory, sensor.ConnUDP))
	store := memory.New()

	eng, err := engine.New(context.Background(), cfg,
		engine.WithAdapterFactory(factory), engine.WithStore(store))
	require.NoError(t, err)
	if start {
		require.NoError(t, eng.Start(context.Background()))
	}

	srv := NewServer(eng, cfg.HTTP, WithPingInterval(50*time.Millisecond, 10*time.Second))
	ts := &testServer{Server: httptest.NewServer(srv), srv: srv, engine: eng, set: set, store: store}
	t.Cleanup(func() {
		srv.Close()
		ts.Server.Close()
		_ = eng.Shutdown(time.Second)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (ts *testServer) list(t *testing.T, path string) []any {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) registerSensor(t *testing.T) uuid.UUID {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/sensors", sensorBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id, err := uuid.Parse(body["sensor"].(map[string]any)["id"].(string))
	require.NoError(t, err)
	return id
}

func TestGetOrGenerateRequestID(t *testing.T) {
	tests := []struct {
		name          string
		headerValue   string
		shouldExtract bool
	}{
		{name: "extract existing request ID", headerValue: "existing-request-id-12345", shouldExtract: true},
		{name: "generate new request ID when header missing"},
		{name: "extract UUID-style request ID", headerValue: "550e8400-e29b-41d4-a716-446655440000", shouldExtract: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.headerValue != "" {
				req.Header.Set("X-Request-ID", tt.headerValue)
			}

			requestID := getOrGenerateRequestID(req)
			if tt.shouldExtract {
				assert.Equal(t, tt.headerValue, requestID)
			} else {
				assert.Len(t, requestID, 16)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"sensor not found", pkgerrors.WrapInvalid(pkgerrors.ErrSensorNotFound, "Registry", "Get", "find"), http.StatusNotFound},
		{"group not found", pkgerrors.WrapInvalid(pkgerrors.ErrGroupNotFound, "Registry", "GetGroup", "find"), http.StatusNotFound},
		{"alert not found", pkgerrors.ErrAlertNotFound, http.StatusNotFound},
		{"duplicate", pkgerrors.WrapInvalid(pkgerrors.ErrDuplicateSensor, "Registry", "Register", "check id"), http.StatusConflict},
		{"active group", pkgerrors.WrapInvalid(pkgerrors.ErrSensorInActiveGroup, "Registry", "Remove", "check"), http.StatusConflict},
		{"not hot swappable", pkgerrors.WrapInvalid(pkgerrors.ErrNotHotSwappable, "Registry", "Update", "check"), http.StatusConflict},
		{"invalid transition", pkgerrors.WrapInvalid(pkgerrors.ErrInvalidTransition, "Scheduler", "Start", "check"), http.StatusConflict},
		{"capability", pkgerrors.WrapInvalid(pkgerrors.ErrCapabilityViolation, "Registry", "Configure", "check"), http.StatusBadRequest},
		{"invalid", pkgerrors.WrapInvalid(pkgerrors.ErrInvalidConfig, "sensor", "Validate", "check"), http.StatusBadRequest},
		{"exhausted", pkgerrors.WrapFatal(pkgerrors.ErrResourceExhausted, "Hub", "Subscribe", "allocate"), http.StatusServiceUnavailable},
		{"not started", pkgerrors.WrapInvalid(pkgerrors.ErrNotStarted, "Engine", "Start", "check"), http.StatusServiceUnavailable},
		{"fatal", pkgerrors.WrapFatal(fmt.Errorf("disk gone"), "Store", "Append", "write"), http.StatusServiceUnavailable},
		{"timeout", pkgerrors.WrapTransient(context.DeadlineExceeded, "Store", "Query", "read"), http.StatusGatewayTimeout},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestSanitizeError(t *testing.T) {
	err := fmt.Errorf("dial tcp 10.0.0.7:5432: connection refused")
	assert.Equal(t, "service temporarily unavailable", sanitizeError(http.StatusServiceUnavailable, err))
	assert.Equal(t, "internal server error", sanitizeError(http.StatusInternalServerError, err))
	assert.Equal(t, "bad field", sanitizeError(http.StatusBadRequest, fmt.Errorf("bad field")))
}

func TestServer_SensorLifecycle(t *testing.T) {
	ts := newTestServer(t, true, nil)
	id := ts.registerSensor(t)

	resp, body := ts.do(t, http.MethodGet, "/api/sensors/"+id.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	cfg := `{"enabled": true, "sampling_rate": 10, "storage": {"mode": "aggregate", "window_size": 2}}`
	resp, body = ts.do(t, http.MethodPut, "/api/sensors/"+id.String()+"/config", cfg)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, id.String(), body["sensor_id"])

	resp, body = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "running", body["state"])

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := ts.set.Get(id)
	for i, v := range []float64{20.5, 21.5} {
		require.True(t, a.Emit(sensor.RawSample{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Values:    map[uint16]sensor.Value{0: sensor.Float64Value(v)},
		}))
	}
	require.Eventually(t, func() bool { return ts.store.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	q := fmt.Sprintf("/api/sensors/%s/query?from=%s&to=%s", id,
		base.Format(time.RFC3339), base.Add(time.Minute).Format(time.RFC3339))
	resp, body = ts.do(t, http.MethodGet, q, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	points := body["points"].([]any)
	require.Len(t, points, 2)
	assert.Equal(t, 21.5, points[1].(map[string]any)["value"])

	q = fmt.Sprintf("/api/sensors/%s/query?from=%d&to=%d", id,
		base.UnixMilli(), base.Add(time.Minute).UnixMilli())
	resp, body = ts.do(t, http.MethodGet, q, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, body["points"], 2)

	// Structural changes need a stopped sensor.
	resp, _ = ts.do(t, http.MethodPatch, "/api/sensors/"+id.String(), `{"name": "renamed"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, body = ts.do(t, http.MethodPatch, "/api/sensors/"+id.String(), `{"location": "plant 2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "plant 2", body["sensor"].(map[string]any)["location"])

	resp, _ = ts.do(t, http.MethodDelete, "/api/sensors/"+id.String(), "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "running sensors cannot be removed")

	resp, body = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "stopped", body["state"])

	resp, body = ts.do(t, http.MethodPatch, "/api/sensors/"+id.String(),
		`{"name": "renamed", "protocol": {"kind": "udp", "listen": "127.0.0.1:9999"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	sensorJSON := body["sensor"].(map[string]any)
	assert.Equal(t, "renamed", sensorJSON["name"])
	assert.Equal(t, "127.0.0.1:9999", sensorJSON["protocol"].(map[string]any)["listen"])

	assert.Len(t, ts.list(t, "/api/sensors?category=temperature"), 1)
	assert.Empty(t, ts.list(t, "/api/sensors?category=pressure"))

	resp, _ = ts.do(t, http.MethodDelete, "/api/sensors/"+id.String(), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/sensors/"+id.String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, false, nil)
	id := ts.registerSensor(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"duplicate sensor", http.MethodPost, "/api/sensors",
			strings.Replace(sensorBody, `"name"`, `"id": "`+id.String()+`", "name"`, 1), http.StatusConflict},
		{"malformed body", http.MethodPost, "/api/sensors", `{"name":`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/api/groups", "", http.StatusBadRequest},
		{"unknown protocol", http.MethodPost, "/api/sensors",
			strings.Replace(sensorBody, `"udp"`, `"carrier-pigeon"`, 1), http.StatusBadRequest},
		{"malformed id", http.MethodGet, "/api/sensors/not-a-uuid", "", http.StatusBadRequest},
		{"unknown sensor", http.MethodGet, "/api/sensors/" + uuid.NewString(), "", http.StatusNotFound},
		{"unknown group", http.MethodDelete, "/api/groups/" + uuid.NewString(), "", http.StatusNotFound},
		{"config above capability", http.MethodPut, "/api/sensors/" + id.String() + "/config",
			`{"enabled": true, "sampling_rate": 1001}`, http.StatusBadRequest},
		{"config for other sensor", http.MethodPut, "/api/sensors/" + id.String() + "/config",
			`{"sensor_id": "` + uuid.NewString() + `", "sampling_rate": 1}`, http.StatusBadRequest},
		{"start before engine start", http.MethodPost, "/api/sensors/" + id.String() + "/start", "", http.StatusServiceUnavailable},
		{"bad decimation", http.MethodGet, "/api/sensors/" + id.String() + "/query?decimation=x", "", http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/sensors/" + id.String() + "/query?from=yesterday", "", http.StatusBadRequest},
		{"bad range", http.MethodGet, "/api/sensors/" + id.String() +
			"/query?from=2024-03-02T00:00:00Z&to=2024-03-01T00:00:00Z", "", http.StatusBadRequest},
		{"unknown event", http.MethodPost, "/api/alerts/events/" + uuid.NewString() + "/ack", "", http.StatusNotFound},
		{"unknown route", http.MethodGet, "/api/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodPut, "/api/sensors", "{}", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, body)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.EqualValues(t, tt.want, body["status"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_Command(t *testing.T) {
	ts := newTestServer(t, true, nil)
	idle := ts.registerSensor(t)
	cmd := `{"channel": 0, "name": "setpoint", "payload": "AQI="}`

	resp, body := ts.do(t, http.MethodPost, "/api/sensors/"+idle.String()+"/command", cmd)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "idle sensors have no adapter: %v", body)
	resp, _ = ts.do(t, http.MethodPost, "/api/sensors/"+uuid.NewString()+"/command", cmd)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := ts.runningSensor(t)
	resp, body = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/command", cmd)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.EqualValues(t, 2, body["bytes"])

	writes := ts.set.Get(id).Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "setpoint", writes[0].Name)
	assert.Equal(t, []byte{0x01, 0x02}, writes[0].Payload)

	resp, _ = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/command", `{"name": "empty"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.set.Get(id).SetReadOnly(true)
	resp, _ = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/command", cmd)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "read-only transports reject writes")
	assert.Len(t, ts.set.Get(id).Writes(), 1)
}

func TestServer_GroupsAndAlerts(t *testing.T) {
	ts := newTestServer(t, true, nil)
	a := ts.registerSensor(t)
	b := ts.registerSensor(t)
	for _, id := range []uuid.UUID{a, b} {
		resp, body := ts.do(t, http.MethodPut, "/api/sensors/"+id.String()+"/config", `{"enabled": true, "sampling_rate": 5}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/groups",
		fmt.Sprintf(`{"name": "line-1", "members": ["%s", "%s"]}`, a, b))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	groupID := body["id"].(string)
	assert.Equal(t, "/api/groups/"+groupID, resp.Header.Get("Location"))
	assert.Len(t, ts.list(t, "/api/groups"), 1)

	resp, body = ts.do(t, http.MethodPost, "/api/groups/"+groupID+"/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	members := body["members"].(map[string]any)
	assert.Equal(t, "running", members[a.String()])
	assert.Equal(t, "running", members[b.String()])

	resp, _ = ts.do(t, http.MethodDelete, "/api/sensors/"+a.String(), "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/alerts", fmt.Sprintf(`{
		"name": "overheat", "sensor_id": "%s", "channel": 0, "severity": "critical",
		"condition": {"kind": "threshold", "max": 80}}`, a))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	alertID := body["id"].(string)
	assert.Equal(t, "threshold", body["condition"].(map[string]any)["kind"])

	resp, _ = ts.do(t, http.MethodPost, "/api/alerts", fmt.Sprintf(`{
		"name": "ghost", "sensor_id": "%s", "channel": 9, "condition": {"kind": "threshold", "max": 1}}`, a))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "channel 9 does not exist")

	require.True(t, ts.set.Get(a).Emit(sensor.RawSample{
		Timestamp: time.Now(),
		Values:    map[uint16]sensor.Value{0: sensor.Float64Value(95)},
	}))
	var events []any
	require.Eventually(t, func() bool {
		events = ts.list(t, "/api/alerts/events?state=active")
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	eventID := events[0].(map[string]any)["id"].(string)

	resp, body = ts.do(t, http.MethodPost, "/api/alerts/events/"+eventID+"/ack", `{"by": "operator"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "acknowledged", body["state"])
	assert.Equal(t, "operator", body["acknowledged_by"])
	assert.Len(t, ts.list(t, "/api/alerts/events"), 1)

	resp, _ = ts.do(t, http.MethodPost, "/api/groups/"+groupID+"/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/groups/"+groupID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/alerts/"+alertID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/alerts/"+alertID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Discover(t *testing.T) {
	ts := newTestServer(t, true, nil)

	// Discovery probes through a throwaway adapter keyed by the probe id.
	ts.set.Get(uuid.Nil).SetDescriptors(sensor.Descriptor{
		Manufacturer: "Acme", Model: "T1000", SerialNumber: "42", Category: "temperature",
		Channels: []sensor.Channel{{ID: 0, Name: "temp", DataType: sensor.TypeFloat64}},
	})

	resp, err := ts.Client().Post(ts.URL+"/api/sensors/discover", "application/json",
		strings.NewReader(`{"name": "probe", "protocol": {"kind": "udp", "listen": "127.0.0.1:0"}, "channels": []}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&found))
	require.Len(t, found, 1)
	assert.Equal(t, "Acme", found[0]["sensor"].(map[string]any)["manufacturer"])
	assert.Len(t, ts.list(t, "/api/sensors"), 1)
}

func TestServer_CORS(t *testing.T) {
	ts := newTestServer(t, false, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/sensors", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://console.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")

	req.Header.Set("Origin", "https://evil.example")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_HealthMetricsDiagnostics(t *testing.T) {
	ts := newTestServer(t, true, nil)
	ts.registerSensor(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "healthy", body["status"])

	sub, err := ts.engine.Hub().Subscribe(stream.Request{Name: "diag", Patterns: []string{"sensors/#"}})
	require.NoError(t, err)
	defer sub.Close()

	resp, body = ts.do(t, http.MethodGet, "/api/stream/diagnostics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	subs := body["subscribers"].([]any)
	require.Len(t, subs, 1)
	assert.Equal(t, "diag", subs[0].(map[string]any)["name"])

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "daq_http_requests_total")
	assert.Contains(t, string(raw), `route="/api/sensors"`)
	assert.Contains(t, string(raw), "daq_engine_operations_total")
}
