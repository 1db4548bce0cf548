package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/wire"
)

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// runningSensor registers, configures and starts a sensor.
func (ts *testServer) runningSensor(t *testing.T) uuid.UUID {
	t.Helper()
	id := ts.registerSensor(t)
	resp, body := ts.do(t, http.MethodPut, "/api/sensors/"+id.String()+"/config",
		`{"enabled": true, "sampling_rate": 100, "storage": {"mode": "none"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	resp, body = ts.do(t, http.MethodPost, "/api/sensors/"+id.String()+"/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return id
}

func send(t *testing.T, conn *websocket.Conn, msg controlMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readControl(t *testing.T, conn *websocket.Conn) controlMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var msg controlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func subscribeTo(t *testing.T, conn *websocket.Conn, msg controlMessage) string {
	t.Helper()
	msg.Type = msgSubscribe
	send(t, conn, msg)
	reply := readControl(t, conn)
	require.Equal(t, msgSubscribe, reply.Type, reply.Message)
	require.NotEmpty(t, reply.Subscription)
	return reply.Subscription
}

func emit(t *testing.T, ts *testServer, id uuid.UUID, ts0 time.Time, v float64) {
	t.Helper()
	require.True(t, ts.set.Get(id).Emit(sensor.RawSample{
		Timestamp: ts0,
		Values:    map[uint16]sensor.Value{0: sensor.Float64Value(v)},
	}))
}

func TestWebSocket_JSONSubscription(t *testing.T) {
	ts := newTestServer(t, true, nil)
	id := ts.runningSensor(t)
	conn := ts.dial(t)

	subID := subscribeTo(t, conn, controlMessage{Sensors: []uuid.UUID{id}, Format: formatJSON})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	emit(t, ts, id, base, 21.25)

	msg := readControl(t, conn)
	require.Equal(t, msgData, msg.Type)
	assert.Equal(t, subID, msg.Subscription)

	var p wire.Packet
	require.NoError(t, json.Unmarshal(msg.Packet, &p))
	assert.Equal(t, id, p.SensorID)
	assert.Equal(t, uint32(1), p.Sequence)
	assert.Equal(t, base.UnixNano(), p.TimestampNS)
	require.Len(t, p.Channels, 1)
	f, ok := p.Channels[0].Value.Float()
	require.True(t, ok)
	assert.Equal(t, 21.25, f)

	send(t, conn, controlMessage{Type: msgUnsubscribe, Subscription: subID})
	reply := readControl(t, conn)
	assert.Equal(t, msgUnsubscribe, reply.Type)
	assert.Equal(t, 0, ts.engine.Hub().Len())
}

func TestWebSocket_BinarySubscription(t *testing.T) {
	ts := newTestServer(t, true, func(c *config.Config) { c.Wire.Compress = true })
	id := ts.runningSensor(t)
	conn := ts.dial(t)

	subscribeTo(t, conn, controlMessage{Patterns: []string{"sensors/+/0"}})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	emit(t, ts, id, base, 3.5)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)

	p, err := ts.engine.Codec().Decode(data)
	require.NoError(t, err)
	assert.Equal(t, id, p.SensorID)
	assert.True(t, p.Flags.Has(wire.FlagCompressed))
	f, ok := p.Channels[0].Value.Float()
	require.True(t, ok)
	assert.Equal(t, 3.5, f)
}

func TestWebSocket_RateOverride(t *testing.T) {
	ts := newTestServer(t, true, nil)
	id := ts.runningSensor(t)
	conn := ts.dial(t)

	rate := 1.0
	subID := subscribeTo(t, conn, controlMessage{Sensors: []uuid.UUID{id}, Format: formatJSON, MaxRate: &rate})

	probe, err := ts.engine.Hub().Subscribe(stream.Request{Name: "probe", Sensors: []uuid.UUID{id}})
	require.NoError(t, err)
	defer probe.Close()

	// Ten readings 100ms apart in reading time; at 1/s only the first passes.
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		emit(t, ts, id, base.Add(time.Duration(i)*100*time.Millisecond), float64(i))
	}
	var seen int
	require.Eventually(t, func() bool {
		seen += len(probe.Drain())
		return seen == 10
	}, 2*time.Second, 5*time.Millisecond)

	msg := readControl(t, conn)
	require.Equal(t, msgData, msg.Type)
	var p wire.Packet
	require.NoError(t, json.Unmarshal(msg.Packet, &p))
	assert.Equal(t, uint32(1), p.Sequence)

	// Lift the override and switch to binary frames.
	zero := 0.0
	send(t, conn, controlMessage{Type: msgConfig, Subscription: subID, MaxRate: &zero, Format: formatBinary})
	require.Equal(t, msgConfig, readControl(t, conn).Type)

	emit(t, ts, id, base.Add(2*time.Second), 42)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	p, err = ts.engine.Codec().Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), p.Sequence)
}

func TestWebSocket_ControlErrors(t *testing.T) {
	ts := newTestServer(t, true, nil)
	conn := ts.dial(t)

	tests := []struct {
		name string
		msg  controlMessage
	}{
		{"unknown type", controlMessage{Type: "shout"}},
		{"subscribe without targets", controlMessage{Type: msgSubscribe}},
		{"bad pattern", controlMessage{Type: msgSubscribe, Patterns: []string{"sensors/#/0"}}},
		{"bad format", controlMessage{Type: msgSubscribe, Patterns: []string{"sensors/#"}, Format: "xml"}},
		{"oversized queue", controlMessage{Type: msgSubscribe, Patterns: []string{"sensors/#"}, QueueSize: 1 << 40}},
		{"unknown subscription", controlMessage{Type: msgUnsubscribe, Subscription: uuid.NewString()}},
		{"malformed subscription", controlMessage{Type: msgConfig, Subscription: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.msg)
			reply := readControl(t, conn)
			assert.Equal(t, msgError, reply.Type)
			assert.NotEmpty(t, reply.Message)
		})
	}

	assert.Equal(t, 0, ts.engine.Hub().Len())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, msgError, readControl(t, conn).Type)

	send(t, conn, controlMessage{Type: msgHeartbeat})
	hb := readControl(t, conn)
	assert.Equal(t, msgHeartbeat, hb.Type)
	assert.NotZero(t, hb.Timestamp)
}

func TestWebSocket_DisconnectReleasesSubscriptions(t *testing.T) {
	ts := newTestServer(t, true, nil)
	conn := ts.dial(t)

	subscribeTo(t, conn, controlMessage{Patterns: []string{"sensors/#"}})
	subscribeTo(t, conn, controlMessage{Patterns: []string{"sensors/+/1"}})
	require.Equal(t, 2, ts.engine.Hub().Len())

	resp, body := ts.do(t, http.MethodGet, "/api/stream/diagnostics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["clients"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.engine.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ts.srv.clientsMu.RLock()
		defer ts.srv.clientsMu.RUnlock()
		return len(ts.srv.clients) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ServerCloseDisconnectsClients(t *testing.T) {
	ts := newTestServer(t, true, nil)
	conn := ts.dial(t)
	subscribeTo(t, conn, controlMessage{Patterns: []string{"sensors/#"}})

	ts.srv.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
	assert.Equal(t, 0, ts.engine.Hub().Len())
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, true, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://console.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	_ = conn.Close()
}

func TestMinInterval(t *testing.T) {
	d, err := minInterval(4)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = minInterval(0)
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = minInterval(-1)
	assert.Error(t, err)
}
