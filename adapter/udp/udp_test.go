package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/wire"
)

func newTestAdapter(t *testing.T, deps Deps) (*Adapter, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	a, err := New(sensor.Metadata{ID: id, Protocol: sensor.UDP{Listen: "127.0.0.1:0"}}, deps)
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a, id
}

func dial(t *testing.T, a *Adapter) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, a.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func encode(t *testing.T, id uuid.UUID, seq uint32, v float64) []byte {
	t.Helper()
	data, err := (&wire.Codec{}).Encode(wire.Packet{
		Version:     wire.Version,
		TimestampNS: time.Now().UnixNano(),
		Sequence:    seq,
		SensorID:    id,
		Channels:    []wire.Entry{{ID: 1, Value: sensor.Float64Value(v), Quality: 100}},
	})
	require.NoError(t, err)
	return data
}

func TestNew_RejectsOtherProtocols(t *testing.T) {
	_, err := New(sensor.Metadata{ID: uuid.New(), Protocol: sensor.TCP{Address: "x:1"}}, Deps{})
	assert.True(t, errors.IsInvalid(err))
}

func TestAdapter_DeliversOnlyValidPacketsForItsSensor(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	a, id := newTestAdapter(t, Deps{Core: registry.CoreMetrics(), Metrics: m})
	samples := make(chan sensor.RawSample, 10)
	unsub, err := a.Subscribe(context.Background(), func(s sensor.RawSample, err error) {
		if err == nil {
			samples <- s
		}
	})
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	conn := dial(t, a)

	corrupted := encode(t, id, 1, 1.0)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = conn.Write(corrupted)
	require.NoError(t, err)
	_, err = conn.Write(encode(t, uuid.New(), 2, 2.0))
	require.NoError(t, err)
	_, err = conn.Write(encode(t, id, 3, 21.5))
	require.NoError(t, err)

	select {
	case s := <-samples:
		assert.Equal(t, sensor.Float64Value(21.5), s.Values[1])
		assert.Equal(t, sensor.QualityGood, s.Quality[1])
		assert.False(t, s.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
	}

	select {
	case s := <-samples:
		t.Fatalf("unexpected extra sample %+v", s)
	case <-time.After(100 * time.Millisecond):
	}

	received, rejected := a.Stats()
	assert.Equal(t, int64(3), received)
	assert.Equal(t, int64(1), rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().PacketsRejected.WithLabelValues("checksum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDropped.WithLabelValues("127.0.0.1:0", "foreign_sensor")))
}

func TestAdapter_WriteRepliesToLastPeer(t *testing.T) {
	a, id := newTestAdapter(t, Deps{})

	err := a.Write(context.Background(), adapter.Command{Payload: []byte("x")})
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	got := make(chan struct{}, 1)
	unsub, err := a.Subscribe(context.Background(), func(sensor.RawSample, error) { got <- struct{}{} })
	require.NoError(t, err)
	defer func() { _ = unsub() }()

	conn := dial(t, a)
	_, err = conn.Write(encode(t, id, 1, 1))
	require.NoError(t, err)
	<-got

	require.NoError(t, a.Write(context.Background(), adapter.Command{Payload: []byte("zero")}))

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "zero", string(buf[:n]))
}

func TestAdapter_SubscribeRequiresConnection(t *testing.T) {
	a, err := New(sensor.Metadata{ID: uuid.New(), Protocol: sensor.UDP{Listen: "127.0.0.1:0"}}, Deps{})
	require.NoError(t, err)

	_, err = a.Subscribe(context.Background(), func(sensor.RawSample, error) {})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Nil(t, a.Addr())
}

func TestAdapter_DoubleSubscribe(t *testing.T) {
	a, _ := newTestAdapter(t, Deps{})
	unsub, err := a.Subscribe(context.Background(), func(sensor.RawSample, error) {})
	require.NoError(t, err)

	_, err = a.Subscribe(context.Background(), func(sensor.RawSample, error) {})
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, unsub())
	require.NoError(t, unsub())
}
