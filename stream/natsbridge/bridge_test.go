package natsbridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/stream"
	"github.com/jnarwell/wit-sub006/wire"
)

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []message
	failNext int
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("not connected")
	}
	p.msgs = append(p.msgs, message{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func startBridge(t *testing.T, pub *fakePublisher, cfg Config) (*stream.Hub, *Bridge, *wire.Codec) {
	t.Helper()
	hub := stream.NewHub(stream.Config{})
	codec, err := wire.NewCodec()
	require.NoError(t, err)
	b, err := New(hub, pub, codec, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)
	return hub, b, codec
}

func reading(id uuid.UUID, seq uint32, v float64) sensor.Reading {
	return sensor.Reading{
		SensorID:  id,
		Sequence:  seq,
		Timestamp: time.Unix(1700000000, int64(seq)),
		Values: map[uint16]sensor.ChannelValue{
			0: {Value: sensor.Float64Value(v), Quality: sensor.QualityGood},
		},
	}
}

func TestBridge_PublishesWirePackets(t *testing.T) {
	pub := &fakePublisher{}
	hub, b, codec := startBridge(t, pub, Config{})
	id := uuid.New()

	hub.Publish(reading(id, 1, 21.5))
	hub.Publish(reading(id, 2, 22.5))

	require.Eventually(t, func() bool { return len(pub.messages()) == 2 }, time.Second, time.Millisecond)
	for i, msg := range pub.messages() {
		assert.Equal(t, "daq.readings."+id.String(), msg.subject)
		p, err := codec.Decode(msg.data)
		require.NoError(t, err)
		assert.Equal(t, id, p.SensorID)
		assert.Equal(t, uint32(i+1), p.Sequence)
		require.Len(t, p.Channels, 1)
		f, _ := p.Channels[0].Value.Float()
		assert.Equal(t, 21.5+float64(i), f)
	}
	assert.Equal(t, uint64(2), b.Published())
}

func TestBridge_PublishFailuresDoNotStop(t *testing.T) {
	pub := &fakePublisher{failNext: 2}
	hub, b, _ := startBridge(t, pub, Config{SubjectPrefix: "plant.a"})
	id := uuid.New()

	for seq := uint32(1); seq <= 3; seq++ {
		hub.Publish(reading(id, seq, 1))
	}

	require.Eventually(t, func() bool { return b.Published() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), b.Failed())
	assert.Equal(t, "plant.a."+id.String(), pub.messages()[0].subject)
}

func TestBridge_FiltersByRequest(t *testing.T) {
	pub := &fakePublisher{}
	wanted := uuid.New()
	hub, b, _ := startBridge(t, pub, Config{Request: stream.Request{Sensors: []uuid.UUID{wanted}}})

	hub.Publish(reading(uuid.New(), 1, 1))
	hub.Publish(reading(wanted, 1, 1))

	require.Eventually(t, func() bool { return b.Published() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, b.Subject(wanted.String()), pub.messages()[0].subject)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, &fakePublisher{}, nil, Config{})
	assert.Error(t, err)
}
