//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	ts := NewTestServer(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, ts.Client.Subscribe(ctx, "daq.readings.*", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, ts.Client.Publish(ctx, "daq.readings.abc", []byte("packet")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("packet"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := ts.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_StreamPublish(t *testing.T) {
	ts := NewTestServer(t, WithJetStream())
	ctx := context.Background()

	stream, err := ts.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "DAQ_READINGS",
		Subjects: []string{"daq.readings.>"},
	})
	require.NoError(t, err)

	_, err = ts.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "DAQ_READINGS",
		Subjects: []string{"daq.readings.>"},
		MaxAge:   time.Hour,
	})
	require.NoError(t, err, "ensuring an existing stream updates it")

	require.NoError(t, ts.Client.PublishToStream(ctx, "daq.readings.abc", []byte("one")))
	require.NoError(t, ts.Client.PublishToStream(ctx, "daq.readings.abc", []byte("two")))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestIntegration_KVStore(t *testing.T) {
	ts := NewTestServer(t, WithKVBuckets("daq_catalog"))
	ctx := context.Background()

	kv, err := ts.KVStore(ctx, "daq_catalog")
	require.NoError(t, err)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Put(ctx, "sensor.a", []byte(`{"name":"a"}`))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))
	_, err = kv.Put(ctx, "group.g", []byte(`{"name":"g"}`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "sensor.a")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision)
	assert.JSONEq(t, `{"name":"a"}`, string(entry.Value))

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sensor.a", "group.g"}, keys)

	require.NoError(t, kv.Delete(ctx, "sensor.a"))
	_, err = kv.Get(ctx, "sensor.a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	_, err = kv.Put(ctx, "big", make([]byte, DefaultKVOptions().MaxValueSize+1))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)
}
