package natsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	daqerrors "github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_RejectsBadOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	assert.True(t, daqerrors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithMaxBackoff(time.Millisecond))
	assert.True(t, daqerrors.IsInvalid(err))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, daqerrors.Is(err, daqerrors.ErrCircuitOpen))
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(5*time.Second))
	require.NoError(t, err)

	trip := func() {
		for i := 0; i < 5; i++ {
			client.recordFailure()
		}
	}

	trip()
	assert.Equal(t, 2*time.Second, client.Backoff())
	trip()
	assert.Equal(t, 4*time.Second, client.Backoff())
	trip()
	assert.Equal(t, 5*time.Second, client.Backoff())
	trip()
	assert.Equal(t, 5*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	m := metric.NewMetrics()
	client, err := NewClient("nats://localhost:4222", WithMetrics(m))
	require.NoError(t, err)

	client.setStatus(StatusCircuitOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))

	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NATSCircuitBreaker))

	client.halfOpen()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestStatus_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	client, err := NewClient("nats://localhost:4222", WithMetrics(m))
	require.NoError(t, err)

	client.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	client.handleReconnect(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))

	client.setStatus(StatusReconnecting)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.NATSConnected))
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	const iterations = 100
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				fn()
			}
		}()
	}

	run(func() { client.setStatus(StatusConnecting) })
	run(func() { client.setStatus(StatusConnected) })
	run(func() { _ = client.Status() })
	run(client.recordFailure)
	run(client.resetCircuit)
	run(func() { _ = client.Backoff() })
	wg.Wait()

	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected, StatusConnecting, StatusConnected, StatusReconnecting, StatusCircuitOpen,
	}, client.Status())
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		status   ConnectionStatus
		expected bool
	}{
		{StatusConnected, true},
		{StatusDisconnected, false},
		{StatusConnecting, false},
		{StatusReconnecting, false},
		{StatusCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.status)
			assert.Equal(t, tt.expected, client.IsHealthy())
		})
	}
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, daqerrors.IsTransient(err))
	})

	t.Run("returns when becomes connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, client.WaitForConnection(ctx))
	})
}

func TestOperations_RequireConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "daq.readings.x", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Subscribe(ctx, "daq.>", func(context.Context, []byte) {}), ErrNotConnected)
	assert.ErrorIs(t, client.PublishToStream(ctx, "daq.readings.x", []byte("x")), ErrNotConnected)

	_, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "daq_catalog"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.EnsureStream(ctx, jetstream.StreamConfig{Name: "DAQ_READINGS"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)

	client.setStatus(StatusCircuitOpen)
	assert.ErrorIs(t, client.PublishToStream(ctx, "daq.readings.x", []byte("x")), ErrCircuitOpen)
}

func TestConnect_FailureCountsTowardCircuit(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(50*time.Millisecond), WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, daqerrors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))
	assert.True(t, daqerrors.IsInvalid(client.Connect(context.Background())))
}

func TestIsAlreadyExistsError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{errors.New("nats: bucket name already in use"), true},
		{fmt.Errorf("create: %w", jetstream.ErrBucketExists), true},
		{errors.New("stream already exists"), true},
		{errors.New("connection failed"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, isAlreadyExistsError(tt.err), "%v", tt.err)
	}
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("get: %w", jetstream.ErrKeyNotFound)))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyDeleted))
	assert.False(t, IsKVNotFoundError(errors.New("timeout")))
	assert.False(t, IsKVNotFoundError(nil))
}
