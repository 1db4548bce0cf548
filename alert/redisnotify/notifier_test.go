package redisnotify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

func setupTestRedis(t *testing.T, cfg Config) (*miniredis.Miniredis, *redis.Client, *Notifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n, err := New(client, cfg)
	require.NoError(t, err)
	return mr, client, n
}

func event(state alert.State) alert.Event {
	return alert.Event{
		ID:          uuid.New(),
		AlertID:     uuid.New(),
		Name:        "boiler pressure",
		SensorID:    uuid.New(),
		Channel:     2,
		Severity:    alert.SeverityCritical,
		State:       state,
		Value:       "85",
		Message:     "85 above 80",
		TriggeredAt: time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC),
	}
}

func TestNotifier_AppendsEntry(t *testing.T) {
	_, client, n := setupTestRedis(t, Config{})
	ctx := context.Background()
	ev := event(alert.StateActive)

	require.NoError(t, n.Notify(ctx, ev))

	msgs, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID.String(), msgs[0].Values["event_id"])
	assert.Equal(t, "active", msgs[0].Values["state"])
	assert.Equal(t, "critical", msgs[0].Values["severity"])
	assert.Equal(t, "2", msgs[0].Values["channel"])

	back, err := Decode(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestNotifier_OrderAcrossTransitions(t *testing.T) {
	_, client, n := setupTestRedis(t, Config{Stream: "plant:alerts"})
	ctx := context.Background()

	ev := event(alert.StateActive)
	require.NoError(t, n.Notify(ctx, ev))
	ev.State = alert.StateAcknowledged
	require.NoError(t, n.Notify(ctx, ev))
	ev.State = alert.StateResolved
	require.NoError(t, n.Notify(ctx, ev))

	msgs, err := client.XRange(ctx, "plant:alerts", "-", "+").Result()
	require.NoError(t, err)
	var states []interface{}
	for _, m := range msgs {
		states = append(states, m.Values["state"])
	}
	assert.Equal(t, []interface{}{"active", "acknowledged", "resolved"}, states)
}

func TestNotifier_ServerDown(t *testing.T) {
	mr, _, n := setupTestRedis(t, Config{})
	mr.Close()

	err := n.Notify(context.Background(), event(alert.StateActive))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestNotifier_WithEngine(t *testing.T) {
	_, client, n := setupTestRedis(t, Config{})
	engine, err := alert.NewEngine(alert.EngineConfig{Notifiers: []alert.Notifier{n}})
	require.NoError(t, err)

	id := uuid.New()
	limit := 10.0
	_, err = engine.Create(alert.Config{SensorID: id, Condition: alert.Threshold{Max: &limit}})
	require.NoError(t, err)

	events := engine.Evaluate(sensorReading(id, 12))
	require.Len(t, events, 1)

	length, err := client.XLen(context.Background(), DefaultStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func sensorReading(id uuid.UUID, v float64) sensor.Reading {
	return sensor.Reading{
		SensorID:  id,
		Timestamp: time.Now(),
		Values: map[uint16]sensor.ChannelValue{
			0: {Value: sensor.Float64Value(v), Quality: sensor.QualityGood},
		},
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.True(t, errors.IsInvalid(err))
	_, err = Decode(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": "{"}})
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.True(t, errors.IsInvalid(err))
}
