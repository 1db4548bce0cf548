package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/sensor"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func reading(id uuid.UUID, at time.Duration, values map[uint16]sensor.Value) sensor.Reading {
	r := sensor.Reading{SensorID: id, Timestamp: t0.Add(at), Values: map[uint16]sensor.ChannelValue{}}
	for ch, v := range values {
		r.Values[ch] = sensor.ChannelValue{Value: v, Quality: sensor.QualityGood}
	}
	return r
}

func num(id uuid.UUID, at time.Duration, v float64) sensor.Reading {
	return reading(id, at, map[uint16]sensor.Value{0: sensor.Float64Value(v)})
}

func newEngine(t *testing.T, cfg EngineConfig) (*Engine, *ChanNotifier, *metric.Metrics) {
	t.Helper()
	n := NewChanNotifier(64)
	cfg.Notifiers = append(cfg.Notifiers, n)
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewMetrics()
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e, n, cfg.Metrics
}

// feed sends value every 100ms in [from, to) and returns every transition.
func feed(e *Engine, id uuid.UUID, from, to time.Duration, v float64) []Event {
	var out []Event
	for at := from; at < to; at += 100 * time.Millisecond {
		out = append(out, e.Evaluate(num(id, at, v))...)
	}
	return out
}

func TestEngine_SustainBelowDurationNeverFires(t *testing.T) {
	e, n, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(80)}, Sustain: 5 * time.Second})
	require.NoError(t, err)

	// 85 at t = 0.0 .. 4.9s, then 79
	events := feed(e, id, 0, 5*time.Second, 85)
	events = append(events, e.Evaluate(num(id, 5*time.Second, 79))...)

	assert.Empty(t, events)
	assert.Empty(t, e.ActiveEvents())
	assert.Len(t, n.Events(), 0)
}

func TestEngine_SustainReachedFiresOnce(t *testing.T) {
	e, n, m := newEngine(t, EngineConfig{})
	id := uuid.New()
	cfg, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(80)}, Sustain: 5 * time.Second, Severity: SeverityCritical})
	require.NoError(t, err)

	// 85 at t = 0.0 .. 5.1s
	events := feed(e, id, 0, 5200*time.Millisecond, 85)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, StateActive, ev.State)
	assert.Equal(t, cfg.ID, ev.AlertID)
	assert.Equal(t, SeverityCritical, ev.Severity)
	assert.Equal(t, "85", ev.Value)
	assert.True(t, ev.TriggeredAt.Equal(t0.Add(5*time.Second)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertEvents.WithLabelValues("active")))

	got := <-n.Events()
	assert.Equal(t, ev.ID, got.ID)

	resolved := e.Evaluate(num(id, 5200*time.Millisecond, 79))
	require.Len(t, resolved, 1)
	assert.Equal(t, StateResolved, resolved[0].State)
	assert.Equal(t, ev.ID, resolved[0].ID)
	assert.Empty(t, e.ActiveEvents())
	require.Len(t, e.History(), 1)
}

func TestEngine_InterruptionResetsSustain(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(80)}, Sustain: time.Second})
	require.NoError(t, err)

	events := feed(e, id, 0, 900*time.Millisecond, 90)
	events = append(events, e.Evaluate(num(id, 900*time.Millisecond, 80))...)
	events = append(events, feed(e, id, time.Second, 1900*time.Millisecond, 90)...)
	assert.Empty(t, events, "sustain restarts after the interruption")

	events = feed(e, id, 1900*time.Millisecond, 2100*time.Millisecond, 90)
	require.Len(t, events, 1)
	assert.True(t, events[0].TriggeredAt.Equal(t0.Add(2*time.Second)))
}

func TestEngine_Acknowledge(t *testing.T) {
	now := t0.Add(time.Hour)
	e, n, _ := newEngine(t, EngineConfig{Now: func() time.Time { return now }})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Min: ptr(0)}})
	require.NoError(t, err)

	events := e.Evaluate(num(id, 0, -5))
	require.Len(t, events, 1)
	<-n.Events()

	acked, err := e.Acknowledge(events[0].ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)
	assert.Equal(t, "operator", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.True(t, acked.AcknowledgedAt.Equal(now))
	assert.Len(t, n.Events(), 1)

	again, err := e.Acknowledge(events[0].ID, "someone else")
	require.NoError(t, err)
	assert.Equal(t, "operator", again.AcknowledgedBy, "acknowledging twice changes nothing")
	assert.Len(t, n.Events(), 1)

	active := e.ActiveEvents()
	require.Len(t, active, 1)
	assert.Equal(t, StateAcknowledged, active[0].State)

	resolved := e.Evaluate(num(id, time.Second, 3))
	require.Len(t, resolved, 1)
	assert.Equal(t, StateResolved, resolved[0].State)
	assert.Equal(t, "operator", resolved[0].AcknowledgedBy)

	_, err = e.Acknowledge(events[0].ID, "operator")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	_, err = e.Acknowledge(uuid.New(), "operator")
	assert.True(t, errors.Is(err, errors.ErrAlertNotFound))
}

func TestEngine_EvaluationErrorsAreIsolated(t *testing.T) {
	e, _, m := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{Name: "a-broken", SensorID: id, Channel: 1, Condition: Threshold{Max: ptr(1)}})
	require.NoError(t, err)
	_, err = e.Create(Config{Name: "b-working", SensorID: id, Channel: 0, Condition: Threshold{Max: ptr(1)}})
	require.NoError(t, err)

	events := e.Evaluate(reading(id, 0, map[uint16]sensor.Value{
		0: sensor.Float64Value(5),
		1: sensor.StringValue("not a number"),
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "b-working", events[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertEvalErrors))
}

func TestEngine_EvaluationErrorRestartsSustain(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(1)}, Sustain: 5 * time.Second})
	require.NoError(t, err)

	bad := func(at time.Duration) []Event {
		return e.Evaluate(reading(id, at, map[uint16]sensor.Value{0: sensor.StringValue("n/a")}))
	}
	assert.Empty(t, e.Evaluate(num(id, 0, 5)))
	assert.Empty(t, bad(3*time.Second))
	assert.Empty(t, e.Evaluate(num(id, 5100*time.Millisecond, 5)), "window restarts after the failed evaluation")
	assert.Empty(t, e.Evaluate(num(id, 10*time.Second, 5)))
	events := e.Evaluate(num(id, 10200*time.Millisecond, 5))
	require.Len(t, events, 1)
	assert.Equal(t, StateActive, events[0].State)
}

func TestEngine_RateOfChange(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: RateOfChange{MaxPerSecond: 10}})
	require.NoError(t, err)

	assert.Empty(t, e.Evaluate(num(id, 0, 100)))
	assert.Empty(t, e.Evaluate(num(id, time.Second, 105)))
	events := e.Evaluate(num(id, 1500*time.Millisecond, 90))
	require.Len(t, events, 1, "-30/s exceeds the limit")
	events = e.Evaluate(num(id, 2500*time.Millisecond, 91))
	require.Len(t, events, 1)
	assert.Equal(t, StateResolved, events[0].State)
}

func TestEngine_Pattern(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Pattern{Regex: `^(FAULT|ALARM)-\d+$`}})
	require.NoError(t, err)

	status := func(at time.Duration, s string) []Event {
		return e.Evaluate(reading(id, at, map[uint16]sensor.Value{0: sensor.StringValue(s)}))
	}
	assert.Empty(t, status(0, "OK"))
	events := status(time.Second, "FAULT-17")
	require.Len(t, events, 1)
	assert.Equal(t, "FAULT-17", events[0].Value)
	assert.Empty(t, status(2*time.Second, "ALARM-3"), "still active")
	require.Len(t, status(3*time.Second, "OK"), 1)

	for _, bad := range []string{`(a+)+`, `([`, `x{5000}`} {
		_, err := e.Create(Config{SensorID: id, Condition: Pattern{Regex: bad}})
		assert.True(t, errors.IsInvalid(err), bad)
	}
}

func TestEngine_Correlation(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	primary, partner := uuid.New(), uuid.New()
	_, err := e.Create(Config{SensorID: primary, Condition: Correlation{Sensor: partner, Window: 5, MinCoefficient: 0.8}})
	require.NoError(t, err)

	var events []Event
	step := func(i int, pv, sv float64) {
		at := time.Duration(i) * time.Second
		e.Evaluate(num(partner, at, pv))
		events = append(events, e.Evaluate(num(primary, at, sv))...)
	}
	for i := 0; i < 5; i++ {
		step(i, float64(i), 2*float64(i)+1)
	}
	assert.Empty(t, events, "perfectly correlated")

	for i, v := range []float64{9, 2, 11, 0, 7} {
		step(5+i, float64(5+i), v)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, StateActive, events[0].State)
}

func TestEngine_RemoveResolvesOpenEvent(t *testing.T) {
	e, n, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	cfg, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(0)}})
	require.NoError(t, err)
	require.Len(t, e.Evaluate(num(id, 0, 1)), 1)
	<-n.Events()

	require.NoError(t, e.Remove(cfg.ID))
	ev := <-n.Events()
	assert.Equal(t, StateResolved, ev.State)
	assert.Empty(t, e.ActiveEvents())
	assert.Empty(t, e.List())
	assert.True(t, errors.Is(e.Remove(cfg.ID), errors.ErrAlertNotFound))
}

func TestEngine_DisabledAlertIgnored(t *testing.T) {
	e, _, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(0)}, Disabled: true})
	require.NoError(t, err)
	assert.Empty(t, e.Evaluate(num(id, 0, 1)))
}

type configSource map[uuid.UUID]*sensor.Configuration

func (c configSource) Config(id uuid.UUID) (*sensor.Configuration, bool) {
	cfg, ok := c[id]
	return cfg, ok
}

func TestEngine_ConfigurationThresholds(t *testing.T) {
	id := uuid.New()
	src := configSource{id: {SensorID: id, Version: 1, Thresholds: map[uint16]sensor.Threshold{0: {Max: ptr(50)}}}}
	e, _, _ := newEngine(t, EngineConfig{Configs: src})

	events := e.Evaluate(num(id, 0, 60))
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Empty(t, e.List(), "implicit alerts are not listed")

	// hot swap raises the bound; the next reading resolves
	src[id] = &sensor.Configuration{SensorID: id, Version: 2, Thresholds: map[uint16]sensor.Threshold{0: {Max: ptr(70)}}}
	events = e.Evaluate(num(id, time.Second, 60))
	require.Len(t, events, 1)
	assert.Equal(t, StateResolved, events[0].State)

	// removing the threshold removes the implicit alert
	require.Len(t, e.Evaluate(num(id, 2*time.Second, 80)), 1)
	src[id] = &sensor.Configuration{SensorID: id, Version: 3}
	events = e.Evaluate(num(id, 3*time.Second, 80))
	require.Len(t, events, 1)
	assert.Equal(t, StateResolved, events[0].State)
	assert.Empty(t, e.Evaluate(num(id, 4*time.Second, 90)))
}

func TestEngine_Run(t *testing.T) {
	e, n, _ := newEngine(t, EngineConfig{})
	id := uuid.New()
	_, err := e.Create(Config{SensorID: id, Condition: Threshold{Max: ptr(10)}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Dispatch(num(id, 0, 20))
	select {
	case ev := <-n.Events():
		assert.Equal(t, StateActive, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestConfig_Validate(t *testing.T) {
	id := uuid.New()
	tests := map[string]Config{
		"missing sensor":    {Condition: Threshold{Max: ptr(1)}},
		"missing condition": {SensorID: id},
		"min above max":     {SensorID: id, Condition: Threshold{Min: ptr(5), Max: ptr(1)}},
		"no bounds":         {SensorID: id, Condition: Threshold{}},
		"bad severity":      {SensorID: id, Condition: Threshold{Max: ptr(1)}, Severity: "urgent"},
		"negative sustain":  {SensorID: id, Condition: Threshold{Max: ptr(1)}, Sustain: -time.Second},
		"zero rate":         {SensorID: id, Condition: RateOfChange{}},
		"short window":      {SensorID: id, Condition: Correlation{Sensor: uuid.New(), Window: 2}},
		"self correlation":  {SensorID: id, Condition: Correlation{Sensor: id, Window: 10}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.IsInvalid(cfg.Validate()))
		})
	}

	ok := Config{SensorID: id, Condition: Threshold{Min: ptr(1), Max: ptr(1)}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, SeverityWarning, ok.Severity)
}

func TestConfig_JSON(t *testing.T) {
	cfg := Config{
		ID:        uuid.New(),
		Name:      "pressure",
		SensorID:  uuid.New(),
		Channel:   3,
		Condition: Correlation{Sensor: uuid.New(), Channel: 1, Window: 20, MinCoefficient: 0.5},
		Severity:  SeverityInfo,
		Sustain:   time.Second,
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"correlation"`)

	var back Config
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)

	err = json.Unmarshal([]byte(`{"sensor_id":"`+uuid.NewString()+`","condition":{"kind":"spline"}}`), &back)
	assert.True(t, errors.IsInvalid(err))
}
