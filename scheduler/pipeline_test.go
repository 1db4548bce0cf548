package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/sensor"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testMetadata() sensor.Metadata {
	return sensor.Metadata{
		ID:       uuid.New(),
		Name:     "probe",
		Protocol: sensor.UDP{Listen: "127.0.0.1:0"},
		Channels: []sensor.Channel{
			{ID: 0, Name: "temp", Unit: "C", DataType: sensor.TypeFloat64},
			{ID: 1, Name: "raw", Unit: "V", DataType: sensor.TypeInt16, Scale: 0.5, Offset: 10,
				Range: &sensor.Range{Min: 0, Max: 100}},
			{ID: 2, Name: "label", DataType: sensor.TypeString},
		},
	}
}

func testConfig() *sensor.Configuration {
	cfg := sensor.DefaultConfiguration(uuid.Nil)
	return &cfg
}

func sample(ts time.Time, values map[uint16]sensor.Value) sensor.RawSample {
	return sensor.RawSample{Timestamp: ts, Values: values}
}

func f64(v float64) sensor.Value { return sensor.Float64Value(v) }

func floatOf(t *testing.T, cv sensor.ChannelValue) float64 {
	t.Helper()
	f, ok := cv.Value.Float()
	require.True(t, ok)
	return f
}

func TestProcess_ScaleOffsetAndRange(t *testing.T) {
	p := newProcessor(testMetadata())

	r, reason, ok := p.process(sample(epoch, map[uint16]sensor.Value{
		0: f64(21.5),
		1: sensor.IntValue(sensor.TypeInt16, 40),
		2: sensor.StringValue("ok"),
		9: f64(1),
	}), testConfig(), epoch)
	require.True(t, ok, reason)

	assert.Len(t, r.Values, 3, "unknown channels are skipped")
	assert.Equal(t, sensor.TypeFloat64, r.Values[0].Value.Type())
	assert.Equal(t, 21.5, floatOf(t, r.Values[0]))
	assert.Equal(t, "C", r.Values[0].Unit)

	assert.Equal(t, 30.0, floatOf(t, r.Values[1]), "40*0.5+10")
	assert.Equal(t, sensor.QualityGood, r.Values[1].Quality)
	assert.Equal(t, "ok", r.Values[2].Value.Str())
	assert.Equal(t, uint32(1), r.Sequence)

	r, _, ok = p.process(sample(epoch.Add(time.Second), map[uint16]sensor.Value{
		1: sensor.IntValue(sensor.TypeInt16, 400),
	}), testConfig(), epoch.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, sensor.QualityBad, r.Values[1].Quality, "210 is outside 0..100")
	assert.Equal(t, uint32(2), r.Sequence)
}

func TestProcess_DeviceQualityIsKept(t *testing.T) {
	p := newProcessor(testMetadata())
	raw := sample(epoch, map[uint16]sensor.Value{0: f64(1)})
	raw.Quality = map[uint16]sensor.Quality{0: sensor.QualityUncertain}

	r, _, ok := p.process(raw, testConfig(), epoch)
	require.True(t, ok)
	assert.Equal(t, sensor.QualityUncertain, r.Values[0].Quality)
}

func TestProcess_Calibration(t *testing.T) {
	md := testMetadata()
	md.Calibration = &sensor.Calibration{
		ValidFrom:  epoch,
		ValidUntil: epoch.Add(time.Hour),
		Channels:   map[uint16][]float64{0: {1, 2}},
	}
	p := newProcessor(md)

	r, _, ok := p.process(sample(epoch, map[uint16]sensor.Value{0: f64(10)}), testConfig(), epoch)
	require.True(t, ok)
	assert.Equal(t, 21.0, floatOf(t, r.Values[0]), "1 + 2*10")
	assert.Equal(t, sensor.QualityGood, r.Values[0].Quality)

	late := epoch.Add(2 * time.Hour)
	r, _, ok = p.process(sample(late, map[uint16]sensor.Value{0: f64(10)}), testConfig(), late)
	require.True(t, ok)
	assert.Equal(t, 10.0, floatOf(t, r.Values[0]), "expired calibration is not applied")
	assert.Equal(t, sensor.QualityUncertain, r.Values[0].Quality)
}

func TestProcess_Monotonicity(t *testing.T) {
	p := newProcessor(testMetadata())
	cfg := testConfig()
	cfg.ReplayWindow = 2 * time.Second

	at := func(d time.Duration) time.Time { return epoch.Add(d) }
	values := map[uint16]sensor.Value{0: f64(1)}

	r, _, ok := p.process(sample(at(10*time.Second), values), cfg, at(10*time.Second))
	require.True(t, ok)
	assert.Equal(t, sensor.QualityGood, r.Values[0].Quality)

	r, _, ok = p.process(sample(at(9*time.Second), values), cfg, at(9*time.Second))
	require.True(t, ok, "within the replay window")
	assert.Equal(t, sensor.QualityUncertain, r.Values[0].Quality)
	assert.Equal(t, uint32(2), r.Sequence)

	_, reason, ok := p.process(sample(at(7*time.Second), values), cfg, at(7*time.Second))
	assert.False(t, ok)
	assert.Equal(t, dropReplayWindow, reason)

	r, _, ok = p.process(sample(at(10*time.Second), values), cfg, at(10*time.Second))
	require.True(t, ok, "equal timestamps are in order")
	assert.Equal(t, sensor.QualityGood, r.Values[0].Quality)
	assert.Equal(t, uint32(3), r.Sequence, "dropped samples take no sequence number")
}

func TestProcess_Filters(t *testing.T) {
	tests := []struct {
		name   string
		filter sensor.Filter
		input  []float64
		want   []float64
	}{
		{
			name:   "moving average",
			filter: sensor.Filter{Kind: sensor.FilterMovingAverage, Window: 3},
			input:  []float64{3, 6, 9, 12},
			want:   []float64{3, 4.5, 6, 9},
		},
		{
			name:   "low pass",
			filter: sensor.Filter{Kind: sensor.FilterLowPass, Alpha: 0.5},
			input:  []float64{10, 20, 20},
			want:   []float64{10, 15, 17.5},
		},
		{
			name:   "none",
			filter: sensor.Filter{Kind: sensor.FilterNone},
			input:  []float64{1, 5},
			want:   []float64{1, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(testMetadata())
			cfg := testConfig()
			cfg.Filter = tt.filter

			for i, x := range tt.input {
				ts := epoch.Add(time.Duration(i) * time.Second)
				r, _, ok := p.process(sample(ts, map[uint16]sensor.Value{0: f64(x)}), cfg, ts)
				require.True(t, ok)
				assert.InDelta(t, tt.want[i], floatOf(t, r.Values[0]), 1e-9, "sample %d", i)
			}
		})
	}
}

func TestProcess_FilterResetsOnConfigChange(t *testing.T) {
	p := newProcessor(testMetadata())
	cfg := testConfig()
	cfg.Filter = sensor.Filter{Kind: sensor.FilterMovingAverage, Window: 4}

	for i, x := range []float64{100, 100} {
		ts := epoch.Add(time.Duration(i) * time.Second)
		_, _, ok := p.process(sample(ts, map[uint16]sensor.Value{0: f64(x)}), cfg, ts)
		require.True(t, ok)
	}

	next := cfg.Clone()
	next.Filter.Window = 2
	ts := epoch.Add(5 * time.Second)
	r, _, ok := p.process(sample(ts, map[uint16]sensor.Value{0: f64(0)}), &next, ts)
	require.True(t, ok)
	assert.Equal(t, 0.0, floatOf(t, r.Values[0]))
}

func TestProcess_OnChangeDeadband(t *testing.T) {
	p := newProcessor(testMetadata())
	cfg := testConfig()
	cfg.Trigger = sensor.TriggerSpec{Mode: sensor.TriggerOnChange, Deadband: 0.5}

	emitted := 0
	for i, x := range []float64{20, 20.2, 20.4, 20.6, 20.7, 19.9} {
		ts := epoch.Add(time.Duration(i) * time.Second)
		r, reason, ok := p.process(sample(ts, map[uint16]sensor.Value{0: f64(x)}), cfg, ts)
		assert.Empty(t, reason)
		if ok {
			emitted++
			assert.Equal(t, uint32(emitted), r.Sequence)
		}
	}
	// 20 (first), 20.6 (>0.5 from 20), 19.9 (>0.5 from 20.6)
	assert.Equal(t, 3, emitted)
}

func TestProcess_EmptySampleIsSkipped(t *testing.T) {
	p := newProcessor(testMetadata())
	_, reason, ok := p.process(sample(epoch, map[uint16]sensor.Value{42: f64(1)}), testConfig(), epoch)
	assert.False(t, ok)
	assert.Empty(t, reason)
}
