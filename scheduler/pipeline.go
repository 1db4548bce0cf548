package scheduler

import (
	"math"
	"time"

	"github.com/jnarwell/wit-sub006/sensor"
)

// Drop reasons reported on the readings_dropped metric.
const (
	dropQueueFull    = "queue_full"
	dropReplayWindow = "replay_window"
	dropLate         = "late"
)

// processor turns raw samples of one sensor into readings. It is owned by the
// sensor's pipeline goroutine.
type processor struct {
	meta sensor.Metadata

	seq    uint32
	newest time.Time

	filter  sensor.Filter
	filters map[uint16]smoother

	emitted map[uint16]sensor.Value
}

func newProcessor(md sensor.Metadata) *processor {
	return &processor{
		meta:    md,
		filters: make(map[uint16]smoother),
	}
}

// process normalizes raw under cfg. It returns false with a drop reason when
// the sample must not be delivered; a false with an empty reason means the
// on-change trigger suppressed it.
func (p *processor) process(raw sensor.RawSample, cfg *sensor.Configuration, ts time.Time) (sensor.Reading, string, bool) {
	outOfOrder := false
	if !p.newest.IsZero() && ts.Before(p.newest) {
		if p.newest.Sub(ts) > cfg.ReplayWindow {
			return sensor.Reading{}, dropReplayWindow, false
		}
		outOfOrder = true
	} else {
		p.newest = ts
	}

	if cfg.Filter != p.filter {
		p.filter = cfg.Filter
		p.filters = make(map[uint16]smoother)
	}

	r := sensor.Reading{
		SensorID:  p.meta.ID,
		Timestamp: ts,
		Values:    make(map[uint16]sensor.ChannelValue, len(raw.Values)),
	}
	for id, v := range raw.Values {
		ch, known := p.meta.Channel(id)
		if !known {
			continue
		}
		q := sensor.QualityGood
		if dq, ok := raw.Quality[id]; ok {
			q = dq
		}
		r.Values[id] = p.normalize(ch, v, q, ts)
	}
	if len(r.Values) == 0 {
		return sensor.Reading{}, "", false
	}
	if outOfOrder {
		r.Downgrade(sensor.QualityUncertain)
	}

	if cfg.Trigger.Mode == sensor.TriggerOnChange && !p.changed(r, cfg.Trigger.Deadband) {
		return sensor.Reading{}, "", false
	}

	p.seq++
	r.Sequence = p.seq
	return r, "", true
}

// normalize applies scale and offset, calibration, the range check and the
// smoothing filter to one channel value.
func (p *processor) normalize(ch sensor.Channel, v sensor.Value, q sensor.Quality, ts time.Time) sensor.ChannelValue {
	out := sensor.ChannelValue{Value: v, Unit: ch.Unit, Quality: q}
	x, numeric := v.Float()
	if !numeric || v.Type() == sensor.TypeBool {
		return out
	}

	converted := !ch.Identity()
	x = x*ch.EffectiveScale() + ch.Offset

	if cal := p.meta.Calibration; cal != nil {
		if _, has := cal.Channels[ch.ID]; has {
			if cal.ValidAt(ts) {
				x, _ = cal.Apply(ch.ID, x)
				converted = true
			} else {
				out.Quality = out.Quality.Worse(sensor.QualityUncertain)
			}
		}
	}

	if ch.Range != nil && !ch.Range.Contains(x) {
		out.Quality = sensor.QualityBad
	}

	if f := p.smoother(ch.ID); f != nil && out.Quality != sensor.QualityBad && !math.IsNaN(x) {
		x = f.add(x)
		converted = true
	}

	if converted {
		out.Value = sensor.Float64Value(x)
	}
	return out
}

func (p *processor) smoother(ch uint16) smoother {
	if s, ok := p.filters[ch]; ok {
		return s
	}
	var s smoother
	switch p.filter.Kind {
	case sensor.FilterMovingAverage:
		s = &movingAverage{window: make([]float64, 0, p.filter.Window)}
	case sensor.FilterLowPass:
		s = &lowPass{alpha: p.filter.Alpha}
	default:
		return nil
	}
	p.filters[ch] = s
	return s
}

// changed reports whether r differs from the last emitted reading by more
// than deadband on any channel, and records r when it does.
func (p *processor) changed(r sensor.Reading, deadband float64) bool {
	if p.emitted == nil {
		p.remember(r)
		return true
	}
	diff := false
	for id, cv := range r.Values {
		prev, seen := p.emitted[id]
		if !seen {
			diff = true
			break
		}
		a, aok := cv.Value.Float()
		b, bok := prev.Float()
		if aok && bok {
			if math.Abs(a-b) > deadband {
				diff = true
				break
			}
			continue
		}
		if cv.Value.String() != prev.String() {
			diff = true
			break
		}
	}
	if diff {
		p.remember(r)
	}
	return diff
}

func (p *processor) remember(r sensor.Reading) {
	p.emitted = make(map[uint16]sensor.Value, len(r.Values))
	for id, cv := range r.Values {
		p.emitted[id] = cv.Value
	}
}

type smoother interface {
	add(x float64) float64
}

type movingAverage struct {
	window []float64
	next   int
	sum    float64
}

func (m *movingAverage) add(x float64) float64 {
	if len(m.window) < cap(m.window) {
		m.window = append(m.window, x)
		m.sum += x
	} else {
		m.sum += x - m.window[m.next]
		m.window[m.next] = x
		m.next = (m.next + 1) % len(m.window)
	}
	return m.sum / float64(len(m.window))
}

type lowPass struct {
	alpha float64
	y     float64
	init  bool
}

func (l *lowPass) add(x float64) float64 {
	if !l.init {
		l.y, l.init = x, true
		return x
	}
	l.y = l.alpha*x + (1-l.alpha)*l.y
	return l.y
}
