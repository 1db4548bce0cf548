package alert

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/buffer"
	"github.com/jnarwell/wit-sub006/sensor"
)

const (
	DefaultQueueSize        = 1024
	DefaultHistorySize      = 1000
	DefaultPatternCacheSize = 100
	DefaultNotifyTimeout    = 5 * time.Second
)

// namespace for the ids of alerts derived from sensor configuration thresholds
var thresholdNamespace = uuid.MustParse("0b7e4c1a-5d2f-4e8b-9a61-3c0d2f7e9b14")

// Notifier receives every event transition.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// ConfigSource supplies live sensor configuration. Per-channel thresholds in
// it are evaluated as implicit threshold alerts without sustain.
type ConfigSource interface {
	Config(id uuid.UUID) (*sensor.Configuration, bool)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Notifiers        []Notifier
	Configs          ConfigSource
	QueueSize        int
	HistorySize      int
	PatternCacheSize int
	NotifyTimeout    time.Duration
	Metrics          *metric.Metrics
	Logger           *slog.Logger
	Now              func() time.Time
}

type instance struct {
	cfg      Config
	implicit bool

	pending bool
	since   time.Time
	active  *Event

	last    float64
	lastAt  time.Time
	hasLast bool

	partner    float64
	hasPartner bool
	xs, ys     []float64
}

// Engine evaluates readings against alert configurations.
type Engine struct {
	cfg     EngineConfig
	logger  *slog.Logger
	metrics *metric.Metrics
	regex   *regexCache
	queue   *buffer.CircularBuffer[sensor.Reading]

	mu       sync.Mutex
	alerts   map[uuid.UUID]*instance
	bySensor map[uuid.UUID][]*instance
	partners map[uuid.UUID][]*instance
	versions map[uuid.UUID]uint64
	events   map[uuid.UUID]*Event
	history  []Event
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.PatternCacheSize <= 0 {
		cfg.PatternCacheSize = DefaultPatternCacheSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "alert")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	regex, err := newRegexCache(cfg.PatternCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "NewEngine", "create pattern cache")
	}
	e := &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		regex:    regex,
		alerts:   make(map[uuid.UUID]*instance),
		bySensor: make(map[uuid.UUID][]*instance),
		partners: make(map[uuid.UUID][]*instance),
		versions: make(map[uuid.UUID]uint64),
		events:   make(map[uuid.UUID]*Event),
	}
	e.queue, err = buffer.NewCircularBuffer[sensor.Reading](cfg.QueueSize,
		buffer.WithOverflowPolicy[sensor.Reading](buffer.DropOldest),
		buffer.WithDropCallback[sensor.Reading](func(sensor.Reading) {
			e.metrics.ReadingsDropped.WithLabelValues("alert_queue").Inc()
		}))
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "NewEngine", "create queue")
	}
	return e, nil
}

// Create adds an alert. A zero id is assigned.
func (e *Engine) Create(cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if p, ok := cfg.Condition.(Pattern); ok {
		if _, err := e.regex.compile(p.Regex); err != nil {
			return Config{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Engine", "Create", "compile pattern")
		}
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Condition.Kind())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.alerts[cfg.ID]; exists {
		return Config{}, errors.WrapInvalid(fmt.Errorf("%w: alert %s already exists", errors.ErrInvalidConfig, cfg.ID),
			"Engine", "Create", "check id")
	}
	e.alerts[cfg.ID] = &instance{cfg: cfg}
	e.reindex()

	e.logger.Info("Alert created",
		"alert_id", cfg.ID,
		"sensor_id", cfg.SensorID,
		"channel", cfg.Channel,
		"kind", cfg.Condition.Kind())
	return cfg, nil
}

// Remove deletes an alert and resolves its open event.
func (e *Engine) Remove(id uuid.UUID) error {
	e.mu.Lock()
	in, ok := e.alerts[id]
	if !ok || in.implicit {
		e.mu.Unlock()
		return notFound("Remove", id)
	}
	delete(e.alerts, id)
	e.reindex()
	var resolved []Event
	if ev, ok := e.resolve(in, e.cfg.Now()); ok {
		resolved = append(resolved, ev)
	}
	e.mu.Unlock()

	e.publish(resolved)
	e.logger.Info("Alert removed", "alert_id", id)
	return nil
}

// Get returns one alert.
func (e *Engine) Get(id uuid.UUID) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.alerts[id]
	if !ok || in.implicit {
		return Config{}, notFound("Get", id)
	}
	return in.cfg, nil
}

// List returns the configured alerts ordered by name.
func (e *Engine) List() []Config {
	e.mu.Lock()
	out := make([]Config, 0, len(e.alerts))
	for _, in := range e.alerts {
		if !in.implicit {
			out = append(out, in.cfg)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func notFound(method string, id uuid.UUID) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAlertNotFound, id), "Engine", method, "find alert")
}

func (e *Engine) reindex() {
	e.bySensor = make(map[uuid.UUID][]*instance)
	e.partners = make(map[uuid.UUID][]*instance)
	ids := make([]uuid.UUID, 0, len(e.alerts))
	for id := range e.alerts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		in := e.alerts[id]
		e.bySensor[in.cfg.SensorID] = append(e.bySensor[in.cfg.SensorID], in)
		if corr, ok := in.cfg.Condition.(Correlation); ok {
			e.partners[corr.Sensor] = append(e.partners[corr.Sensor], in)
		}
	}
}

// Dispatch queues a reading for Run. It never blocks; a full queue drops its
// oldest reading.
func (e *Engine) Dispatch(r sensor.Reading) {
	_, _ = e.queue.Write(r)
}

// Run evaluates queued readings until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		for _, r := range e.queue.Drain() {
			e.Evaluate(r)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.queue.Notify():
		}
	}
}

// Evaluate applies a reading to every alert of its sensor and returns the
// resulting event transitions, which are also sent to the notifiers. An
// alert that cannot be evaluated is logged and skipped.
func (e *Engine) Evaluate(r sensor.Reading) []Event {
	e.mu.Lock()
	for _, in := range e.partners[r.SensorID] {
		corr := in.cfg.Condition.(Correlation)
		if cv, ok := r.Values[corr.Channel]; ok {
			if v, ok := cv.Value.Float(); ok {
				in.partner, in.hasPartner = v, true
			}
		}
	}
	var out []Event
	out = append(out, e.syncThresholds(r.SensorID)...)

	for _, in := range e.bySensor[r.SensorID] {
		if in.cfg.Disabled {
			continue
		}
		cv, ok := r.Values[in.cfg.Channel]
		if !ok {
			continue
		}
		holds, err := e.holds(in, cv, r.Timestamp)
		if err != nil {
			e.metrics.AlertEvalErrors.Inc()
			e.logger.Warn("Alert evaluation failed",
				"alert_id", in.cfg.ID,
				"sensor_id", r.SensorID,
				"channel", in.cfg.Channel,
				"error", errors.Wrap(fmt.Errorf("%w: %v", errors.ErrAlertEvaluation, err), "Engine", "Evaluate", "evaluate condition"))
			// A gap in evaluation breaks the sustain window.
			in.pending, in.since = false, time.Time{}
			continue
		}
		if ev, ok := e.step(in, holds, cv, r.Timestamp); ok {
			out = append(out, ev)
		}
	}
	e.mu.Unlock()

	e.publish(out)
	return out
}

// syncThresholds keeps the implicit alerts of a sensor in line with its
// configuration thresholds. It runs only when the configuration version changes.
func (e *Engine) syncThresholds(id uuid.UUID) []Event {
	if e.cfg.Configs == nil {
		return nil
	}
	cfg, ok := e.cfg.Configs.Config(id)
	if !ok {
		return nil
	}
	if v, seen := e.versions[id]; seen && v == cfg.Version {
		return nil
	}
	e.versions[id] = cfg.Version

	var resolved []Event
	want := make(map[uuid.UUID]Threshold, len(cfg.Thresholds))
	for ch, th := range cfg.Thresholds {
		want[implicitID(id, ch)] = Threshold{Min: th.Min, Max: th.Max}
	}
	for _, in := range e.bySensor[id] {
		if !in.implicit {
			continue
		}
		if th, keep := want[in.cfg.ID]; keep {
			in.cfg.Condition = th
			delete(want, in.cfg.ID)
			continue
		}
		delete(e.alerts, in.cfg.ID)
		if ev, ok := e.resolve(in, e.cfg.Now()); ok {
			resolved = append(resolved, ev)
		}
	}
	for ch, th := range cfg.Thresholds {
		aid := implicitID(id, ch)
		if _, pending := want[aid]; !pending {
			continue
		}
		e.alerts[aid] = &instance{implicit: true, cfg: Config{
			ID:        aid,
			Name:      fmt.Sprintf("channel %d threshold", ch),
			SensorID:  id,
			Channel:   ch,
			Condition: Threshold{Min: th.Min, Max: th.Max},
			Severity:  SeverityWarning,
		}}
	}
	e.reindex()
	return resolved
}

func implicitID(sensorID uuid.UUID, channel uint16) uuid.UUID {
	name := binary.BigEndian.AppendUint16(sensorID[:], channel)
	return uuid.NewSHA1(thresholdNamespace, name)
}

func (e *Engine) holds(in *instance, cv sensor.ChannelValue, ts time.Time) (bool, error) {
	switch c := in.cfg.Condition.(type) {
	case Threshold:
		v, ok := cv.Value.Float()
		if !ok {
			return false, fmt.Errorf("threshold needs a numeric value, got %s", cv.Value.Type())
		}
		return c.Holds(v), nil

	case RateOfChange:
		v, ok := cv.Value.Float()
		if !ok {
			return false, fmt.Errorf("rate of change needs a numeric value, got %s", cv.Value.Type())
		}
		prev, prevAt, had := in.last, in.lastAt, in.hasLast
		if had && !ts.After(prevAt) {
			return false, nil
		}
		in.last, in.lastAt, in.hasLast = v, ts, true
		if !had {
			return false, nil
		}
		rate := (v - prev) / ts.Sub(prevAt).Seconds()
		return rate > c.MaxPerSecond || rate < -c.MaxPerSecond, nil

	case Pattern:
		re, err := e.regex.compile(c.Regex)
		if err != nil {
			return false, err
		}
		return re.MatchString(cv.Value.String()), nil

	case Correlation:
		v, ok := cv.Value.Float()
		if !ok {
			return false, fmt.Errorf("correlation needs a numeric value, got %s", cv.Value.Type())
		}
		if !in.hasPartner {
			return false, nil
		}
		in.xs = append(in.xs, v)
		in.ys = append(in.ys, in.partner)
		if len(in.xs) > c.Window {
			in.xs = in.xs[len(in.xs)-c.Window:]
			in.ys = in.ys[len(in.ys)-c.Window:]
		}
		if len(in.xs) < c.Window {
			return false, nil
		}
		r, ok := pearson(in.xs, in.ys)
		return ok && r < c.MinCoefficient, nil
	}
	return false, fmt.Errorf("unsupported condition %T", in.cfg.Condition)
}

// step advances the sustain timer and event lifecycle of one alert.
func (e *Engine) step(in *instance, holds bool, cv sensor.ChannelValue, ts time.Time) (Event, bool) {
	if !holds {
		in.pending = false
		return e.resolve(in, ts)
	}
	if !in.pending {
		in.pending, in.since = true, ts
	}
	if in.active != nil || ts.Sub(in.since) < in.cfg.Sustain {
		return Event{}, false
	}

	ev := &Event{
		ID:          uuid.New(),
		AlertID:     in.cfg.ID,
		Name:        in.cfg.Name,
		SensorID:    in.cfg.SensorID,
		Channel:     in.cfg.Channel,
		Severity:    in.cfg.Severity,
		State:       StateActive,
		Value:       cv.Value.String(),
		Message:     describe(in.cfg, cv),
		TriggeredAt: ts,
	}
	in.active = ev
	e.events[ev.ID] = ev
	e.metrics.AlertEvents.WithLabelValues(string(StateActive)).Inc()
	return ev.clone(), true
}

func (e *Engine) resolve(in *instance, at time.Time) (Event, bool) {
	ev := in.active
	if ev == nil {
		return Event{}, false
	}
	in.active = nil
	ev.State = StateResolved
	ev.ResolvedAt = &at
	delete(e.events, ev.ID)

	e.history = append(e.history, ev.clone())
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.metrics.AlertEvents.WithLabelValues(string(StateResolved)).Inc()
	return ev.clone(), true
}

func describe(cfg Config, cv sensor.ChannelValue) string {
	value := cv.Value.String()
	if cv.Unit != "" {
		value += " " + cv.Unit
	}
	switch c := cfg.Condition.(type) {
	case Threshold:
		switch {
		case c.Max != nil && c.Min != nil:
			return fmt.Sprintf("%s outside [%g, %g]", value, *c.Min, *c.Max)
		case c.Max != nil:
			return fmt.Sprintf("%s above %g", value, *c.Max)
		default:
			return fmt.Sprintf("%s below %g", value, *c.Min)
		}
	case RateOfChange:
		return fmt.Sprintf("%s changing faster than %g/s", value, c.MaxPerSecond)
	case Pattern:
		return fmt.Sprintf("%q matches %q", value, c.Regex)
	case Correlation:
		return fmt.Sprintf("correlation with %s channel %d below %g", c.Sensor, c.Channel, c.MinCoefficient)
	}
	return value
}

// Acknowledge marks an active event acknowledged. Acknowledging an already
// acknowledged event returns it unchanged.
func (e *Engine) Acknowledge(eventID uuid.UUID, by string) (Event, error) {
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		resolved := false
		for _, h := range e.history {
			if h.ID == eventID {
				resolved = true
				break
			}
		}
		e.mu.Unlock()
		if resolved {
			return Event{}, errors.WrapInvalid(fmt.Errorf("%w: event %s is resolved", errors.ErrInvalidTransition, eventID),
				"Engine", "Acknowledge", "check event state")
		}
		return Event{}, errors.WrapInvalid(fmt.Errorf("%w: event %s", errors.ErrAlertNotFound, eventID),
			"Engine", "Acknowledge", "find event")
	}
	if ev.State == StateAcknowledged {
		out := ev.clone()
		e.mu.Unlock()
		return out, nil
	}
	now := e.cfg.Now()
	ev.State = StateAcknowledged
	ev.AcknowledgedAt = &now
	ev.AcknowledgedBy = by
	out := ev.clone()
	e.mu.Unlock()

	e.metrics.AlertEvents.WithLabelValues(string(StateAcknowledged)).Inc()
	e.publish([]Event{out})
	return out, nil
}

// ActiveEvents returns every unresolved event, oldest first.
func (e *Engine) ActiveEvents() []Event {
	e.mu.Lock()
	out := make([]Event, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// History returns recently resolved events, oldest first.
func (e *Engine) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.history...)
}

func (e *Engine) publish(events []Event) {
	if len(events) == 0 || len(e.cfg.Notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
	defer cancel()
	for _, ev := range events {
		for _, n := range e.cfg.Notifiers {
			if err := n.Notify(ctx, ev); err != nil {
				e.logger.Warn("Alert notification failed",
					"event_id", ev.ID,
					"state", ev.State,
					"notifier", fmt.Sprintf("%T", n),
					"error", err)
			}
		}
	}
}
