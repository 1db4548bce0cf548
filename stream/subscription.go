package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/pkg/buffer"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Request describes what a subscription receives. At least one of Sensors,
// Groups or Patterns must be set; a reading matching any of them is delivered.
type Request struct {
	Name     string
	Sensors  []uuid.UUID
	Groups   []uuid.UUID
	Patterns []string
	// Channels restricts delivered readings to these channels. Empty means all.
	Channels []uint16
	// MinInterval is the minimum spacing, in reading time, between two
	// readings of the same sensor delivered to this subscription.
	MinInterval time.Duration
	// QueueSize overrides the hub's default queue bound.
	QueueSize int
}

type selector struct {
	sensors  map[uuid.UUID]struct{}
	groups   map[uuid.UUID]struct{}
	patterns []Pattern
	channels map[uint16]struct{}
}

func (req Request) compile() (selector, error) {
	if len(req.Sensors) == 0 && len(req.Groups) == 0 && len(req.Patterns) == 0 {
		return selector{}, errors.WrapInvalid(
			fmt.Errorf("%w: subscription needs a sensor, group or pattern", errors.ErrInvalidConfig),
			"Hub", "Subscribe", "validate request")
	}
	if req.MinInterval < 0 {
		return selector{}, errors.WrapInvalid(
			fmt.Errorf("%w: negative minimum interval", errors.ErrInvalidConfig),
			"Hub", "Subscribe", "validate request")
	}

	sel := selector{
		sensors: make(map[uuid.UUID]struct{}, len(req.Sensors)),
		groups:  make(map[uuid.UUID]struct{}, len(req.Groups)),
	}
	for _, id := range req.Sensors {
		sel.sensors[id] = struct{}{}
	}
	for _, id := range req.Groups {
		sel.groups[id] = struct{}{}
	}
	for _, s := range req.Patterns {
		p, err := ParsePattern(s)
		if err != nil {
			return selector{}, err
		}
		sel.patterns = append(sel.patterns, p)
	}
	if len(req.Channels) > 0 {
		sel.channels = make(map[uint16]struct{}, len(req.Channels))
		for _, ch := range req.Channels {
			sel.channels[ch] = struct{}{}
		}
	}
	return sel, nil
}

func (sel selector) match(r sensor.Reading) bool {
	if _, ok := sel.sensors[r.SensorID]; ok {
		return true
	}
	if r.GroupID != uuid.Nil {
		if _, ok := sel.groups[r.GroupID]; ok {
			return true
		}
	}
	if len(sel.patterns) == 0 {
		return false
	}
	for ch := range r.Values {
		topic := Topic(r.SensorID, ch)
		for _, p := range sel.patterns {
			if p.Match(topic) {
				return true
			}
		}
	}
	return false
}

// project keeps only the selected channels. It reports false when nothing is left.
func (sel selector) project(r sensor.Reading) (sensor.Reading, bool) {
	if sel.channels == nil {
		return r, true
	}
	out := r
	out.Values = make(map[uint16]sensor.ChannelValue, len(sel.channels))
	for ch, v := range r.Values {
		if _, ok := sel.channels[ch]; ok {
			out.Values[ch] = v
		}
	}
	return out, len(out.Values) > 0
}

func (sel selector) targets() []string {
	out := make([]string, 0, len(sel.sensors)+len(sel.groups)+len(sel.patterns))
	for id := range sel.sensors {
		out = append(out, "sensor:"+id.String())
	}
	for id := range sel.groups {
		out = append(out, "group:"+id.String())
	}
	for _, p := range sel.patterns {
		out = append(out, "pattern:"+p.String())
	}
	return out
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	id      uuid.UUID
	name    string
	hub     *Hub
	created time.Time

	sel   selector
	queue *buffer.CircularBuffer[sensor.Reading]

	// guards the per-sensor limiters; sensors publish concurrently
	mu          sync.Mutex
	minInterval time.Duration
	limiters    map[uuid.UUID]*rate.Limiter

	delivered atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(h *Hub, name string, sel selector, size int, minInterval time.Duration) (*Subscription, error) {
	id := uuid.New()
	queue, err := buffer.NewCircularBuffer[sensor.Reading](size,
		buffer.WithOverflowPolicy[sensor.Reading](buffer.DropOldest),
		buffer.WithDropCallback[sensor.Reading](func(sensor.Reading) {
			h.metrics.SubscriberDrops.Inc()
		}),
		buffer.WithMetrics[sensor.Reading](h.cfg.BufferMetrics, id.String()),
	)
	if err != nil {
		return nil, err
	}
	return &Subscription{
		id:          id,
		name:        name,
		hub:         h,
		created:     time.Now(),
		sel:         sel,
		queue:       queue,
		minInterval: minInterval,
		limiters:    make(map[uuid.UUID]*rate.Limiter),
		done:        make(chan struct{}),
	}, nil
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Name returns the subscriber name given at subscribe time.
func (s *Subscription) Name() string { return s.name }

func (s *Subscription) offer(r sensor.Reading) {
	if !s.sel.match(r) {
		return
	}
	r, ok := s.sel.project(r)
	if !ok || !s.allow(r) {
		return
	}
	// Write only fails once the subscription is released.
	_, _ = s.queue.Write(r)
}

// allow applies the minimum interval per sensor using reading timestamps.
func (s *Subscription) allow(r sensor.Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minInterval <= 0 {
		return true
	}
	lim, ok := s.limiters[r.SensorID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.minInterval), 1)
		s.limiters[r.SensorID] = lim
	}
	return lim.AllowN(r.Timestamp, 1)
}

// SetMinInterval changes the sampling-rate override.
func (s *Subscription) SetMinInterval(d time.Duration) error {
	if d < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative minimum interval", errors.ErrInvalidConfig),
			"Subscription", "SetMinInterval", "validate interval")
	}
	s.mu.Lock()
	s.minInterval = d
	s.limiters = make(map[uuid.UUID]*rate.Limiter)
	s.mu.Unlock()
	return nil
}

// Next blocks until a reading is queued, the subscription is closed or ctx ends.
func (s *Subscription) Next(ctx context.Context) (sensor.Reading, error) {
	for {
		if r, ok := s.queue.Read(); ok {
			s.delivered.Add(1)
			return r, nil
		}
		select {
		case <-ctx.Done():
			return sensor.Reading{}, ctx.Err()
		case <-s.done:
			return sensor.Reading{}, ErrClosed
		case <-s.queue.Notify():
		}
	}
}

// Drain returns every queued reading, oldest first.
func (s *Subscription) Drain() []sensor.Reading {
	out := s.queue.Drain()
	s.delivered.Add(uint64(len(out)))
	return out
}

// Notify signals after readings are queued.
func (s *Subscription) Notify() <-chan struct{} { return s.queue.Notify() }

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many readings were discarded from the full queue.
func (s *Subscription) Dropped() uint64 { return uint64(s.queue.Stats().Drops()) }

// Delivered returns how many readings the subscriber has taken.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Close unsubscribes.
func (s *Subscription) Close() error {
	err := s.hub.Unsubscribe(s.id)
	if errors.Is(err, errors.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *Subscription) release() {
	s.closeOnce.Do(func() {
		_ = s.queue.Close()
		close(s.done)
	})
}

func (s *Subscription) info() SubscriberInfo {
	return SubscriberInfo{
		ID:         s.id,
		Name:       s.name,
		Targets:    s.sel.targets(),
		QueueDepth: s.queue.Size(),
		QueueSize:  s.queue.Capacity(),
		Delivered:  s.Delivered(),
		Dropped:    s.Dropped(),
		Created:    s.created,
	}
}
