// Package stream fans normalized readings out to subscribers. Each
// subscription owns a bounded drop-oldest queue: a slow subscriber loses its
// oldest readings and never stalls the producer or other subscribers.
//
// Subscriptions target sensors by id, groups by id, or topic patterns over
// sensors/<sensor-id>/<channel-id> with "+" and "#" wildcards.
package stream

import (
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
	DefaultQueueSize      = 1000
	DefaultMaxSubscribers = 1024
	// DefaultMaxQueueSize bounds a per-request queue override.
	DefaultMaxQueueSize   = 10 * DefaultQueueSize
)

// ErrClosed is returned by a subscription after it has been removed.
var ErrClosed = fmt.Errorf("stream: %w", errors.ErrShuttingDown)

// Config configures a Hub.
type Config struct {
	QueueSize      int
	MaxQueueSize   int
	MaxSubscribers int
	Metrics        *metric.Metrics
	// BufferMetrics optionally reports each queue's depth and drops.
	BufferMetrics *buffer.Metrics
	Logger        *slog.Logger
}

// Hub routes readings to subscriptions.
type Hub struct {
	cfg     Config
	metrics *metric.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxQueueSize < cfg.QueueSize {
		cfg.MaxQueueSize = cfg.QueueSize
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultMaxSubscribers
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "stream")
	}
	return &Hub{
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		subs:    make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a subscription. It fails with ErrResourceExhausted when
// the hub is at MaxSubscribers or the requested queue exceeds MaxQueueSize;
// that error is fatal to this request only.
func (h *Hub) Subscribe(req Request) (*Subscription, error) {
	sel, err := req.compile()
	if err != nil {
		return nil, err
	}
	size := req.QueueSize
	if size <= 0 {
		size = h.cfg.QueueSize
	}
	if size > h.cfg.MaxQueueSize {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: queue size %d exceeds %d", errors.ErrResourceExhausted, size, h.cfg.MaxQueueSize),
			"Hub", "Subscribe", "check queue size")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.WrapInvalid(ErrClosed, "Hub", "Subscribe", "check lifecycle")
	}
	if len(h.subs) >= h.cfg.MaxSubscribers {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %d subscribers", errors.ErrResourceExhausted, len(h.subs)),
			"Hub", "Subscribe", "allocate subscriber queue")
	}

	sub, err := newSubscription(h, req.Name, sel, size, req.MinInterval)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrResourceExhausted, err),
			"Hub", "Subscribe", "allocate subscriber queue")
	}
	h.subs[sub.id] = sub
	h.metrics.Subscribers.Set(float64(len(h.subs)))

	h.logger.Debug("Subscriber added",
		"subscriber_id", sub.id,
		"name", sub.name,
		"queue_size", size)
	return sub, nil
}

// Unsubscribe removes a subscription and releases its queue.
func (h *Hub) Unsubscribe(id uuid.UUID) error {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		h.metrics.Subscribers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: subscriber %s", errors.ErrKeyNotFound, id),
			"Hub", "Unsubscribe", "find subscriber")
	}
	sub.release()
	h.logger.Debug("Subscriber removed", "subscriber_id", id, "dropped", sub.Dropped())
	return nil
}

// Publish offers a reading to every matching subscription without blocking.
func (h *Hub) Publish(r sensor.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.offer(r)
	}
}

// Dispatch implements the scheduler's Dispatcher.
func (h *Hub) Dispatch(r sensor.Reading) { h.Publish(r) }

// Len returns the number of subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// SubscriberInfo describes one subscription for diagnostics.
type SubscriberInfo struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name,omitempty"`
	Targets    []string  `json:"targets"`
	QueueDepth int       `json:"queue_depth"`
	QueueSize  int       `json:"queue_size"`
	Delivered  uint64    `json:"delivered"`
	Dropped    uint64    `json:"dropped"`
	Created    time.Time `json:"created"`
}

// Diagnostics lists every subscription, oldest first.
func (h *Hub) Diagnostics() []SubscriberInfo {
	h.mu.RLock()
	out := make([]SubscriberInfo, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub.info())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close removes every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uuid.UUID]*Subscription)
	h.metrics.Subscribers.Set(0)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
}
