package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/worker"
	"github.com/jnarwell/wit-sub006/sensor"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	// DefaultWindowSize applies to raw storage without a window setting.
	DefaultWindowSize = 100
)

// ConfigSource supplies the live configuration of a sensor.
type ConfigSource interface {
	Config(id uuid.UUID) (*sensor.Configuration, bool)
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Store     Store
	Configs   ConfigSource
	Workers   int
	QueueSize int
	Metrics   *metric.Metrics
	// Registry optionally exports worker pool metrics.
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

type seriesKey struct {
	sensor  uuid.UUID
	channel uint16
}

// window is owned by the Aggregator until closed, then handed to a worker.
type window struct {
	key    seriesKey
	unit   string
	mode   sensor.StorageMode
	size   int
	span   time.Duration
	start  time.Time
	points []Point
}

func (w *window) full() bool {
	return w.size > 0 && len(w.points) >= w.size
}

// expired reports whether t falls outside a duration window.
func (w *window) expired(t time.Time) bool {
	return w.size <= 0 && w.span > 0 && len(w.points) > 0 && !t.Before(w.start.Add(w.span))
}

func (w *window) sameShape(p sensor.StoragePolicy, size int) bool {
	return w.mode == p.Mode && w.size == size && w.span == p.WindowDuration
}

// Aggregator turns readings into blocks. Dispatch only appends to the open
// window; encoding and storage run on a worker pool whose queue drops the
// oldest closed window when full.
type Aggregator struct {
	store   Store
	configs ConfigSource
	metrics *metric.Metrics
	logger  *slog.Logger
	pool    *worker.Pool[*window]

	mu      sync.Mutex
	windows map[seriesKey]*window
}

// NewAggregator creates an aggregator. Call Start before dispatching.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Store == nil || cfg.Configs == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Aggregator", "NewAggregator", "check dependencies")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "aggregator")
	}

	a := &Aggregator{
		store:   cfg.Store,
		configs: cfg.Configs,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		windows: make(map[seriesKey]*window),
	}
	opts := []worker.Option[*window]{
		worker.WithDropHandler[*window](a.dropped),
	}
	if cfg.Registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[*window](cfg.Registry, "daq_aggregation"))
	}
	pool, err := worker.NewPool[*window](cfg.Workers, cfg.QueueSize, a.process, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Aggregator", "NewAggregator", "create worker pool")
	}
	a.pool = pool
	return a, nil
}

// Start starts the workers.
func (a *Aggregator) Start(ctx context.Context) error {
	return a.pool.Start(ctx)
}

// Dispatch adds a reading's numeric channels to their windows. Bad-quality
// and non-numeric values are skipped. It never blocks on storage.
func (a *Aggregator) Dispatch(r sensor.Reading) {
	cfg, ok := a.configs.Config(r.SensorID)
	if !ok {
		return
	}
	policy := cfg.Storage
	if policy.Mode == "" || policy.Mode == sensor.StorageNone {
		return
	}
	size := policy.WindowSize
	if size <= 0 && policy.WindowDuration <= 0 {
		size = DefaultWindowSize
	}

	var closed []*window
	a.mu.Lock()
	for ch, cv := range r.Values {
		if cv.Quality == sensor.QualityBad {
			continue
		}
		v, ok := cv.Value.Float()
		if !ok {
			continue
		}
		key := seriesKey{sensor: r.SensorID, channel: ch}
		w := a.windows[key]
		if w != nil && (!w.sameShape(policy, size) || w.expired(r.Timestamp)) {
			closed = append(closed, w)
			w = nil
		}
		if w == nil {
			w = &window{
				key:   key,
				unit:  cv.Unit,
				mode:  policy.Mode,
				size:  size,
				span:  policy.WindowDuration,
				start: r.Timestamp,
			}
			a.windows[key] = w
		}
		w.points = append(w.points, Point{Channel: ch, Time: r.Timestamp, Value: v})
		if w.full() {
			closed = append(closed, w)
			delete(a.windows, key)
		}
	}
	a.mu.Unlock()

	for _, w := range closed {
		a.submit(w)
	}
}

func (a *Aggregator) submit(w *window) {
	if err := a.pool.Submit(w); err != nil {
		a.metrics.WindowsDropped.Inc()
		a.logger.Debug("Window discarded", "sensor_id", w.key.sensor, "channel", w.key.channel, "error", err)
	}
}

func (a *Aggregator) dropped(w *window) {
	a.metrics.WindowsDropped.Inc()
	a.logger.Warn("Aggregation queue full, dropped oldest window",
		"sensor_id", w.key.sensor,
		"channel", w.key.channel,
		"points", len(w.points))
}

func (a *Aggregator) process(ctx context.Context, w *window) error {
	var (
		b   *Block
		err error
	)
	if w.mode == sensor.StorageRaw {
		b, err = NewRawBlock(w.key.sensor, w.key.channel, w.unit, w.points)
	} else {
		b, err = NewBlock(w.key.sensor, w.key.channel, w.unit, w.points)
	}
	if err != nil {
		a.logger.Error("Failed to encode window", "sensor_id", w.key.sensor, "channel", w.key.channel, "error", err)
		return err
	}
	if err := a.store.Store(ctx, b); err != nil {
		a.logger.Error("Failed to store block",
			"sensor_id", w.key.sensor,
			"channel", w.key.channel,
			"encoding", b.Encoding(),
			"error", err)
		return err
	}
	a.metrics.BlocksStored.WithLabelValues(string(b.Encoding())).Inc()
	return nil
}

// Flush closes every open window and waits until the queue is drained.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	open := make([]*window, 0, len(a.windows))
	for key, w := range a.windows {
		open = append(open, w)
		delete(a.windows, key)
	}
	a.mu.Unlock()

	for _, w := range open {
		a.submit(w)
	}
	if err := a.pool.Wait(ctx); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %d windows pending", err, a.pool.Stats().QueueDepth),
			"Aggregator", "Flush", "drain queue")
	}
	return nil
}

// Stop flushes open windows and stops the workers.
func (a *Aggregator) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	flushErr := a.Flush(ctx)
	return errors.Join(flushErr, a.pool.Stop(timeout))
}

// Stats returns queue statistics.
func (a *Aggregator) Stats() worker.PoolStats { return a.pool.Stats() }
