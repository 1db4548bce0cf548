// Package worker provides a generic worker pool whose queue never blocks the
// submitter: when the queue is full the oldest unprocessed item is dropped.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/buffer"
)

// Pool processes work items of type T on a fixed number of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onDrop    func(T)

	queue *buffer.CircularBuffer[T]
	wake  chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	metrics         *poolMetrics
}

type poolMetrics struct {
	submitted      prometheus.Counter
	dropped        prometheus.Counter
	failed         prometheus.Counter
	processingTime prometheus.Histogram
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithDropHandler sets a callback invoked with every item evicted from a full queue.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.onDrop = fn
	}
}

// NewPool creates a new worker pool.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		return nil, ErrNilProcessor
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		wake:      make(chan struct{}, workers),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	queue, err := buffer.NewCircularBuffer[T](queueSize,
		buffer.WithOverflowPolicy[T](buffer.DropOldest),
		buffer.WithDropCallback[T](p.handleDrop))
	if err != nil {
		return nil, err
	}
	p.queue = queue

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		if err := p.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool[T]) initializeMetrics() error {
	prefix := p.metricsPrefix
	m := &poolMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Total work items evicted from a full queue",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that failed processing",
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	const serviceName = "worker_pool"
	if err := p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", m.submitted); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", m.dropped); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", m.failed); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterHistogram(serviceName, prefix+"_processing_duration_seconds", m.processingTime); err != nil {
		return err
	}
	p.metrics = m
	return nil
}

func (p *Pool[T]) handleDrop(item T) {
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.dropped.Inc()
	}
	if p.onDrop != nil {
		p.onDrop(item)
	}
}

// Submit enqueues work. It never blocks; a full queue evicts its oldest item.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	if _, err := p.queue.Write(work); err != nil {
		return err
	}
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start starts the workers.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Wait blocks until every submitted item has been processed or dropped.
func (p *Pool[T]) Wait(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.queue.Size() == 0 && p.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop stops accepting work, lets workers finish queued items, and waits up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return p.queue.Close()
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: p.queue.Size(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		p.inFlight.Add(1)
		work, ok := p.queue.Read()
		if ok {
			p.process(ctx, work)
			p.inFlight.Add(-1)
			continue
		}
		p.inFlight.Add(-1)

		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			// Drain whatever is left before exiting.
			for {
				work, ok := p.queue.Read()
				if !ok {
					return
				}
				p.process(ctx, work)
			}
		case <-p.wake:
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.processor(ctx, work)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	if p.metrics != nil {
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
	}
}
