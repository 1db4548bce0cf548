package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/health"
	"github.com/jnarwell/wit-sub006/pkg/retry"
	"github.com/jnarwell/wit-sub006/sensor"
)

// acquisition is the running state of one sensor: its adapter, the driver and
// pipeline goroutines and the channel between them.
type acquisition struct {
	s       *Scheduler
	meta    sensor.Metadata
	initial *sensor.Configuration
	group   *groupRun
	logger  *slog.Logger

	adapter     adapter.Adapter
	connected   bool
	unsubscribe adapter.Unsubscribe
	polling     bool
	trigger     *adapter.Trigger
	reconnector *retry.Reconnector

	samples chan sensor.RawSample
	errs    chan error
	proc    *processor

	paused   atomic.Bool
	failures atomic.Int32

	ctx    context.Context
	stopFn context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newAcquisition(s *Scheduler, md sensor.Metadata, cfg *sensor.Configuration, run *groupRun) *acquisition {
	ctx, cancel := context.WithCancel(context.Background())
	a := &acquisition{
		s:       s,
		meta:    md,
		initial: cfg,
		group:   run,
		logger:  s.logger.With("sensor_id", md.ID),
		samples: make(chan sensor.RawSample, s.cfg.QueueSize),
		errs:    make(chan error, 1),
		proc:    newProcessor(md),
		ctx:     ctx,
		stopFn:  cancel,
		done:    make(chan struct{}),
	}
	a.reconnector = retry.NewReconnector(s.connectPolicy(), s.cfg.Retry.MaxRetries+1, func(ctx context.Context) error {
		err := a.adapter.Connect(ctx)
		if err != nil {
			a.s.cfg.Metrics.AdapterFailures.WithLabelValues(string(a.meta.ConnectionType())).Inc()
			a.logger.Warn("Adapter connect failed", "error", err)
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
		}
		return err
	})
	return a
}

// refresh reloads the sensor definition before the adapter is built.
func (a *acquisition) refresh() error {
	md, err := a.s.cfg.Registry.Get(a.meta.ID)
	if err != nil {
		a.teardown()
		return err
	}
	if md.Version != a.meta.Version {
		a.meta = md
		a.proc = newProcessor(md)
	}
	return nil
}

// config returns the registry's current configuration for the sensor.
func (a *acquisition) config() *sensor.Configuration {
	if cfg, ok := a.s.cfg.Registry.Config(a.meta.ID); ok {
		return cfg
	}
	return a.initial
}

// open builds and connects the adapter and chooses the driver. On error
// everything acquired so far is released.
func (a *acquisition) open(ctx context.Context) error {
	ad, err := a.s.cfg.Adapters.New(a.meta)
	if err != nil {
		a.teardown()
		return err
	}
	a.adapter = ad

	if err := a.reconnector.Run(ctx); err != nil {
		a.teardown()
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrAdapterFailure, err),
			"Scheduler", "Start", "connect adapter")
	}
	a.connected = true

	a.applyTrigger()

	_, isPoller := ad.(adapter.Poller)
	sub, isSub := ad.(adapter.Subscriber)
	switch {
	case isPoller && (ad.Capabilities().RequiresPolling || !isSub):
		a.polling = true
	case isSub:
		unsub, err := sub.Subscribe(a.ctx, a.handle)
		if err != nil {
			a.teardown()
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrAdapterFailure, err),
				"Scheduler", "Start", "subscribe")
		}
		a.unsubscribe = unsub
	default:
		a.teardown()
		return errors.WrapInvalid(fmt.Errorf("%w: adapter neither polls nor pushes", errors.ErrNotSupported),
			"Scheduler", "Start", "select driver")
	}
	return nil
}

// applyTrigger passes a group's shared trigger, or the sensor's own external
// trigger, to adapters that accept one.
func (a *acquisition) applyTrigger() {
	var tr adapter.Trigger
	switch {
	case a.group != nil && a.group.trigger != nil:
		tr = *a.group.trigger
	case a.initial.Trigger.Mode == sensor.TriggerExternal:
		tr = adapter.Trigger{Master: a.meta.ID, Epoch: a.s.cfg.Clock.Now(), Period: a.initial.Period()}
	default:
		return
	}

	ta, ok := a.adapter.(adapter.TriggerAware)
	if !ok {
		a.logger.Info("Adapter has no trigger input, using software timestamps")
		return
	}
	if err := ta.SetTrigger(tr); err != nil {
		a.logger.Warn("Adapter rejected trigger, using software timestamps", "error", err)
		return
	}
	a.trigger = &tr
}

// launch starts the driver and pipeline goroutines.
func (a *acquisition) launch() {
	go a.run()
}

func (a *acquisition) run() {
	defer func() {
		a.teardown()
		a.s.retire(a)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pipeline()
	}()

	if a.polling {
		a.poll()
	} else {
		a.watch()
	}
	a.stopFn()
	wg.Wait()
}

func (a *acquisition) cancel() {
	a.stopFn()
	a.reconnector.Cancel()
}

// wait blocks until the adapter is released.
func (a *acquisition) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases the adapter. It runs once.
func (a *acquisition) teardown() {
	a.once.Do(func() {
		a.stopFn()
		if a.unsubscribe != nil {
			if err := a.unsubscribe(); err != nil {
				a.logger.Warn("Unsubscribe failed", "error", err)
			}
		}
		if a.connected {
			ctx, cancel := context.WithTimeout(context.Background(), a.s.cfg.TeardownTimeout)
			if err := a.adapter.Disconnect(ctx); err != nil {
				a.logger.Warn("Adapter disconnect failed", "error", err)
			}
			cancel()
		}
		close(a.done)
	})
}

// poll reads the adapter at the configured rate. A rate change in the
// registry takes effect on the next tick.
func (a *acquisition) poll() {
	poller := a.adapter.(adapter.Poller)
	period := a.config().Period()

	if a.trigger != nil {
		now := a.s.cfg.Clock.Now()
		if err := sleepCtx(a.ctx, a.trigger.Next(now).Sub(now)); err != nil {
			return
		}
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	backoff := retry.NewBackoff(a.s.cfg.Retry.BackoffPolicy())

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		if p := a.config().Period(); p != period {
			period = p
			ticker.Reset(period)
		}
		if a.paused.Load() {
			continue
		}

		sample, err := poller.ReadOnce(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			if !a.readFailed(err) {
				return
			}
			if sleepCtx(a.ctx, backoff.Next()) != nil {
				return
			}
			continue
		}
		backoff.Reset()
		a.readSucceeded()
		a.offer(sample)
	}
}

// watch waits for transport errors reported by a push adapter.
func (a *acquisition) watch() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case err := <-a.errs:
			if !a.readFailed(err) {
				return
			}
		}
	}
}

// handle is the push adapter's callback.
func (a *acquisition) handle(sample sensor.RawSample, err error) {
	if a.ctx.Err() != nil {
		return
	}
	if err != nil {
		select {
		case a.errs <- err:
		default:
		}
		return
	}
	a.readSucceeded()
	a.offer(sample)
}

// offer hands a sample to the pipeline without blocking.
func (a *acquisition) offer(sample sensor.RawSample) {
	if a.paused.Load() {
		return
	}
	select {
	case a.samples <- sample:
	default:
		a.s.cfg.Metrics.ReadingsDropped.WithLabelValues(dropQueueFull).Inc()
	}
}

// readFailed counts a failed read. It returns false once the failure budget
// is spent and the sensor has been moved to Error.
func (a *acquisition) readFailed(err error) bool {
	n := int(a.failures.Add(1))
	a.s.cfg.Metrics.AdapterFailures.WithLabelValues(string(a.meta.ConnectionType())).Inc()

	if n > a.s.cfg.MaxConsecutiveFailures {
		a.s.fail(a, errors.WrapTransient(fmt.Errorf("%w: %d consecutive read failures: %w",
			errors.ErrAdapterFailure, n, err), "Scheduler", "read", "read adapter"))
		return false
	}

	a.s.cfg.Health.UpdateDegraded(healthName(a.meta.ID),
		health.Sanitize(fmt.Sprintf("read failure %d/%d: %v", n, a.s.cfg.MaxConsecutiveFailures, err)))
	a.logger.Warn("Adapter read failed",
		"attempt", n,
		"max_failures", a.s.cfg.MaxConsecutiveFailures,
		"error", err)
	return true
}

func (a *acquisition) readSucceeded() {
	if a.failures.Swap(0) > 0 {
		a.s.cfg.Health.UpdateHealthy(healthName(a.meta.ID), "recovered")
	}
}

// pipeline turns samples into readings until the acquisition ends.
func (a *acquisition) pipeline() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case raw := <-a.samples:
			a.process(raw)
		}
	}
}

func (a *acquisition) process(raw sensor.RawSample) {
	cfg := a.config()

	ts := raw.Timestamp
	switch {
	case a.group != nil && a.group.group.Sync == sensor.SyncExternalTime:
		ts = a.s.cfg.TimeSource.Now()
	case ts.IsZero():
		ts = a.s.cfg.Clock.Now()
	}

	r, reason, ok := a.proc.process(raw, cfg, ts)
	if !ok {
		if reason != "" {
			a.s.cfg.Metrics.ReadingsDropped.WithLabelValues(reason).Inc()
			a.logger.Debug("Sample dropped", "reason", reason, "timestamp", ts)
		}
		return
	}

	if a.group != nil {
		r.GroupID = a.group.group.ID
		if a.group.barrier != nil {
			a.group.barrier.Submit(r)
			return
		}
	}
	a.s.dispatch(r)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
