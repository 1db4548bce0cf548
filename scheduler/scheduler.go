// Package scheduler drives acquisition. Each started sensor gets its own
// adapter instance and two goroutines: a driver that polls or subscribes to
// the adapter, and a pipeline that normalizes raw samples into readings and
// hands them to a Dispatcher. The two are joined by a bounded channel written
// with try-send, so a slow pipeline drops samples instead of stalling the
// transport.
//
// The per-sensor state machine is
//
//	Idle → Configuring → Running ⇄ Paused
//	           ↓            ↓        ↓
//	         Error ←────────┴────────┘
//	Running/Paused/Error → Stopped → Configuring
//
// A sensor in Error is never restarted automatically; the owner calls Start.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/health"
	"github.com/jnarwell/wit-sub006/metric"
	"github.com/jnarwell/wit-sub006/pkg/retry"
	"github.com/jnarwell/wit-sub006/sensor"
)

const (
	defaultQueueSize       = 256
	defaultMaxFailures     = 3
	defaultTeardownTimeout = 5 * time.Second
)

// Registry is the subset of the sensor registry the scheduler reads.
type Registry interface {
	Get(id uuid.UUID) (sensor.Metadata, error)
	Config(id uuid.UUID) (*sensor.Configuration, bool)
	GetGroup(id uuid.UUID) (sensor.Group, error)
}

// AdapterFactory builds one adapter per sensor.
type AdapterFactory interface {
	New(md sensor.Metadata) (adapter.Adapter, error)
}

// Dispatcher receives every reading the scheduler produces. It is called from
// many goroutines and must not block.
type Dispatcher interface {
	Dispatch(r sensor.Reading)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(sensor.Reading)

func (f DispatchFunc) Dispatch(r sensor.Reading) { f(r) }

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the scheduler's collaborators and tuning.
type Config struct {
	Registry   Registry
	Adapters   AdapterFactory
	Dispatcher Dispatcher

	Health  *health.Monitor
	Metrics *metric.Metrics
	Logger  *slog.Logger

	// Clock stamps samples that arrive without a device timestamp.
	Clock Clock
	// TimeSource stamps every reading of external-time groups. Defaults to Clock.
	TimeSource Clock

	// Retry shapes connect retries and the delay between failed reads.
	Retry errors.RetryConfig
	// MaxConsecutiveFailures is how many failed reads in a row are tolerated
	// before the sensor moves to Error.
	MaxConsecutiveFailures int
	// QueueSize bounds the driver-to-pipeline handoff per sensor.
	QueueSize int
	// TeardownTimeout bounds adapter disconnect during Stop.
	TeardownTimeout time.Duration
}

// Scheduler owns the acquisition of every started sensor.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	states map[uuid.UUID]State
	acqs   map[uuid.UUID]*acquisition
	groups map[uuid.UUID]*groupRun
	closed bool
}

type groupRun struct {
	group   sensor.Group
	barrier *Barrier
	trigger *adapter.Trigger
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil || cfg.Adapters == nil || cfg.Dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Scheduler", "New",
			"registry, adapter factory and dispatcher are required")
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "scheduler")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = cfg.Clock
	}
	if cfg.Retry == (errors.RetryConfig{}) {
		cfg.Retry = errors.DefaultRetryConfig()
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}

	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		states: make(map[uuid.UUID]State),
		acqs:   make(map[uuid.UUID]*acquisition),
		groups: make(map[uuid.UUID]*groupRun),
	}, nil
}

// State returns the acquisition state of a sensor. Unknown sensors are Idle.
func (s *Scheduler) State(id uuid.UUID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// Active reports whether the sensor is configuring, running or paused.
func (s *Scheduler) Active(id uuid.UUID) bool {
	return s.State(id).Active()
}

// GroupActive reports whether group acquisition is running for id.
func (s *Scheduler) GroupActive(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[id]
	return ok
}

// States returns a snapshot of every known sensor state.
func (s *Scheduler) States() map[uuid.UUID]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]State, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// setStateLocked records a transition. Caller holds s.mu.
func (s *Scheduler) setStateLocked(id uuid.UUID, st State) {
	s.states[id] = st
	s.cfg.Metrics.SensorState.WithLabelValues(id.String()).Set(float64(st))
}

func healthName(id uuid.UUID) string {
	return "sensor." + id.String()
}

// Start begins acquisition for each sensor. Sensors are started
// independently: a failure of one does not prevent the others, and the
// returned error joins every failure.
func (s *Scheduler) Start(ctx context.Context, ids ...uuid.UUID) error {
	var errs []error
	for _, id := range ids {
		if err := s.start(ctx, id, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) start(ctx context.Context, id uuid.UUID, run *groupRun) error {
	md, err := s.cfg.Registry.Get(id)
	if err != nil {
		return err
	}
	cfg, ok := s.cfg.Registry.Config(id)
	if !ok {
		return errors.WrapInvalid(errors.ErrSensorNotFound, "Scheduler", "Start", "load configuration")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Scheduler", "Start", "check lifecycle")
	}
	// A failed acquisition may still be releasing its adapter.
	for old := s.acqs[id]; old != nil && !s.states[id].Active(); old = s.acqs[id] {
		s.mu.Unlock()
		if err := old.wait(ctx); err != nil {
			return errors.WrapTransient(err, "Scheduler", "Start", "wait for previous teardown")
		}
		s.mu.Lock()
		if s.acqs[id] == old {
			delete(s.acqs, id)
		}
	}
	if st := s.states[id]; !st.startable() {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%w: sensor %s is %s", errors.ErrInvalidTransition, id, st),
			"Scheduler", "Start", "check state")
	}
	acq := newAcquisition(s, md, cfg, run)
	s.acqs[id] = acq
	s.setStateLocked(id, StateConfiguring)
	s.mu.Unlock()

	// The registry rejects cold changes once the sensor is Configuring; pick
	// up any change committed before that.
	err = acq.refresh()
	if err == nil {
		err = acq.open(ctx)
	}
	if err != nil {
		s.mu.Lock()
		if s.acqs[id] == acq {
			delete(s.acqs, id)
		}
		if s.states[id] == StateConfiguring {
			s.setStateLocked(id, StateError)
		}
		s.mu.Unlock()
		s.cfg.Health.UpdateError(healthName(id), health.Sanitize(err.Error()))
		s.logger.Error("Sensor failed to start", "sensor_id", id, "error", err)
		return err
	}

	s.mu.Lock()
	if s.acqs[id] != acq || s.states[id] != StateConfiguring {
		// Stopped while connecting.
		s.mu.Unlock()
		acq.teardown()
		return errors.WrapInvalid(errors.ErrInvalidTransition, "Scheduler", "Start", "stopped during configuration")
	}
	s.setStateLocked(id, StateRunning)
	s.mu.Unlock()

	s.cfg.Health.UpdateHealthy(healthName(id), "running")
	acq.launch()
	s.logger.Info("Sensor acquisition started",
		"sensor_id", id,
		"sensor", acq.meta.Name,
		"connection_type", acq.meta.ConnectionType(),
		"sampling_rate", cfg.SamplingRate,
		"polling", acq.polling)
	return nil
}

// Stop ends acquisition for each sensor. It returns once every adapter has
// been released or ctx ends.
func (s *Scheduler) Stop(ctx context.Context, ids ...uuid.UUID) error {
	var errs []error
	for _, id := range ids {
		if err := s.stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) stop(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	acq := s.acqs[id]
	st := s.states[id]
	if acq == nil {
		if st == StateError {
			s.setStateLocked(id, StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	delete(s.acqs, id)
	s.mu.Unlock()

	acq.cancel()
	if err := acq.wait(ctx); err != nil {
		return errors.WrapTransient(err, "Scheduler", "Stop", "wait for adapter teardown")
	}

	s.mu.Lock()
	s.setStateLocked(id, StateStopped)
	s.mu.Unlock()
	s.cfg.Health.Remove(healthName(id))
	s.logger.Info("Sensor acquisition stopped", "sensor_id", id)
	return nil
}

// Pause suspends delivery for a running sensor while keeping its adapter connected.
func (s *Scheduler) Pause(id uuid.UUID) error {
	return s.toggle(id, StateRunning, StatePaused, "Pause")
}

// Resume continues a paused sensor.
func (s *Scheduler) Resume(id uuid.UUID) error {
	return s.toggle(id, StatePaused, StateRunning, "Resume")
}

func (s *Scheduler) toggle(id uuid.UUID, from, to State, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acq := s.acqs[id]
	if st := s.states[id]; st != from || acq == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: sensor %s is %s", errors.ErrInvalidTransition, id, st),
			"Scheduler", method, "check state")
	}
	acq.paused.Store(to == StatePaused)
	s.setStateLocked(id, to)
	return nil
}

// Write forwards a command to the adapter of a running or paused sensor.
// Transports without a write path fail with errors.ErrNotSupported.
func (s *Scheduler) Write(ctx context.Context, id uuid.UUID, cmd adapter.Command) error {
	s.mu.Lock()
	acq := s.acqs[id]
	st := s.states[id]
	s.mu.Unlock()
	// The adapter is only assigned once Configuring has completed.
	if acq == nil || (st != StateRunning && st != StatePaused) {
		return errors.WrapInvalid(fmt.Errorf("%w: sensor %s is %s", errors.ErrSensorNotFound, id, st),
			"Scheduler", "Write", "find running acquisition")
	}

	if err := acq.adapter.Write(ctx, cmd); err != nil {
		s.logger.Warn("Adapter write failed", "sensor_id", id, "command", cmd.Name, "error", err)
		return err
	}
	s.logger.Debug("Command written", "sensor_id", id, "command", cmd.Name, "bytes", len(cmd.Payload))
	return nil
}

// fail moves a sensor to Error after an unrecoverable adapter failure. The
// driver goroutine calls it; teardown follows when the driver returns.
func (s *Scheduler) fail(acq *acquisition, err error) {
	id := acq.meta.ID
	s.mu.Lock()
	if s.acqs[id] == acq {
		s.setStateLocked(id, StateError)
	}
	s.mu.Unlock()

	s.cfg.Health.UpdateError(healthName(id), health.Sanitize(err.Error()))
	s.logger.Error("Sensor moved to error state",
		"sensor_id", id,
		"sensor", acq.meta.Name,
		"error", err)
}

// retire forgets an acquisition whose goroutines have exited.
func (s *Scheduler) retire(acq *acquisition) {
	s.mu.Lock()
	if s.acqs[acq.meta.ID] == acq {
		delete(s.acqs, acq.meta.ID)
	}
	s.mu.Unlock()
}

// StartGroup starts every member of a group with the group's synchronization.
// If any member cannot start, the members already started are stopped again.
func (s *Scheduler) StartGroup(ctx context.Context, groupID uuid.UUID) error {
	g, err := s.cfg.Registry.GetGroup(groupID)
	if err != nil {
		return err
	}
	g.ApplyDefaults()

	run := &groupRun{group: g}

	s.mu.Lock()
	if _, active := s.groups[groupID]; active {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%w: group %s already active", errors.ErrInvalidTransition, groupID),
			"Scheduler", "StartGroup", "check group state")
	}
	for _, m := range g.Members {
		if st := s.states[m]; !st.startable() {
			s.mu.Unlock()
			return errors.WrapInvalid(fmt.Errorf("%w: member %s is %s", errors.ErrInvalidTransition, m, st),
				"Scheduler", "StartGroup", "check member state")
		}
	}
	s.groups[groupID] = run
	s.mu.Unlock()

	// The registry refuses to delete an active group; make sure it still exists.
	if _, err := s.cfg.Registry.GetGroup(groupID); err != nil {
		s.forgetGroup(groupID)
		return err
	}

	switch g.Sync {
	case sensor.SyncSoftwareBarrier:
		run.barrier = NewBarrier(g, s.dispatch, s.logger)
		run.barrier.onDrop = func() {
			s.cfg.Metrics.ReadingsDropped.WithLabelValues(dropLate).Inc()
		}
	case sensor.SyncHardwareClock:
		tr, err := s.groupTrigger(g)
		if err != nil {
			s.forgetGroup(groupID)
			return err
		}
		run.trigger = &tr
	}

	started := make([]uuid.UUID, 0, len(g.Members))
	for _, m := range g.Members {
		if err := s.start(ctx, m, run); err != nil {
			_ = s.Stop(context.Background(), started...)
			if run.barrier != nil {
				run.barrier.Close()
			}
			s.forgetGroup(groupID)
			return errors.Wrap(err, "Scheduler", "StartGroup", fmt.Sprintf("start member %s", m))
		}
		started = append(started, m)
	}

	if run.barrier != nil {
		run.barrier.Arm()
	}
	s.logger.Info("Group acquisition started",
		"group_id", groupID,
		"group", g.Name,
		"sync", g.Sync,
		"members", len(g.Members))
	return nil
}

// groupTrigger builds the shared trigger of a hardware-clock group. The
// period follows the master's sampling rate.
func (s *Scheduler) groupTrigger(g sensor.Group) (adapter.Trigger, error) {
	master := g.Members[0]
	if g.Master != nil {
		master = *g.Master
	}
	cfg, ok := s.cfg.Registry.Config(master)
	if !ok {
		return adapter.Trigger{}, errors.WrapInvalid(errors.ErrSensorNotFound, "Scheduler", "StartGroup", "load master configuration")
	}
	return adapter.Trigger{
		Master: master,
		Epoch:  s.cfg.Clock.Now(),
		Period: cfg.Period(),
	}, nil
}

// StopGroup stops every member of an active group. Members are stopped one by
// one; the stop is not atomic across members.
func (s *Scheduler) StopGroup(ctx context.Context, groupID uuid.UUID) error {
	s.mu.Lock()
	run, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: group %s is not active", errors.ErrGroupNotFound, groupID),
			"Scheduler", "StopGroup", "check group state")
	}

	err := s.Stop(ctx, run.group.Members...)
	if run.barrier != nil {
		run.barrier.Close()
	}
	s.forgetGroup(groupID)
	s.logger.Info("Group acquisition stopped", "group_id", groupID)
	return err
}

func (s *Scheduler) forgetGroup(id uuid.UUID) {
	s.mu.Lock()
	delete(s.groups, id)
	s.mu.Unlock()
}

// Shutdown stops every sensor and refuses further starts. It waits at most
// timeout for adapters to be released.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]uuid.UUID, 0, len(s.acqs))
	for id := range s.acqs {
		ids = append(ids, id)
	}
	groups := make([]*groupRun, 0, len(s.groups))
	for _, run := range s.groups {
		groups = append(groups, run)
	}
	s.groups = make(map[uuid.UUID]*groupRun)
	s.mu.Unlock()

	for _, run := range groups {
		if run.barrier != nil {
			run.barrier.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Stop(ctx, ids...); err != nil {
		return errors.WrapTransient(err, "Scheduler", "Shutdown", "stop sensors")
	}
	return nil
}

// dispatch hands a finished reading downstream.
func (s *Scheduler) dispatch(r sensor.Reading) {
	start := time.Now()
	s.cfg.Dispatcher.Dispatch(r)
	s.cfg.Metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	s.cfg.Metrics.ReadingsProduced.WithLabelValues(r.SensorID.String()).Inc()
}

func (s *Scheduler) connectPolicy() retry.Policy {
	return s.cfg.Retry.BackoffPolicy()
}
