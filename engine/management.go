package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/alert"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/registry"
	"github.com/jnarwell/wit-sub006/scheduler"
	"github.com/jnarwell/wit-sub006/sensor"
	"github.com/jnarwell/wit-sub006/timeseries"
)

// RegisterSensor adds a sensor definition. A nil id is assigned.
func (e *Engine) RegisterSensor(ctx context.Context, md sensor.Metadata) (id uuid.UUID, err error) {
	defer e.metrics.record("register_sensor", time.Now(), &err)

	id, err = e.registry.Register(ctx, md)
	if err != nil {
		return uuid.Nil, err
	}
	e.refreshCounts()
	return id, nil
}

// UpdateSensor applies a partial change. While the sensor is acquiring only
// thresholds, tags and location may change.
func (e *Engine) UpdateSensor(ctx context.Context, id uuid.UUID, p registry.Patch) (md sensor.Metadata, err error) {
	defer e.metrics.record("update_sensor", time.Now(), &err)
	return e.registry.Update(ctx, id, p)
}

// RemoveSensor deletes a stopped sensor together with its alerts.
func (e *Engine) RemoveSensor(ctx context.Context, id uuid.UUID) (err error) {
	defer e.metrics.record("remove_sensor", time.Now(), &err)

	if err = e.registry.Remove(ctx, id); err != nil {
		return err
	}
	for _, a := range e.alerts.List() {
		if a.SensorID != id {
			continue
		}
		if rmErr := e.alerts.Remove(a.ID); rmErr != nil {
			e.logger.Warn("Failed to remove alert of removed sensor",
				"alert_id", a.ID, "sensor_id", id, "error", rmErr)
		}
	}
	e.refreshCounts()
	return nil
}

// ConfigureSensor validates cfg against the sensor's capabilities and
// publishes it. A running acquisition picks it up on its next sample.
func (e *Engine) ConfigureSensor(ctx context.Context, cfg sensor.Configuration) (out sensor.Configuration, err error) {
	defer e.metrics.record("configure_sensor", time.Now(), &err)
	return e.registry.Configure(ctx, cfg)
}

// GetSensor returns a sensor definition.
func (e *Engine) GetSensor(id uuid.UUID) (sensor.Metadata, error) {
	return e.registry.Get(id)
}

// SensorConfig returns the active configuration of a sensor.
func (e *Engine) SensorConfig(id uuid.UUID) (sensor.Configuration, error) {
	cfg, ok := e.registry.Config(id)
	if !ok {
		return sensor.Configuration{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSensorNotFound, id),
			"Engine", "SensorConfig", "find sensor")
	}
	return cfg.Clone(), nil
}

// ListSensors returns the sensors matching f.
func (e *Engine) ListSensors(f registry.Filter) []sensor.Metadata {
	return e.registry.List(f)
}

// SensorState returns the acquisition state of a sensor.
func (e *Engine) SensorState(id uuid.UUID) scheduler.State {
	return e.scheduler.State(id)
}

// SensorStates returns the state of every sensor the scheduler has seen.
func (e *Engine) SensorStates() map[uuid.UUID]scheduler.State {
	return e.scheduler.States()
}

// CreateDAQGroup stores a group of registered sensors. A nil id is assigned.
func (e *Engine) CreateDAQGroup(ctx context.Context, g sensor.Group) (out sensor.Group, err error) {
	defer e.metrics.record("create_group", time.Now(), &err)

	out, err = e.registry.CreateGroup(ctx, g)
	if err != nil {
		return sensor.Group{}, err
	}
	e.refreshCounts()
	return out, nil
}

// DeleteDAQGroup removes a stopped group. Its members are kept.
func (e *Engine) DeleteDAQGroup(ctx context.Context, id uuid.UUID) (err error) {
	defer e.metrics.record("delete_group", time.Now(), &err)

	if err = e.registry.DeleteGroup(ctx, id); err != nil {
		return err
	}
	e.refreshCounts()
	return nil
}

// GetGroup returns a group definition.
func (e *Engine) GetGroup(id uuid.UUID) (sensor.Group, error) {
	return e.registry.GetGroup(id)
}

// ListGroups returns every group.
func (e *Engine) ListGroups() []sensor.Group {
	return e.registry.ListGroups()
}

// CreateAlert adds an alert on a registered sensor channel. Correlation
// alerts also need their partner channel to exist.
func (e *Engine) CreateAlert(cfg alert.Config) (out alert.Config, err error) {
	defer e.metrics.record("create_alert", time.Now(), &err)

	if err = e.checkChannel(cfg.SensorID, cfg.Channel, "CreateAlert"); err != nil {
		return alert.Config{}, err
	}
	if corr, ok := cfg.Condition.(alert.Correlation); ok {
		if err = e.checkChannel(corr.Sensor, corr.Channel, "CreateAlert"); err != nil {
			return alert.Config{}, err
		}
	}
	return e.alerts.Create(cfg)
}

func (e *Engine) checkChannel(id uuid.UUID, channel uint16, method string) error {
	md, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if _, ok := md.Channel(channel); !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sensor %s has no channel %d", errors.ErrInvalidConfig, id, channel),
			"Engine", method, "check channel")
	}
	return nil
}

// RemoveAlert deletes an alert and resolves its open event.
func (e *Engine) RemoveAlert(id uuid.UUID) (err error) {
	defer e.metrics.record("remove_alert", time.Now(), &err)
	return e.alerts.Remove(id)
}

// GetAlert returns one alert definition.
func (e *Engine) GetAlert(id uuid.UUID) (alert.Config, error) {
	return e.alerts.Get(id)
}

// ListAlerts returns every alert definition.
func (e *Engine) ListAlerts() []alert.Config {
	return e.alerts.List()
}

// AcknowledgeAlert acknowledges an active alert event.
func (e *Engine) AcknowledgeAlert(eventID uuid.UUID, by string) (ev alert.Event, err error) {
	defer e.metrics.record("acknowledge_alert", time.Now(), &err)
	return e.alerts.Acknowledge(eventID, by)
}

// ActiveAlerts returns every unresolved event.
func (e *Engine) ActiveAlerts() []alert.Event {
	return e.alerts.ActiveEvents()
}

// AlertHistory returns recently resolved events.
func (e *Engine) AlertHistory() []alert.Event {
	return e.alerts.History()
}

// StartAcquisition starts the given sensors. Each starts independently; the
// error joins every failure.
func (e *Engine) StartAcquisition(ctx context.Context, ids ...uuid.UUID) (err error) {
	defer e.metrics.record("start_acquisition", time.Now(), &err)
	if err = e.checkRunning("StartAcquisition"); err != nil {
		return err
	}
	return e.scheduler.Start(ctx, ids...)
}

// StopAcquisition stops the given sensors and waits for their adapters to be
// released.
func (e *Engine) StopAcquisition(ctx context.Context, ids ...uuid.UUID) (err error) {
	defer e.metrics.record("stop_acquisition", time.Now(), &err)
	return e.scheduler.Stop(ctx, ids...)
}

// PauseAcquisition suspends a running sensor without releasing its adapter.
func (e *Engine) PauseAcquisition(id uuid.UUID) (err error) {
	defer e.metrics.record("pause_acquisition", time.Now(), &err)
	return e.scheduler.Pause(id)
}

// ResumeAcquisition resumes a paused sensor.
func (e *Engine) ResumeAcquisition(id uuid.UUID) (err error) {
	defer e.metrics.record("resume_acquisition", time.Now(), &err)
	return e.scheduler.Resume(id)
}

// StartGroupAcquisition starts every member of a group under its
// synchronization policy.
func (e *Engine) StartGroupAcquisition(ctx context.Context, groupID uuid.UUID) (err error) {
	defer e.metrics.record("start_group", time.Now(), &err)
	if err = e.checkRunning("StartGroupAcquisition"); err != nil {
		return err
	}
	return e.scheduler.StartGroup(ctx, groupID)
}

// StopGroupAcquisition stops every member of a group.
func (e *Engine) StopGroupAcquisition(ctx context.Context, groupID uuid.UUID) (err error) {
	defer e.metrics.record("stop_group", time.Now(), &err)
	return e.scheduler.StopGroup(ctx, groupID)
}

// WriteCommand sends a command to the adapter of a running or paused sensor.
func (e *Engine) WriteCommand(ctx context.Context, id uuid.UUID, cmd adapter.Command) (err error) {
	defer e.metrics.record("write_command", time.Now(), &err)
	if err = e.checkRunning("WriteCommand"); err != nil {
		return err
	}
	if _, err = e.registry.Get(id); err != nil {
		return err
	}
	return e.scheduler.Write(ctx, id, cmd)
}

func (e *Engine) checkRunning(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Engine", method, "check lifecycle")
	case !e.started:
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", method, "check lifecycle")
	}
	return nil
}

// Query reads stored points of a sensor. A decimation above 1 keeps every
// Nth point per channel.
func (e *Engine) Query(ctx context.Context, id uuid.UUID, r timeseries.TimeRange, decimation int) (points []timeseries.Point, err error) {
	defer e.metrics.record("query", time.Now(), &err)

	if r.To.Before(r.From) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: range ends before it starts", errors.ErrInvalidConfig),
			"Engine", "Query", "validate range")
	}
	if decimation < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: negative decimation", errors.ErrInvalidConfig),
			"Engine", "Query", "validate decimation")
	}
	if _, err = e.registry.Get(id); err != nil {
		return nil, err
	}
	return e.store.Query(ctx, id, r, decimation)
}

// FlushAggregation closes every open aggregation window and waits until the
// resulting blocks are stored.
func (e *Engine) FlushAggregation(ctx context.Context) error {
	return e.aggregator.Flush(ctx)
}

// DiscoverSensors connects to a transport endpoint and registers every
// self-describing device found behind it. probe carries the protocol to
// reach the devices through; its id is ignored. Devices that are already
// registered are returned but not registered again.
func (e *Engine) DiscoverSensors(ctx context.Context, probe sensor.Metadata) (found []sensor.Metadata, err error) {
	defer e.metrics.record("discover_sensors", time.Now(), &err)

	if probe.Protocol == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: discovery needs a protocol", errors.ErrInvalidConfig),
			"Engine", "DiscoverSensors", "validate probe")
	}
	if err = probe.Protocol.Validate(); err != nil {
		return nil, err
	}
	a, err := e.factory.New(probe)
	if err != nil {
		return nil, err
	}
	d, ok := a.(adapter.Discoverer)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s adapter cannot discover devices", errors.ErrNotSupported, probe.ConnectionType()),
			"Engine", "DiscoverSensors", "check adapter")
	}

	if err = a.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "Engine", "DiscoverSensors", "connect")
	}
	defer func() {
		if dErr := a.Disconnect(context.WithoutCancel(ctx)); dErr != nil {
			e.logger.Warn("Failed to disconnect discovery adapter", "error", dErr)
		}
	}()

	descriptors, err := d.Discover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "DiscoverSensors", "discover")
	}

	now := e.now()
	for _, desc := range descriptors {
		md := desc.ToMetadata(probe.Protocol, now)
		if existing, getErr := e.registry.Get(md.ID); getErr == nil {
			found = append(found, existing)
			continue
		}
		if _, err = e.registry.Register(ctx, md); err != nil {
			return found, err
		}
		registered, getErr := e.registry.Get(md.ID)
		if getErr != nil {
			return found, getErr
		}
		found = append(found, registered)
	}
	e.refreshCounts()

	e.logger.Info("Discovery finished",
		"connection_type", probe.ConnectionType(),
		"devices", len(descriptors))
	return found, nil
}

func (e *Engine) refreshCounts() {
	e.metrics.setCounts(len(e.registry.List(registry.Filter{})), len(e.registry.ListGroups()))
}
