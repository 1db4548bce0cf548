package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Patch is a partial update. Nil fields are left unchanged.
//
// Thresholds, Tags and Location may change while the sensor is acquiring.
// Every other field requires acquisition to be stopped.
type Patch struct {
	Name         *string                      `json:"name,omitempty"`
	Category     *sensor.Category             `json:"category,omitempty"`
	Manufacturer *string                      `json:"manufacturer,omitempty"`
	Model        *string                      `json:"model,omitempty"`
	SerialNumber *string                      `json:"serial_number,omitempty"`
	Protocol     sensor.ProtocolConfig        `json:"-"`
	Channels     *[]sensor.Channel            `json:"channels,omitempty"`
	Calibration  *sensor.Calibration          `json:"calibration,omitempty"`
	Location     *string                      `json:"location,omitempty"`
	Tags         *map[string]string           `json:"tags,omitempty"`
	Thresholds   *map[uint16]sensor.Threshold `json:"thresholds,omitempty"`
}

// coldFields lists the set fields that are not hot-swappable.
func (p Patch) coldFields() []string {
	var out []string
	if p.Name != nil {
		out = append(out, "name")
	}
	if p.Category != nil {
		out = append(out, "category")
	}
	if p.Manufacturer != nil {
		out = append(out, "manufacturer")
	}
	if p.Model != nil {
		out = append(out, "model")
	}
	if p.SerialNumber != nil {
		out = append(out, "serial_number")
	}
	if p.Protocol != nil {
		out = append(out, "protocol")
	}
	if p.Channels != nil {
		out = append(out, "channels")
	}
	if p.Calibration != nil {
		out = append(out, "calibration")
	}
	return out
}

func (p Patch) touchesMetadata() bool {
	return len(p.coldFields()) > 0 || p.Location != nil || p.Tags != nil
}

func (p Patch) apply(md sensor.Metadata) sensor.Metadata {
	out := md.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Manufacturer != nil {
		out.Manufacturer = *p.Manufacturer
	}
	if p.Model != nil {
		out.Model = *p.Model
	}
	if p.SerialNumber != nil {
		out.SerialNumber = *p.SerialNumber
	}
	if p.Protocol != nil {
		out.Protocol = p.Protocol
	}
	if p.Channels != nil {
		out.Channels = append([]sensor.Channel(nil), (*p.Channels)...)
	}
	if p.Calibration != nil {
		cal := *p.Calibration
		out.Calibration = &cal
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.Tags != nil {
		out.Tags = make(map[string]string, len(*p.Tags))
		for k, v := range *p.Tags {
			out.Tags[k] = v
		}
	}
	return out.Clone()
}

// Update applies a partial change to a sensor definition and returns the
// result. Threshold changes publish a new configuration version.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p Patch) (sensor.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sensors[id]
	if !ok {
		return sensor.Metadata{}, notFound(id, "Update")
	}
	// Checked under r.mu: the scheduler re-reads the definition after it
	// leaves Idle, so a change committed here is never missed by a Start.
	acquiring := r.stateProvider().Active(id)
	if cold := p.coldFields(); acquiring && len(cold) > 0 {
		return sensor.Metadata{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrNotHotSwappable, cold), "Registry", "Update", "check running sensor")
	}

	md := rec.meta
	if p.touchesMetadata() {
		md = p.apply(rec.meta)
		if err := md.Validate(); err != nil {
			return sensor.Metadata{}, err
		}
		if md.ConnectionType() != rec.meta.ConnectionType() {
			if _, ok := r.caps.Capabilities(md.ConnectionType()); !ok {
				return sensor.Metadata{}, errors.WrapInvalid(
					fmt.Errorf("%w: connection type %q", errors.ErrNotSupported, md.ConnectionType()),
					"Registry", "Update", "resolve capabilities")
			}
		}
		md.Version = rec.meta.Version + 1
		md.UpdatedAt = r.now()
	}

	old := rec.config.Load()
	cfg := old.Clone()
	cfgChanged := false
	if p.Thresholds != nil {
		cfg.Thresholds = make(map[uint16]sensor.Threshold, len(*p.Thresholds))
		for ch, th := range *p.Thresholds {
			cfg.Thresholds[ch] = th
		}
		cfgChanged = true
	}
	if cfgChanged || p.Channels != nil {
		if err := checkThresholdChannels(md, cfg); err != nil {
			return sensor.Metadata{}, err
		}
	}
	if cfgChanged {
		if err := cfg.Validate(); err != nil {
			return sensor.Metadata{}, err
		}
		cfg.Version = old.Version + 1
	}

	if err := r.catalog.SaveSensor(ctx, Entry{Metadata: md, Config: cfg}); err != nil {
		return sensor.Metadata{}, errors.Wrap(err, "Registry", "Update", "persist sensor")
	}
	rec.meta = md
	if cfgChanged {
		rec.config.Store(&cfg)
	}

	r.logger.Debug("Sensor updated", "sensor_id", id, "version", md.Version, "running", acquiring)
	return md.Clone(), nil
}

// Configure validates cfg against the sensor's transport capabilities and,
// when accepted, publishes it atomically. The returned configuration carries
// the assigned version.
func (r *Registry) Configure(ctx context.Context, cfg sensor.Configuration) (sensor.Configuration, error) {
	if err := cfg.Validate(); err != nil {
		return sensor.Configuration{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sensors[cfg.SensorID]
	if !ok {
		return sensor.Configuration{}, notFound(cfg.SensorID, "Configure")
	}
	caps, ok := r.caps.Capabilities(rec.meta.ConnectionType())
	if !ok {
		return sensor.Configuration{}, errors.WrapInvalid(errors.ErrNotSupported, "Registry", "Configure", "resolve capabilities")
	}
	if err := adapter.CheckRate(caps, cfg.SamplingRate); err != nil {
		return sensor.Configuration{}, errors.Wrap(err, "Registry", "Configure", "validate sampling rate")
	}
	if cfg.Trigger.Mode == sensor.TriggerExternal && !caps.SupportsHardwareTrigger {
		return sensor.Configuration{}, errors.WrapInvalid(
			fmt.Errorf("%w: %s has no hardware trigger", errors.ErrCapabilityViolation, rec.meta.ConnectionType()),
			"Registry", "Configure", "validate trigger")
	}
	if err := checkThresholdChannels(rec.meta, cfg); err != nil {
		return sensor.Configuration{}, err
	}

	next := cfg.Clone()
	next.Version = rec.config.Load().Version + 1
	if err := r.catalog.SaveSensor(ctx, Entry{Metadata: rec.meta, Config: next}); err != nil {
		return sensor.Configuration{}, errors.Wrap(err, "Registry", "Configure", "persist configuration")
	}
	rec.config.Store(&next)

	r.logger.Info("Sensor configured", "sensor_id", cfg.SensorID,
		"sampling_rate", next.SamplingRate, "enabled", next.Enabled, "version", next.Version)
	return next.Clone(), nil
}

// Config returns the active configuration. The pointer must be treated as
// read-only; a later Configure publishes a new value rather than mutating it.
func (r *Registry) Config(id uuid.UUID) (*sensor.Configuration, bool) {
	r.mu.RLock()
	rec, ok := r.sensors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.config.Load(), true
}

func checkThresholdChannels(md sensor.Metadata, cfg sensor.Configuration) error {
	for ch := range cfg.Thresholds {
		if _, ok := md.Channel(ch); !ok {
			return errors.WrapInvalid(fmt.Errorf("threshold references unknown channel %d", ch),
				"Registry", "Configure", "validate thresholds")
		}
	}
	return nil
}
