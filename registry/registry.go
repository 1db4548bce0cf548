// Package registry owns sensor definitions, DAQ groups and the active
// acquisition configuration of each sensor.
//
// Definitions and groups are guarded by a mutex. The active configuration of
// a sensor is published through an atomic pointer so the acquisition hot path
// reads it without locking and always sees a complete value.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// CapabilityLookup resolves the capability descriptor of a transport.
// adapter.Factory satisfies it.
type CapabilityLookup interface {
	Capabilities(ct sensor.ConnectionType) (adapter.Capabilities, bool)
}

// StateProvider reports acquisition activity. The scheduler implements it.
type StateProvider interface {
	// Active reports whether acquisition for the sensor is in progress.
	Active(sensorID uuid.UUID) bool
	// GroupActive reports whether group acquisition is in progress.
	GroupActive(groupID uuid.UUID) bool
}

type idleState struct{}

func (idleState) Active(uuid.UUID) bool      { return false }
func (idleState) GroupActive(uuid.UUID) bool { return false }

// Config holds registry dependencies.
type Config struct {
	Capabilities CapabilityLookup
	Catalog      Catalog
	State        StateProvider
	Logger       *slog.Logger
	Now          func() time.Time
}

type record struct {
	meta   sensor.Metadata
	config atomic.Pointer[sensor.Configuration]
}

// Registry is the authoritative set of sensors and groups.
type Registry struct {
	caps    CapabilityLookup
	catalog Catalog
	logger  *slog.Logger
	now     func() time.Time

	state atomic.Value // StateProvider

	mu      sync.RWMutex
	sensors map[uuid.UUID]*record
	groups  map[uuid.UUID]sensor.Group
}

// New creates a registry. A nil catalog defaults to an in-memory one.
func New(cfg Config) (*Registry, error) {
	if cfg.Capabilities == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "New", "check capability lookup")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewMemoryCatalog()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Registry{
		caps:    cfg.Capabilities,
		catalog: cfg.Catalog,
		logger:  cfg.Logger.With("component", "registry"),
		now:     cfg.Now,
		sensors: make(map[uuid.UUID]*record),
		groups:  make(map[uuid.UUID]sensor.Group),
	}
	r.SetStateProvider(cfg.State)
	return r, nil
}

// SetStateProvider installs the acquisition state source. The scheduler is
// usually built after the registry, so it is wired here.
func (r *Registry) SetStateProvider(sp StateProvider) {
	if sp == nil {
		sp = idleState{}
	}
	r.state.Store(stateHolder{sp})
}

type stateHolder struct{ StateProvider }

func (r *Registry) stateProvider() StateProvider {
	return r.state.Load().(stateHolder).StateProvider
}

// Load replaces in-memory state with the catalog contents.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.catalog.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "Registry", "Load", "load catalog")
	}

	sensors := make(map[uuid.UUID]*record, len(snap.Sensors))
	for _, e := range snap.Sensors {
		if err := e.Metadata.Validate(); err != nil {
			r.logger.Warn("Skipping invalid catalog sensor", "sensor_id", e.Metadata.ID, "error", err)
			continue
		}
		rec := &record{meta: e.Metadata}
		cfg := e.Config
		cfg.SensorID = e.Metadata.ID
		rec.config.Store(&cfg)
		sensors[e.Metadata.ID] = rec
	}

	groups := make(map[uuid.UUID]sensor.Group, len(snap.Groups))
	for _, g := range snap.Groups {
		g.ApplyDefaults()
		if err := g.Validate(); err != nil {
			r.logger.Warn("Skipping invalid catalog group", "group_id", g.ID, "error", err)
			continue
		}
		missing := false
		for _, m := range g.Members {
			if _, ok := sensors[m]; !ok {
				missing = true
				break
			}
		}
		if missing {
			r.logger.Warn("Skipping catalog group with unknown members", "group_id", g.ID)
			continue
		}
		groups[g.ID] = g
	}

	r.mu.Lock()
	r.sensors = sensors
	r.groups = groups
	r.mu.Unlock()

	r.logger.Info("Registry loaded", "sensors", len(sensors), "groups", len(groups))
	return nil
}

// Register adds a sensor definition and returns its id. A nil id is
// assigned. The sensor starts with a disabled default configuration.
func (r *Registry) Register(ctx context.Context, md sensor.Metadata) (uuid.UUID, error) {
	if err := md.Validate(); err != nil {
		return uuid.Nil, err
	}
	caps, ok := r.caps.Capabilities(md.ConnectionType())
	if !ok {
		return uuid.Nil, errors.WrapInvalid(
			fmt.Errorf("%w: connection type %q", errors.ErrNotSupported, md.ConnectionType()),
			"Registry", "Register", "resolve capabilities")
	}

	md = md.Clone()
	if md.ID == uuid.Nil {
		md.ID = uuid.New()
	}
	now := r.now()
	md.Version = 1
	md.CreatedAt = now
	md.UpdatedAt = now

	cfg := sensor.DefaultConfiguration(md.ID)
	if caps.MaxSamplingRate > 0 && cfg.SamplingRate > caps.MaxSamplingRate {
		cfg.SamplingRate = caps.MaxSamplingRate
	}
	cfg.Version = 1

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sensors[md.ID]; exists {
		return uuid.Nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrDuplicateSensor, md.ID), "Registry", "Register", "check id")
	}
	if err := r.catalog.SaveSensor(ctx, Entry{Metadata: md, Config: cfg}); err != nil {
		return uuid.Nil, errors.Wrap(err, "Registry", "Register", "persist sensor")
	}

	rec := &record{meta: md}
	rec.config.Store(&cfg)
	r.sensors[md.ID] = rec

	r.logger.Info("Sensor registered", "sensor_id", md.ID, "name", md.Name, "connection", md.ConnectionType())
	return md.ID, nil
}

// Get returns a copy of the sensor definition.
func (r *Registry) Get(id uuid.UUID) (sensor.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sensors[id]
	if !ok {
		return sensor.Metadata{}, notFound(id, "Get")
	}
	return rec.meta.Clone(), nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Category       sensor.Category
	ConnectionType sensor.ConnectionType
	// Tag matches sensors carrying this key, and the value when TagValue is set.
	Tag      string
	TagValue string
}

func (f Filter) match(md sensor.Metadata) bool {
	if f.Category != "" && md.Category != f.Category {
		return false
	}
	if f.ConnectionType != "" && md.ConnectionType() != f.ConnectionType {
		return false
	}
	if f.Tag != "" {
		v, ok := md.Tags[f.Tag]
		if !ok || (f.TagValue != "" && v != f.TagValue) {
			return false
		}
	}
	return true
}

// List returns matching definitions ordered by name, then id.
func (r *Registry) List(f Filter) []sensor.Metadata {
	r.mu.RLock()
	out := make([]sensor.Metadata, 0, len(r.sensors))
	for _, rec := range r.sensors {
		if f.match(rec.meta) {
			out = append(out, rec.meta.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Remove deletes a sensor. It fails while the sensor is acquiring or belongs
// to an active group. Inactive groups lose the member; a group left empty is
// deleted with it.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID) error {
	state := r.stateProvider()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sensors[id]
	if !ok {
		return notFound(id, "Remove")
	}
	for gid, g := range r.groups {
		if g.Has(id) && state.GroupActive(gid) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: sensor %s in group %s", errors.ErrSensorInActiveGroup, id, gid),
				"Registry", "Remove", "check group membership")
		}
	}
	if state.Active(id) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: sensor %s is acquiring", errors.ErrInvalidTransition, id),
			"Registry", "Remove", "check acquisition state")
	}

	if err := r.catalog.Delete(ctx, KindSensor, id); err != nil {
		return errors.Wrap(err, "Registry", "Remove", "delete sensor")
	}
	delete(r.sensors, id)

	for gid, g := range r.groups {
		if !g.Has(id) {
			continue
		}
		pruned := pruneMember(g, id)
		if len(pruned.Members) == 0 {
			if err := r.catalog.Delete(ctx, KindGroup, gid); err != nil {
				r.logger.Warn("Failed to delete emptied group", "group_id", gid, "error", err)
			}
			delete(r.groups, gid)
			continue
		}
		if err := r.catalog.SaveGroup(ctx, pruned); err != nil {
			r.logger.Warn("Failed to persist pruned group", "group_id", gid, "error", err)
		}
		r.groups[gid] = pruned
	}

	r.logger.Info("Sensor removed", "sensor_id", id, "name", rec.meta.Name)
	return nil
}

func pruneMember(g sensor.Group, id uuid.UUID) sensor.Group {
	out := g.Clone()
	out.Members = out.Members[:0]
	for _, m := range g.Members {
		if m != id {
			out.Members = append(out.Members, m)
		}
	}
	if out.Master != nil && *out.Master == id {
		out.Master = nil
	}
	return out
}

// Capabilities returns the capability descriptor of the sensor's transport.
func (r *Registry) Capabilities(id uuid.UUID) (adapter.Capabilities, error) {
	md, err := r.Get(id)
	if err != nil {
		return adapter.Capabilities{}, err
	}
	caps, ok := r.caps.Capabilities(md.ConnectionType())
	if !ok {
		return adapter.Capabilities{}, errors.WrapInvalid(errors.ErrNotSupported, "Registry", "Capabilities", "resolve capabilities")
	}
	return caps, nil
}

func notFound(id uuid.UUID, method string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSensorNotFound, id), "Registry", method, "lookup sensor")
}
