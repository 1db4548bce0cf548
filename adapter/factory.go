package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// Constructor builds an adapter bound to one sensor. Constructors must not
// perform I/O; connecting happens in Connect.
type Constructor func(md sensor.Metadata) (Adapter, error)

type registration struct {
	caps Capabilities
	ctor Constructor
}

// Factory maps connection types to adapter constructors.
type Factory struct {
	mu      sync.RWMutex
	entries map[sensor.ConnectionType]registration
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{entries: make(map[sensor.ConnectionType]registration)}
}

// Register binds a constructor and its capabilities to a connection type.
func (f *Factory) Register(ct sensor.ConnectionType, caps Capabilities, ctor Constructor) error {
	if ctor == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Factory", "Register", "constructor validation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[ct]; exists {
		return errors.WrapInvalid(fmt.Errorf("adapter for %q already registered", ct),
			"Factory", "Register", "duplicate check")
	}
	f.entries[ct] = registration{caps: caps, ctor: ctor}
	return nil
}

// Capabilities returns the descriptor for ct: the registered one, else the
// built-in default.
func (f *Factory) Capabilities(ct sensor.ConnectionType) (Capabilities, bool) {
	f.mu.RLock()
	r, ok := f.entries[ct]
	f.mu.RUnlock()
	if ok {
		return r.caps, true
	}
	return DefaultCapabilities(ct)
}

// New constructs the adapter for a sensor.
func (f *Factory) New(md sensor.Metadata) (Adapter, error) {
	ct := md.ConnectionType()
	f.mu.RLock()
	r, ok := f.entries[ct]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no adapter for %q", errors.ErrNotSupported, ct),
			"Factory", "New", "constructor lookup")
	}
	a, err := r.ctor(md)
	if err != nil {
		return nil, errors.Wrap(err, "Factory", "New", fmt.Sprintf("construct %s adapter", ct))
	}
	return a, nil
}

// Types lists registered connection types in sorted order.
func (f *Factory) Types() []sensor.ConnectionType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]sensor.ConnectionType, 0, len(f.entries))
	for ct := range f.entries {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
