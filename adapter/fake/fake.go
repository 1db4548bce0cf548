// Package fake provides a scriptable in-memory adapter for tests. It can act
// as a polling or push transport, inject connect and read failures, and
// records triggers and writes.
package fake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/adapter"
	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// ReadFunc produces the n-th sample (n starts at 1).
type ReadFunc func(n int) (sensor.RawSample, error)

// Adapter is a fake transport.
type Adapter struct {
	caps adapter.Capabilities

	mu          sync.Mutex
	connected   bool
	connectErrs []error
	readErrs    []error
	read        ReadFunc
	reads       int
	handler     adapter.Handler
	trigger     *adapter.Trigger
	writes      []adapter.Command
	readOnly    bool
	descriptors []sensor.Descriptor

	connects    atomic.Int32
	disconnects atomic.Int32
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.Poller       = (*Adapter)(nil)
	_ adapter.Subscriber   = (*Adapter)(nil)
	_ adapter.TriggerAware = (*Adapter)(nil)
	_ adapter.Discoverer   = (*Adapter)(nil)
)

// New creates a fake with the given capabilities. The default read function
// returns float64(n) on channel 0.
func New(caps adapter.Capabilities) *Adapter {
	return &Adapter{
		caps: caps,
		read: func(n int) (sensor.RawSample, error) {
			return sensor.RawSample{Values: map[uint16]sensor.Value{0: sensor.Float64Value(float64(n))}}, nil
		},
	}
}

// SetReadFunc replaces the sample generator.
func (a *Adapter) SetReadFunc(fn ReadFunc) {
	a.mu.Lock()
	a.read = fn
	a.mu.Unlock()
}

// FailConnect makes the next len(errs) Connect calls fail in order.
func (a *Adapter) FailConnect(errs ...error) {
	a.mu.Lock()
	a.connectErrs = append(a.connectErrs, errs...)
	a.mu.Unlock()
}

// FailReads makes the next len(errs) ReadOnce calls fail in order.
func (a *Adapter) FailReads(errs ...error) {
	a.mu.Lock()
	a.readErrs = append(a.readErrs, errs...)
	a.mu.Unlock()
}

// SetReadOnly makes Write fail with errors.ErrNotSupported.
func (a *Adapter) SetReadOnly(v bool) {
	a.mu.Lock()
	a.readOnly = v
	a.mu.Unlock()
}

// SetDescriptors sets what Discover reports.
func (a *Adapter) SetDescriptors(d ...sensor.Descriptor) {
	a.mu.Lock()
	a.descriptors = d
	a.mu.Unlock()
}

func (a *Adapter) Capabilities() adapter.Capabilities { return a.caps }

func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.connects.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return err
	}
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(_ context.Context) error {
	a.disconnects.Add(1)
	a.mu.Lock()
	a.connected = false
	a.handler = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Write(_ context.Context, cmd adapter.Command) error {
	if err := adapter.CheckPayload(a.caps, len(cmd.Payload)); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readOnly {
		return errors.WrapInvalid(errors.ErrNotSupported, "fake", "Write", "write")
	}
	if !a.connected {
		return errors.WrapTransient(errors.ErrNoConnection, "fake", "Write", "check connection")
	}
	a.writes = append(a.writes, cmd)
	return nil
}

func (a *Adapter) ReadOnce(ctx context.Context) (sensor.RawSample, error) {
	if err := ctx.Err(); err != nil {
		return sensor.RawSample{}, err
	}
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return sensor.RawSample{}, errors.WrapTransient(errors.ErrNoConnection, "fake", "ReadOnce", "check connection")
	}
	if len(a.readErrs) > 0 {
		err := a.readErrs[0]
		a.readErrs = a.readErrs[1:]
		a.mu.Unlock()
		return sensor.RawSample{}, err
	}
	a.reads++
	n, read := a.reads, a.read
	a.mu.Unlock()
	return read(n)
}

func (a *Adapter) Subscribe(_ context.Context, h adapter.Handler) (adapter.Unsubscribe, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "fake", "Subscribe", "check connection")
	}
	a.handler = h
	return func() error {
		a.mu.Lock()
		a.handler = nil
		a.mu.Unlock()
		return nil
	}, nil
}

// Emit pushes a sample to the subscribed handler. It reports whether a
// handler was attached.
func (a *Adapter) Emit(s sensor.RawSample) bool {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return false
	}
	h(s, nil)
	return true
}

// EmitError pushes a transport failure to the subscribed handler.
func (a *Adapter) EmitError(err error) bool {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return false
	}
	h(sensor.RawSample{}, err)
	return true
}

func (a *Adapter) SetTrigger(tr adapter.Trigger) error {
	if !a.caps.SupportsHardwareTrigger {
		return errors.WrapInvalid(errors.ErrNotSupported, "fake", "SetTrigger", "check trigger support")
	}
	a.mu.Lock()
	a.trigger = &tr
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Discover(_ context.Context) ([]sensor.Descriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sensor.Descriptor(nil), a.descriptors...), nil
}

// Connected reports whether the fake is connected.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Subscribed reports whether a push handler is attached.
func (a *Adapter) Subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler != nil
}

// Trigger returns the trigger passed to SetTrigger, if any.
func (a *Adapter) Trigger() (adapter.Trigger, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trigger == nil {
		return adapter.Trigger{}, false
	}
	return *a.trigger, true
}

// Writes returns the recorded commands.
func (a *Adapter) Writes() []adapter.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapter.Command(nil), a.writes...)
}

// Reads returns how many successful reads were served.
func (a *Adapter) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

func (a *Adapter) Connects() int    { return int(a.connects.Load()) }
func (a *Adapter) Disconnects() int { return int(a.disconnects.Load()) }

// Set hands out one fake per sensor so tests can reach the instance the
// scheduler is driving.
type Set struct {
	caps adapter.Capabilities

	mu       sync.Mutex
	adapters map[uuid.UUID]*Adapter
}

// NewSet creates a Set whose adapters share caps.
func NewSet(caps adapter.Capabilities) *Set {
	return &Set{caps: caps, adapters: make(map[uuid.UUID]*Adapter)}
}

// Get returns the fake for a sensor, creating it on first use.
func (s *Set) Get(id uuid.UUID) *Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[id]
	if !ok {
		a = New(s.caps)
		s.adapters[id] = a
	}
	return a
}

// Constructor returns an adapter.Constructor backed by the set.
func (s *Set) Constructor() adapter.Constructor {
	return func(md sensor.Metadata) (adapter.Adapter, error) {
		return s.Get(md.ID), nil
	}
}

// Register installs the set in a factory under ct.
func (s *Set) Register(f *adapter.Factory, ct sensor.ConnectionType) error {
	return f.Register(ct, s.caps, s.Constructor())
}
