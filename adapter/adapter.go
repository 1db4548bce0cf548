// Package adapter defines the uniform contract every transport implements and
// the capability metadata the registry and scheduler use to plan acquisition.
//
// An Adapter is bound to one sensor. Polling transports also implement Poller;
// push transports implement Subscriber. The scheduler picks between them from
// Capabilities().RequiresPolling. TriggerAware and Discoverer are optional.
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/sensor"
)

// Command is an outbound write to a device.
type Command struct {
	Channel uint16
	Name    string
	Payload []byte
}

// Handler receives samples from a push adapter. A non-nil err reports a
// transport failure; the sample is then zero.
type Handler func(sample sensor.RawSample, err error)

// Unsubscribe stops delivery to a Handler. After it returns the handler is
// not called again.
type Unsubscribe func() error

// Adapter is the transport contract.
type Adapter interface {
	Capabilities() Capabilities
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Write sends a command; transports without a write path return
	// errors.ErrNotSupported.
	Write(ctx context.Context, cmd Command) error
}

// Poller is implemented by transports read on a fixed cadence.
type Poller interface {
	ReadOnce(ctx context.Context) (sensor.RawSample, error)
}

// Subscriber is implemented by transports that push samples.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) (Unsubscribe, error)
}

// Trigger is a shared sampling clock for hardware-synchronized groups.
type Trigger struct {
	Master uuid.UUID
	Epoch  time.Time
	Period time.Duration
}

// Next returns the first trigger instant strictly after t.
func (tr Trigger) Next(t time.Time) time.Time {
	if tr.Period <= 0 || t.Before(tr.Epoch) {
		return tr.Epoch
	}
	n := t.Sub(tr.Epoch)/tr.Period + 1
	return tr.Epoch.Add(n * tr.Period)
}

// TriggerAware is implemented by adapters that accept an external trigger.
type TriggerAware interface {
	SetTrigger(tr Trigger) error
}

// Discoverer is implemented by adapters that can read self-describing
// descriptors from the devices behind them.
type Discoverer interface {
	Discover(ctx context.Context) ([]sensor.Descriptor, error)
}
