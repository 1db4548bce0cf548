package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// FilterKind selects the per-channel smoothing filter.
type FilterKind string

const (
	FilterNone          FilterKind = "none"
	FilterMovingAverage FilterKind = "moving_average"
	FilterLowPass       FilterKind = "low_pass"
)

// Filter configures smoothing applied to numeric channels after normalization.
type Filter struct {
	Kind   FilterKind `json:"kind"`
	Window int        `json:"window,omitempty"`
	Alpha  float64    `json:"alpha,omitempty"`
}

// TriggerMode decides when a sample becomes a reading.
type TriggerMode string

const (
	// TriggerContinuous emits every sample.
	TriggerContinuous TriggerMode = "continuous"
	// TriggerOnChange emits only when a numeric channel moves by more than Deadband.
	TriggerOnChange TriggerMode = "on_change"
	// TriggerExternal samples on an external or hardware trigger.
	TriggerExternal TriggerMode = "external"
)

// TriggerSpec configures the trigger mode.
type TriggerSpec struct {
	Mode     TriggerMode `json:"mode"`
	Deadband float64     `json:"deadband,omitempty"`
}

// StorageMode decides how readings reach the storage collaborator.
type StorageMode string

const (
	StorageNone      StorageMode = "none"
	StorageRaw       StorageMode = "raw"
	StorageAggregate StorageMode = "aggregate"
)

// StoragePolicy configures aggregation windows. A window closes after
// WindowSize samples or WindowDuration, whichever is set (size wins when both are).
type StoragePolicy struct {
	Mode           StorageMode   `json:"mode"`
	WindowSize     int           `json:"window_size,omitempty"`
	WindowDuration time.Duration `json:"window_duration,omitempty"`
}

// Threshold bounds a channel's engineering value. Either bound may be absent.
type Threshold struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Validate requires min <= max when both are present.
func (t Threshold) Validate() error {
	if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
		return fmt.Errorf("threshold min %g > max %g", *t.Min, *t.Max)
	}
	return nil
}

// Violated reports whether v is outside the bounds.
func (t Threshold) Violated(v float64) bool {
	return (t.Min != nil && v < *t.Min) || (t.Max != nil && v > *t.Max)
}

// Configuration is the active acquisition configuration of one sensor.
// Instances are treated as immutable once published by the registry.
type Configuration struct {
	SensorID     uuid.UUID            `json:"sensor_id"`
	Enabled      bool                 `json:"enabled"`
	SamplingRate float64              `json:"sampling_rate"`
	Filter       Filter               `json:"filter"`
	Trigger      TriggerSpec          `json:"trigger"`
	Storage      StoragePolicy        `json:"storage"`
	Thresholds   map[uint16]Threshold `json:"thresholds,omitempty"`
	ReplayWindow time.Duration        `json:"replay_window"`
	Version      uint64               `json:"version"`
}

// DefaultReplayWindow bounds how far behind the newest reading an
// out-of-order sample may be and still be delivered (flagged uncertain).
const DefaultReplayWindow = 5 * time.Second

// DefaultConfiguration returns a disabled 1 Hz continuous configuration.
func DefaultConfiguration(id uuid.UUID) Configuration {
	return Configuration{
		SensorID:     id,
		SamplingRate: 1,
		Filter:       Filter{Kind: FilterNone},
		Trigger:      TriggerSpec{Mode: TriggerContinuous},
		Storage:      StoragePolicy{Mode: StorageAggregate, WindowSize: 100},
		ReplayWindow: DefaultReplayWindow,
	}
}

// Validate checks the configuration in isolation. Capability checks against
// the adapter happen in the registry.
func (c Configuration) Validate() error {
	if c.SamplingRate <= 0 || math.IsNaN(c.SamplingRate) || math.IsInf(c.SamplingRate, 0) {
		return invalidConfig("sampling rate must be a positive finite number, got %g", c.SamplingRate)
	}

	switch c.Filter.Kind {
	case "", FilterNone:
	case FilterMovingAverage:
		if c.Filter.Window < 1 {
			return invalidConfig("moving average window must be >= 1")
		}
	case FilterLowPass:
		if c.Filter.Alpha <= 0 || c.Filter.Alpha > 1 {
			return invalidConfig("low-pass alpha must be in (0, 1]")
		}
	default:
		return invalidConfig("unknown filter %q", c.Filter.Kind)
	}

	switch c.Trigger.Mode {
	case "", TriggerContinuous, TriggerExternal:
	case TriggerOnChange:
		if c.Trigger.Deadband < 0 {
			return invalidConfig("deadband must be >= 0")
		}
	default:
		return invalidConfig("unknown trigger mode %q", c.Trigger.Mode)
	}

	switch c.Storage.Mode {
	case "", StorageNone, StorageRaw:
	case StorageAggregate:
		if c.Storage.WindowSize <= 0 && c.Storage.WindowDuration <= 0 {
			return invalidConfig("aggregate storage needs a window size or duration")
		}
	default:
		return invalidConfig("unknown storage mode %q", c.Storage.Mode)
	}

	for ch, th := range c.Thresholds {
		if err := th.Validate(); err != nil {
			return invalidConfig("channel %d: %v", ch, err)
		}
	}

	if c.ReplayWindow < 0 {
		return invalidConfig("replay window must be >= 0")
	}
	return nil
}

func invalidConfig(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "sensor", "Validate", "validate configuration")
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	out := c
	if c.Thresholds != nil {
		out.Thresholds = make(map[uint16]Threshold, len(c.Thresholds))
		for k, v := range c.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

// Period returns the polling interval implied by the sampling rate.
func (c Configuration) Period() time.Duration {
	if c.SamplingRate <= 0 {
		return time.Second
	}
	p := time.Duration(float64(time.Second) / c.SamplingRate)
	if p <= 0 {
		p = time.Nanosecond
	}
	return p
}
