// Package alert evaluates readings against alert configurations and tracks
// the resulting events.
//
// A condition must hold continuously, measured in reading time, for the
// alert's Sustain duration before an event is raised. Events move
// active -> acknowledged -> resolved; an event resolves on the first reading
// for which its condition no longer holds, whether or not it was acknowledged.
package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Config is one alert definition, scoped to a sensor channel.
type Config struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	SensorID  uuid.UUID     `json:"sensor_id"`
	Channel   uint16        `json:"channel"`
	Condition Condition     `json:"-"`
	Severity  Severity      `json:"severity"`
	Sustain   time.Duration `json:"sustain"`
	Disabled  bool          `json:"disabled,omitempty"`
}

type configAlias Config

type configJSON struct {
	configAlias
	Condition json.RawMessage `json:"condition"`
}

// MarshalJSON encodes the condition with its "kind" discriminator.
func (c Config) MarshalJSON() ([]byte, error) {
	cond, err := MarshalCondition(c.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(configJSON{configAlias: configAlias(c), Condition: cond})
}

// UnmarshalJSON decodes and validates the condition.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Config(raw.configAlias)
	if len(raw.Condition) > 0 && string(raw.Condition) != "null" {
		cond, err := UnmarshalCondition(raw.Condition)
		if err != nil {
			return err
		}
		c.Condition = cond
	}
	return nil
}

// Validate checks the definition. A missing severity defaults to warning.
func (c *Config) Validate() error {
	if c.SensorID == uuid.Nil {
		return invalidAlert("missing sensor id")
	}
	if c.Condition == nil {
		return invalidAlert("missing condition")
	}
	if err := c.Condition.Validate(); err != nil {
		return err
	}
	if c.Severity == "" {
		c.Severity = SeverityWarning
	}
	if !c.Severity.Valid() {
		return invalidAlert("unknown severity %q", c.Severity)
	}
	if c.Sustain < 0 {
		return invalidAlert("negative sustain duration")
	}
	if corr, ok := c.Condition.(Correlation); ok && corr.Sensor == c.SensorID && corr.Channel == c.Channel {
		return invalidAlert("correlation with itself")
	}
	return nil
}

func invalidAlert(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"alert", "Validate", "validate alert")
}

// State is an event's lifecycle position.
type State string

const (
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
)

// Event records one occurrence of an alert.
type Event struct {
	ID             uuid.UUID  `json:"id"`
	AlertID        uuid.UUID  `json:"alert_id"`
	Name           string     `json:"name"`
	SensorID       uuid.UUID  `json:"sensor_id"`
	Channel        uint16     `json:"channel"`
	Severity       Severity   `json:"severity"`
	State          State      `json:"state"`
	Value          string     `json:"value"`
	Message        string     `json:"message"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func (e *Event) clone() Event {
	out := *e
	if e.AcknowledgedAt != nil {
		t := *e.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
