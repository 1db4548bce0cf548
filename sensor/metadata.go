// Package sensor defines the acquisition data model: sensor definitions and
// their channels, calibration, acquisition configuration, readings, and DAQ groups.
package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// Category is a free-form measurement category such as "temperature".
type Category string

// Range is an inclusive measurement range in engineering units.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Channel is one measured quantity of a sensor. Engineering values are
// raw*Scale+Offset; a zero Scale is treated as 1.
type Channel struct {
	ID       uint16   `json:"id"`
	Name     string   `json:"name"`
	Unit     string   `json:"unit,omitempty"`
	DataType DataType `json:"data_type"`
	Range    *Range   `json:"range,omitempty"`
	Scale    float64  `json:"scale,omitempty"`
	Offset   float64  `json:"offset,omitempty"`
}

// EffectiveScale returns Scale, or 1 when unset.
func (c Channel) EffectiveScale() float64 {
	if c.Scale == 0 {
		return 1
	}
	return c.Scale
}

// Identity reports whether scaling leaves raw values unchanged.
func (c Channel) Identity() bool {
	return c.EffectiveScale() == 1 && c.Offset == 0
}

// Calibration holds per-channel polynomial coefficients (c0 + c1*x + c2*x^2 ...)
// applied after scaling while the calibration is valid.
type Calibration struct {
	Reference  string               `json:"reference,omitempty"`
	ValidFrom  time.Time            `json:"valid_from"`
	ValidUntil time.Time            `json:"valid_until,omitempty"`
	Channels   map[uint16][]float64 `json:"channels"`
}

// ValidAt reports whether t falls inside the validity window. A zero
// ValidUntil means open-ended.
func (c *Calibration) ValidAt(t time.Time) bool {
	if c == nil {
		return false
	}
	if t.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil.IsZero() || !t.After(c.ValidUntil)
}

// Apply evaluates the channel's polynomial at x. applied is false when the
// channel has no coefficients.
func (c *Calibration) Apply(channel uint16, x float64) (y float64, applied bool) {
	if c == nil {
		return x, false
	}
	coeffs := c.Channels[channel]
	if len(coeffs) == 0 {
		return x, false
	}
	// Horner's method, highest order first.
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = y*x + coeffs[i]
	}
	return y, true
}

// Metadata is a sensor definition.
type Metadata struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Category     Category          `json:"category"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	Model        string            `json:"model,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Protocol     ProtocolConfig    `json:"-"`
	Location     string            `json:"location,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Channels     []Channel         `json:"channels"`
	Calibration  *Calibration      `json:"calibration,omitempty"`
	Version      uint64            `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ConnectionType returns the transport family of the sensor.
func (m Metadata) ConnectionType() ConnectionType {
	if m.Protocol == nil {
		return ""
	}
	return m.Protocol.Kind()
}

// Channel looks up a channel by id.
func (m Metadata) Channel(id uint16) (Channel, bool) {
	for _, c := range m.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return Channel{}, false
}

// Validate checks structural invariants of the definition.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return invalidMetadata("name is required")
	}
	if m.Protocol == nil {
		return invalidMetadata("protocol is required")
	}
	if err := m.Protocol.Validate(); err != nil {
		return err
	}
	if len(m.Channels) == 0 {
		return invalidMetadata("at least one channel is required")
	}

	seen := make(map[uint16]struct{}, len(m.Channels))
	for _, c := range m.Channels {
		if _, dup := seen[c.ID]; dup {
			return invalidMetadata("duplicate channel id %d", c.ID)
		}
		seen[c.ID] = struct{}{}

		if !c.DataType.Valid() {
			return invalidMetadata("channel %d: unknown data type %d", c.ID, c.DataType)
		}
		if c.Range != nil && c.Range.Min > c.Range.Max {
			return invalidMetadata("channel %d: range min %g > max %g", c.ID, c.Range.Min, c.Range.Max)
		}
		if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) || math.IsNaN(c.Offset) || math.IsInf(c.Offset, 0) {
			return invalidMetadata("channel %d: scale and offset must be finite", c.ID)
		}
	}

	if cal := m.Calibration; cal != nil {
		if !cal.ValidUntil.IsZero() && cal.ValidUntil.Before(cal.ValidFrom) {
			return invalidMetadata("calibration valid_until precedes valid_from")
		}
		for id := range cal.Channels {
			if _, ok := seen[id]; !ok {
				return invalidMetadata("calibration references unknown channel %d", id)
			}
		}
	}
	return nil
}

func invalidMetadata(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "sensor", "Validate", "validate metadata")
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Tags != nil {
		out.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}
	out.Channels = make([]Channel, len(m.Channels))
	for i, c := range m.Channels {
		if c.Range != nil {
			r := *c.Range
			c.Range = &r
		}
		out.Channels[i] = c
	}
	if m.Calibration != nil {
		cal := *m.Calibration
		cal.Channels = make(map[uint16][]float64, len(m.Calibration.Channels))
		for id, coeffs := range m.Calibration.Channels {
			cal.Channels[id] = append([]float64(nil), coeffs...)
		}
		out.Calibration = &cal
	}
	if p, ok := m.Protocol.(OPCUA); ok && p.Nodes != nil {
		nodes := make(map[uint16]string, len(p.Nodes))
		for k, v := range p.Nodes {
			nodes[k] = v
		}
		p.Nodes = nodes
		out.Protocol = p
	}
	return out
}

type metadataAlias Metadata

type metadataJSON struct {
	metadataAlias
	Protocol json.RawMessage `json:"protocol"`
}

// MarshalJSON encodes the protocol variant with its "kind" discriminator.
func (m Metadata) MarshalJSON() ([]byte, error) {
	proto, err := MarshalProtocol(m.Protocol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(metadataJSON{metadataAlias: metadataAlias(m), Protocol: proto})
}

// UnmarshalJSON decodes and validates the protocol variant.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata(raw.metadataAlias)
	if len(raw.Protocol) > 0 && string(raw.Protocol) != "null" {
		p, err := UnmarshalProtocol(raw.Protocol)
		if err != nil {
			return err
		}
		m.Protocol = p
	}
	return nil
}
