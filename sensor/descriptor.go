package sensor

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// descriptorNamespace seeds deterministic sensor ids for discovered devices.
var descriptorNamespace = uuid.MustParse("6f1c2a4e-0d3b-5b8e-9a57-3c2e1f0b7d41")

// Descriptor is a self-description reported by a device (in the spirit of an
// IEEE 1451 TEDS): identity, channels and factory calibration.
type Descriptor struct {
	Manufacturer string       `json:"manufacturer"`
	Model        string       `json:"model"`
	SerialNumber string       `json:"serial_number"`
	Version      string       `json:"version,omitempty"`
	Category     Category     `json:"category,omitempty"`
	Channels     []Channel    `json:"channels"`
	Calibration  *Calibration `json:"calibration,omitempty"`
}

// SensorID derives a stable id from manufacturer, model and serial number, so
// rediscovering the same device yields the same id.
func (d Descriptor) SensorID() uuid.UUID {
	key := strings.Join([]string{d.Manufacturer, d.Model, d.SerialNumber}, "/")
	return uuid.NewSHA1(descriptorNamespace, []byte(key))
}

// ToMetadata builds a sensor definition reachable over p.
func (d Descriptor) ToMetadata(p ProtocolConfig, now time.Time) Metadata {
	name := strings.TrimSpace(d.Model + " " + d.SerialNumber)
	if name == "" {
		name = d.SensorID().String()
	}
	m := Metadata{
		ID:           d.SensorID(),
		Name:         name,
		Category:     d.Category,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		SerialNumber: d.SerialNumber,
		Protocol:     p,
		Channels:     d.Channels,
		Calibration:  d.Calibration,
		Tags:         map[string]string{"discovered": "true"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if d.Version != "" {
		m.Tags["descriptor_version"] = d.Version
	}
	return m.Clone()
}
