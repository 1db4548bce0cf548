package sensor

import (
	"time"

	"github.com/google/uuid"
)

// Quality grades a channel value.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

// String returns the lower-case quality name.
func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	switch string(b) {
	case "good":
		*q = QualityGood
	case "uncertain":
		*q = QualityUncertain
	case "bad":
		*q = QualityBad
	default:
		return errInvalidQuality
	}
	return nil
}

// Score returns the wire quality score: good=100, uncertain=50, bad=0.
func (q Quality) Score() uint8 {
	switch q {
	case QualityGood:
		return 100
	case QualityUncertain:
		return 50
	default:
		return 0
	}
}

// QualityFromScore maps a wire score in 0..100 to a quality grade.
func QualityFromScore(s uint8) Quality {
	switch {
	case s >= 80:
		return QualityGood
	case s >= 40:
		return QualityUncertain
	default:
		return QualityBad
	}
}

// Worse returns the lower of two grades.
func (q Quality) Worse(o Quality) Quality {
	if o > q {
		return o
	}
	return q
}

// ChannelValue is one channel's value inside a reading.
type ChannelValue struct {
	Value   Value   `json:"value"`
	Unit    string  `json:"unit,omitempty"`
	Quality Quality `json:"quality"`
}

// RawSample is what an adapter delivers before normalization.
type RawSample struct {
	Timestamp time.Time
	Values    map[uint16]Value
	// Quality optionally carries a device-reported grade per channel.
	Quality map[uint16]Quality
}

// Reading is a normalized, timestamped sample of one sensor.
type Reading struct {
	SensorID  uuid.UUID               `json:"sensor_id"`
	GroupID   uuid.UUID               `json:"group_id,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Sequence  uint32                  `json:"sequence"`
	Values    map[uint16]ChannelValue `json:"values"`
}

// Clone returns a copy whose Values map can be mutated independently.
func (r Reading) Clone() Reading {
	out := r
	out.Values = make(map[uint16]ChannelValue, len(r.Values))
	for k, v := range r.Values {
		out.Values[k] = v
	}
	return out
}

// Downgrade lowers every channel's quality to at least q.
func (r *Reading) Downgrade(q Quality) {
	for id, v := range r.Values {
		v.Quality = v.Quality.Worse(q)
		r.Values[id] = v
	}
}
