package wire

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

// jsonPacket is the JSON form of a packet. timestamp_ns is a decimal string
// so 64-bit precision survives JavaScript consumers.
type jsonPacket struct {
	Version     uint8       `json:"version"`
	Flags       uint8       `json:"flags"`
	TimestampNS string      `json:"timestamp_ns"`
	Sequence    uint32      `json:"sequence"`
	SensorID    uuid.UUID   `json:"sensor_id"`
	Channels    []jsonEntry `json:"channels"`
}

type jsonEntry struct {
	ID      uint16          `json:"id"`
	Type    sensor.DataType `json:"type"`
	Value   json.RawMessage `json:"value"`
	Quality uint8           `json:"quality"`
}

// MarshalJSON encodes the packet in its JSON form. Values follow
// sensor.Value.PayloadJSON, so decoding recovers identical values.
func (p Packet) MarshalJSON() ([]byte, error) {
	jp := jsonPacket{
		Version:     Version,
		Flags:       uint8(p.Flags),
		TimestampNS: strconv.FormatInt(p.TimestampNS, 10),
		Sequence:    p.Sequence,
		SensorID:    p.SensorID,
		Channels:    make([]jsonEntry, 0, len(p.Channels)),
	}
	for _, e := range p.Channels {
		raw, err := e.Value.PayloadJSON()
		if err != nil {
			return nil, errors.WrapInvalid(err, "Packet", "MarshalJSON", fmt.Sprintf("encode channel %d", e.ID))
		}
		jp.Channels = append(jp.Channels, jsonEntry{ID: e.ID, Type: e.Value.Type(), Value: raw, Quality: e.Quality})
	}
	return json.Marshal(jp)
}

// UnmarshalJSON decodes the JSON form.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var jp jsonPacket
	if err := json.Unmarshal(data, &jp); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Packet", "UnmarshalJSON", "decode packet")
	}
	if jp.Version != Version {
		return errors.WrapInvalid(fmt.Errorf("version %d: %w", jp.Version, errors.ErrUnknownVersion),
			"Packet", "UnmarshalJSON", "verify version")
	}
	ts, err := strconv.ParseInt(jp.TimestampNS, 10, 64)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: timestamp_ns: %v", errors.ErrInvalidData, err),
			"Packet", "UnmarshalJSON", "parse timestamp")
	}

	out := Packet{
		Version:     Version,
		Flags:       Flags(jp.Flags),
		TimestampNS: ts,
		Sequence:    jp.Sequence,
		SensorID:    jp.SensorID,
		Channels:    make([]Entry, 0, len(jp.Channels)),
	}
	for _, je := range jp.Channels {
		if je.Quality > 100 {
			return errors.WrapInvalid(fmt.Errorf("%w: quality %d", errors.ErrInvalidData, je.Quality),
				"Packet", "UnmarshalJSON", fmt.Sprintf("decode channel %d", je.ID))
		}
		v, err := sensor.ParseValue(je.Type, je.Value)
		if err != nil {
			return errors.WrapInvalid(err, "Packet", "UnmarshalJSON", fmt.Sprintf("decode channel %d", je.ID))
		}
		out.Channels = append(out.Channels, Entry{ID: je.ID, Value: v, Quality: je.Quality})
	}
	*p = out
	return nil
}
