// Package wire encodes readings into the versioned binary packet used when
// they cross a process or network boundary, and into an equivalent JSON form.
//
// Binary layout (big-endian):
//
//	[magic:4][version:1][flags:1][timestamp_ns:8][sequence:4][size:4]
//	[sensor_id:16][channel_count:2] { [channel_id:2][type_tag:1][value:var][quality:1] }*
//	[checksum:4]
//
// The checksum is CRC-32C (Castagnoli) over every preceding byte. When the
// compressed or encrypted flag is set, everything between the fixed header
// and the checksum is the transformed body.
package wire

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/sensor"
)

const (
	// Magic is "DAQS".
	Magic uint32 = 0x44415153
	// Version is the only packet version this codec reads or writes.
	Version uint8 = 1

	headerSize   = 22
	checksumSize = 4
	bodyFixed    = 16 + 2

	// MaxPacketSize bounds encoded and decompressed packets.
	MaxPacketSize = 1 << 20
	// MaxVarLength bounds string and bytes values.
	MaxVarLength = 1<<16 - 1
)

// Flags are the packet flag bits.
type Flags uint8

const (
	FlagCompressed Flags = 1 << 0
	FlagEncrypted  Flags = 1 << 1

	knownFlags = FlagCompressed | FlagEncrypted
)

// Has reports whether f includes all bits of o.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Entry is one channel inside a packet.
type Entry struct {
	ID      uint16
	Value   sensor.Value
	Quality uint8
}

// Packet is the logical content of a wire packet.
type Packet struct {
	Version     uint8
	Flags       Flags
	TimestampNS int64
	Sequence    uint32
	SensorID    uuid.UUID
	Channels    []Entry
}

// Time returns the packet timestamp.
func (p Packet) Time() time.Time {
	return time.Unix(0, p.TimestampNS)
}

// FromReading builds a packet from a reading. Channels are ordered by id.
func FromReading(r sensor.Reading, flags Flags) Packet {
	p := Packet{
		Version:     Version,
		Flags:       flags,
		TimestampNS: r.Timestamp.UnixNano(),
		Sequence:    r.Sequence,
		SensorID:    r.SensorID,
		Channels:    make([]Entry, 0, len(r.Values)),
	}
	for id, cv := range r.Values {
		p.Channels = append(p.Channels, Entry{ID: id, Value: cv.Value, Quality: cv.Quality.Score()})
	}
	sort.Slice(p.Channels, func(i, j int) bool { return p.Channels[i].ID < p.Channels[j].ID })
	return p
}

// ToReading converts a packet back into a reading. unit, if non-nil, supplies
// the unit for each channel since units do not travel on the wire.
func (p Packet) ToReading(unit func(channel uint16) string) sensor.Reading {
	r := sensor.Reading{
		SensorID:  p.SensorID,
		Timestamp: p.Time(),
		Sequence:  p.Sequence,
		Values:    make(map[uint16]sensor.ChannelValue, len(p.Channels)),
	}
	for _, e := range p.Channels {
		cv := sensor.ChannelValue{Value: e.Value, Quality: sensor.QualityFromScore(e.Quality)}
		if unit != nil {
			cv.Unit = unit(e.ID)
		}
		r.Values[e.ID] = cv
	}
	return r
}

// RawSample converts the packet into an adapter sample, keeping the
// device-reported quality per channel.
func (p Packet) RawSample() sensor.RawSample {
	s := sensor.RawSample{
		Timestamp: p.Time(),
		Values:    make(map[uint16]sensor.Value, len(p.Channels)),
		Quality:   make(map[uint16]sensor.Quality, len(p.Channels)),
	}
	for _, e := range p.Channels {
		s.Values[e.ID] = e.Value
		s.Quality[e.ID] = sensor.QualityFromScore(e.Quality)
	}
	return s
}
