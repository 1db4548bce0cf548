// Package timeseries windows channel values into immutable compressed blocks.
//
// A window collects (timestamp, value) points for one channel of one sensor.
// When it closes it is summarized (count, min, max, mean, standard deviation)
// and encoded into a Block:
//
//	raw    8-byte float bits; short series and anything that does not compress
//	delta  integral series as zig-zag varint deltas
//	xor    non-integral series as XOR of consecutive float bits
//	rle    small integral counters as (value, run) pairs
//
// Timestamps are always stored as delta-of-delta varints.
package timeseries

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jnarwell/wit-sub006/errors"
)

// Point is one channel value at one time.
type Point struct {
	Channel uint16    `json:"channel"`
	Time    time.Time `json:"time"`
	Value   float64   `json:"value"`
}

// TimeRange is a closed interval [From, To].
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t is inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Overlaps reports whether [start, end] intersects the range.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	return !end.Before(r.From) && !start.After(r.To)
}

// Block is an immutable compressed window. It is safe to share between goroutines.
type Block struct {
	id       uuid.UUID
	sensorID uuid.UUID
	channel  uint16
	unit     string
	start    time.Time
	end      time.Time
	encoding Encoding
	stats    Stats
	payload  []byte
}

// NewBlock encodes points, which are sorted by time first, into a block.
func NewBlock(sensorID uuid.UUID, channel uint16, unit string, points []Point) (*Block, error) {
	return newBlock(sensorID, channel, unit, points, "")
}

// NewRawBlock stores points without compression.
func NewRawBlock(sensorID uuid.UUID, channel uint16, unit string, points []Point) (*Block, error) {
	return newBlock(sensorID, channel, unit, points, EncodingRaw)
}

func newBlock(sensorID uuid.UUID, channel uint16, unit string, points []Point, force Encoding) (*Block, error) {
	if len(points) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("empty window"), "timeseries", "NewBlock", "check points")
	}
	sorted := append([]Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	times := make([]int64, len(sorted))
	values := make([]float64, len(sorted))
	for i, p := range sorted {
		times[i] = p.Time.UnixNano()
		values[i] = p.Value
	}

	enc, body := selectEncoding(values)
	if force != "" && force != enc {
		var err error
		if body, err = encodeValues(force, values); err != nil {
			return nil, err
		}
		enc = force
	}

	return &Block{
		id:       uuid.New(),
		sensorID: sensorID,
		channel:  channel,
		unit:     unit,
		start:    sorted[0].Time,
		end:      sorted[len(sorted)-1].Time,
		encoding: enc,
		stats:    Summarize(values),
		payload:  append(encodeTimes(times), body...),
	}, nil
}

// BlockRecord is the storable form of a block.
type BlockRecord struct {
	ID       uuid.UUID `json:"id"`
	SensorID uuid.UUID `json:"sensor_id"`
	Channel  uint16    `json:"channel"`
	Unit     string    `json:"unit,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Encoding Encoding  `json:"encoding"`
	Stats    Stats     `json:"stats"`
	Payload  []byte    `json:"payload"`
}

// Record returns the storable form of b.
func (b *Block) Record() BlockRecord {
	return BlockRecord{
		ID:       b.id,
		SensorID: b.sensorID,
		Channel:  b.channel,
		Unit:     b.unit,
		Start:    b.start,
		End:      b.end,
		Encoding: b.encoding,
		Stats:    b.stats,
		Payload:  b.Payload(),
	}
}

// FromRecord rebuilds a block read back from storage. The payload is decoded
// once to verify it matches the recorded count.
func FromRecord(rec BlockRecord) (*Block, error) {
	if !rec.Encoding.Valid() {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown encoding %q", rec.Encoding),
			"timeseries", "FromRecord", "check encoding")
	}
	b := &Block{
		id:       rec.ID,
		sensorID: rec.SensorID,
		channel:  rec.Channel,
		unit:     rec.Unit,
		start:    rec.Start,
		end:      rec.End,
		encoding: rec.Encoding,
		stats:    rec.Stats,
		payload:  append([]byte(nil), rec.Payload...),
	}
	if _, err := b.Points(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Block) ID() uuid.UUID       { return b.id }
func (b *Block) SensorID() uuid.UUID { return b.sensorID }
func (b *Block) Channel() uint16     { return b.channel }
func (b *Block) Unit() string        { return b.unit }
func (b *Block) Start() time.Time    { return b.start }
func (b *Block) End() time.Time      { return b.end }
func (b *Block) Encoding() Encoding  { return b.encoding }
func (b *Block) Stats() Stats        { return b.stats }
func (b *Block) Len() int            { return b.stats.Count }

// Payload returns a copy of the encoded bytes.
func (b *Block) Payload() []byte { return append([]byte(nil), b.payload...) }

// Points decodes the block.
func (b *Block) Points() ([]Point, error) {
	n := b.stats.Count
	times, rest, err := decodeTimes(b.payload, n)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Block", "Points", "decode timestamps")
	}
	values, err := decodeValues(b.encoding, rest, n)
	if err != nil {
		return nil, err
	}
	out := make([]Point, n)
	for i := range out {
		out[i] = Point{Channel: b.channel, Time: time.Unix(0, times[i]).UTC(), Value: values[i]}
	}
	return out, nil
}

// Decimate keeps every factor-th point of each channel, starting with the
// first. A factor below 2 returns points unchanged.
func Decimate(points []Point, factor int) []Point {
	if factor < 2 {
		return points
	}
	seen := make(map[uint16]int)
	out := points[:0:0]
	for _, p := range points {
		if seen[p.Channel]%factor == 0 {
			out = append(out, p)
		}
		seen[p.Channel]++
	}
	return out
}
