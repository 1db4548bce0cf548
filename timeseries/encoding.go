package timeseries

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/jnarwell/wit-sub006/errors"
)

// Encoding identifies how a block's values are packed.
type Encoding string

const (
	// EncodingRaw stores each value as 8 big-endian float64 bytes.
	EncodingRaw Encoding = "raw"
	// EncodingDelta stores integral values as zig-zag varint deltas.
	EncodingDelta Encoding = "delta"
	// EncodingXOR stores each value's float bits XORed with the previous value's.
	EncodingXOR Encoding = "xor"
	// EncodingRLE stores integral values as (value, run length) varint pairs.
	EncodingRLE Encoding = "rle"
)

const (
	// MinEncodeSamples is the shortest series worth encoding; shorter ones are raw.
	MinEncodeSamples = 8
	// MaxRLEMagnitude bounds the values eligible for run-length encoding.
	MaxRLEMagnitude = 1024

	// largest magnitude at which every integer is exactly representable
	maxExactInt = 1 << 53

	xorSame = 0xFF
)

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingRaw, EncodingDelta, EncodingXOR, EncodingRLE:
		return true
	}
	return false
}

// selectEncoding picks the encoding for values and returns the encoded bytes.
func selectEncoding(values []float64) (Encoding, []byte) {
	raw := encodeRaw(values)
	if len(values) < MinEncodeSamples {
		return EncodingRaw, raw
	}

	var enc Encoding
	var out []byte
	switch integral, small, runs := classify(values); {
	case integral && small && runs <= len(values)/2:
		enc, out = EncodingRLE, encodeRLE(values)
	case integral:
		enc, out = EncodingDelta, encodeDelta(values)
	default:
		enc, out = EncodingXOR, encodeXOR(values)
	}
	if len(out) >= len(raw) {
		return EncodingRaw, raw
	}
	return enc, out
}

// classify reports whether every value is an exactly representable integer,
// whether all are within MaxRLEMagnitude, and how many runs of equal values
// the series has.
func classify(values []float64) (integral, small bool, runs int) {
	integral, small = true, true
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) ||
			math.Abs(v) > maxExactInt || (v == 0 && math.Signbit(v)) {
			integral = false
		}
		if math.Abs(v) > MaxRLEMagnitude || math.IsNaN(v) {
			small = false
		}
		if i == 0 || v != values[i-1] {
			runs++
		}
	}
	return integral, small && integral, runs
}

func encodeValues(enc Encoding, values []float64) ([]byte, error) {
	switch enc {
	case EncodingRaw:
		return encodeRaw(values), nil
	case EncodingXOR:
		return encodeXOR(values), nil
	case EncodingDelta, EncodingRLE:
		if integral, _, _ := classify(values); !integral {
			return nil, errors.WrapInvalid(fmt.Errorf("%s encoding needs integral values", enc),
				"timeseries", "encodeValues", "check values")
		}
		if enc == EncodingDelta {
			return encodeDelta(values), nil
		}
		return encodeRLE(values), nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("unknown encoding %q", enc),
		"timeseries", "encodeValues", "select encoder")
}

func decodeValues(enc Encoding, data []byte, n int) ([]float64, error) {
	var (
		out []float64
		err error
	)
	switch enc {
	case EncodingRaw:
		out, err = decodeRaw(data, n)
	case EncodingDelta:
		out, err = decodeDelta(data, n)
	case EncodingXOR:
		out, err = decodeXOR(data, n)
	case EncodingRLE:
		out, err = decodeRLE(data, n)
	default:
		err = fmt.Errorf("unknown encoding %q", enc)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "timeseries", "decodeValues", "decode "+string(enc))
	}
	return out, nil
}

func encodeRaw(values []float64) []byte {
	out := make([]byte, 0, 8*len(values))
	for _, v := range values {
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out
}

func decodeRaw(data []byte, n int) ([]float64, error) {
	if len(data) != 8*n {
		return nil, fmt.Errorf("raw payload is %d bytes, want %d", len(data), 8*n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(data[8*i:]))
	}
	return out, nil
}

func encodeDelta(values []float64) []byte {
	var out []byte
	var prev int64
	for _, v := range values {
		cur := int64(v)
		out = binary.AppendVarint(out, cur-prev)
		prev = cur
	}
	return out
}

func decodeDelta(data []byte, n int) ([]float64, error) {
	out := make([]float64, n)
	var prev int64
	for i := range out {
		d, k := binary.Varint(data)
		if k <= 0 {
			return nil, fmt.Errorf("truncated delta at value %d", i)
		}
		data = data[k:]
		prev += d
		out[i] = float64(prev)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(data))
	}
	return out, nil
}

// encodeXOR writes the first value's bits in full, then for each following
// value a header byte (leading zero bytes << 4 | trailing zero bytes) and the
// meaningful middle bytes of its XOR with the previous value. An unchanged
// value is the single byte 0xFF.
func encodeXOR(values []float64) []byte {
	var out []byte
	var prev uint64
	for i, v := range values {
		cur := math.Float64bits(v)
		if i == 0 {
			out = binary.BigEndian.AppendUint64(out, cur)
			prev = cur
			continue
		}
		x := cur ^ prev
		prev = cur
		if x == 0 {
			out = append(out, xorSame)
			continue
		}
		lead := bits.LeadingZeros64(x) / 8
		trail := bits.TrailingZeros64(x) / 8
		out = append(out, byte(lead<<4|trail))
		for b := 7 - lead; b >= trail; b-- {
			out = append(out, byte(x>>(8*b)))
		}
	}
	return out
}

func decodeXOR(data []byte, n int) ([]float64, error) {
	out := make([]float64, n)
	if n == 0 {
		if len(data) != 0 {
			return nil, fmt.Errorf("%d trailing bytes", len(data))
		}
		return out, nil
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("truncated first value")
	}
	prev := binary.BigEndian.Uint64(data)
	data = data[8:]
	out[0] = math.Float64frombits(prev)

	for i := 1; i < n; i++ {
		if len(data) == 0 {
			return nil, fmt.Errorf("truncated xor at value %d", i)
		}
		h := data[0]
		data = data[1:]
		if h != xorSame {
			lead, trail := int(h>>4), int(h&0x0F)
			width := 8 - lead - trail
			if lead > 7 || trail > 7 || width <= 0 || len(data) < width {
				return nil, fmt.Errorf("bad xor header 0x%02x at value %d", h, i)
			}
			var x uint64
			for _, b := range data[:width] {
				x = x<<8 | uint64(b)
			}
			data = data[width:]
			prev ^= x << (8 * trail)
		}
		out[i] = math.Float64frombits(prev)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(data))
	}
	return out, nil
}

func encodeRLE(values []float64) []byte {
	var out []byte
	for i := 0; i < len(values); {
		j := i + 1
		for j < len(values) && values[j] == values[i] {
			j++
		}
		out = binary.AppendVarint(out, int64(values[i]))
		out = binary.AppendUvarint(out, uint64(j-i))
		i = j
	}
	return out
}

func decodeRLE(data []byte, n int) ([]float64, error) {
	out := make([]float64, 0, n)
	for len(data) > 0 {
		v, k := binary.Varint(data)
		if k <= 0 {
			return nil, fmt.Errorf("truncated run value")
		}
		data = data[k:]
		run, k := binary.Uvarint(data)
		if k <= 0 || run == 0 {
			return nil, fmt.Errorf("bad run length")
		}
		data = data[k:]
		if uint64(len(out))+run > uint64(n) {
			return nil, fmt.Errorf("runs exceed %d values", n)
		}
		for ; run > 0; run-- {
			out = append(out, float64(v))
		}
	}
	if len(out) != n {
		return nil, fmt.Errorf("decoded %d values, want %d", len(out), n)
	}
	return out, nil
}

// encodeTimes stores timestamps as the first value, the first delta, then
// delta-of-deltas, all zig-zag varints of nanoseconds.
func encodeTimes(ts []int64) []byte {
	var out []byte
	var prev, prevDelta int64
	for i, t := range ts {
		switch i {
		case 0:
			out = binary.AppendVarint(out, t)
		default:
			d := t - prev
			out = binary.AppendVarint(out, d-prevDelta)
			prevDelta = d
		}
		prev = t
	}
	return out
}

// decodeTimes reads n timestamps and returns the remaining bytes.
func decodeTimes(data []byte, n int) ([]int64, []byte, error) {
	out := make([]int64, n)
	var prev, delta int64
	for i := range out {
		v, k := binary.Varint(data)
		if k <= 0 {
			return nil, nil, fmt.Errorf("truncated timestamp %d", i)
		}
		data = data[k:]
		if i == 0 {
			prev = v
		} else {
			delta += v
			prev += delta
		}
		out[i] = prev
	}
	return out, data, nil
}
