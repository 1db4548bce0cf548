package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/s2"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/sensor"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Codec encodes and decodes binary packets. The zero value handles plain and
// compressed packets; encrypted packets need a key.
type Codec struct {
	aead cipher.AEAD
}

// Option configures a Codec.
type Option func(*Codec) error

// WithEncryptionKey enables AES-GCM sealing with a 16, 24 or 32 byte key.
func WithEncryptionKey(key []byte) Option {
	return func(c *Codec) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return errors.WrapInvalid(err, "Codec", "WithEncryptionKey", "create cipher")
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return errors.WrapInvalid(err, "Codec", "WithEncryptionKey", "create GCM")
		}
		c.aead = aead
		return nil
	}
}

// NewCodec creates a codec.
func NewCodec(opts ...Option) (*Codec, error) {
	c := &Codec{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Encode serializes p. The version field is always written as Version.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	if p.Flags&^knownFlags != 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown flag bits 0x%02x", uint8(p.Flags)), "Codec", "Encode", "validate flags")
	}
	if len(p.Channels) > math.MaxUint16 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Codec", "Encode", "validate channel count")
	}

	body := make([]byte, 0, bodyFixed+len(p.Channels)*12)
	body = append(body, p.SensorID[:]...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(p.Channels)))
	for _, e := range p.Channels {
		var err error
		if body, err = appendEntry(body, e); err != nil {
			return nil, errors.WrapInvalid(err, "Codec", "Encode", fmt.Sprintf("encode channel %d", e.ID))
		}
	}

	if p.Flags.Has(FlagCompressed) {
		body = s2.Encode(nil, body)
	}

	header := make([]byte, headerSize, headerSize+len(body)+64)
	binary.BigEndian.PutUint32(header[0:4], Magic)
	header[4] = Version
	header[5] = uint8(p.Flags)
	binary.BigEndian.PutUint64(header[6:14], uint64(p.TimestampNS))
	binary.BigEndian.PutUint32(header[14:18], p.Sequence)

	if p.Flags.Has(FlagEncrypted) {
		if c == nil || c.aead == nil {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Codec", "Encode", "seal without key")
		}
		nonce := make([]byte, c.aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, errors.WrapTransient(err, "Codec", "Encode", "generate nonce")
		}
		sealedLen := len(nonce) + len(body) + c.aead.Overhead()
		binary.BigEndian.PutUint32(header[18:22], uint32(headerSize+sealedLen+checksumSize))
		body = c.aead.Seal(nonce, nonce, body, header)
	} else {
		binary.BigEndian.PutUint32(header[18:22], uint32(headerSize+len(body)+checksumSize))
	}

	out := append(header, body...)
	if len(out)+checksumSize > MaxPacketSize {
		return nil, errors.WrapInvalid(errors.ErrPayloadTooLarge, "Codec", "Encode", "check packet size")
	}
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli)), nil
}

// Decode parses and verifies a packet. Every failure is classified invalid
// and wraps one of ErrBadMagic, ErrUnknownVersion, ErrChecksumMismatch or
// ErrInvalidData.
func (c *Codec) Decode(data []byte) (Packet, error) {
	if len(data) < headerSize+bodyFixed+checksumSize {
		return Packet{}, malformed("packet too short: %d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return Packet{}, errors.WrapInvalid(errors.ErrBadMagic, "Codec", "Decode", "verify magic")
	}
	if data[4] != Version {
		return Packet{}, errors.WrapInvalid(
			fmt.Errorf("version %d: %w", data[4], errors.ErrUnknownVersion), "Codec", "Decode", "verify version")
	}
	if size := binary.BigEndian.Uint32(data[18:22]); int(size) != len(data) {
		return Packet{}, malformed("declared size %d, got %d bytes", size, len(data))
	}

	payloadEnd := len(data) - checksumSize
	if crc32.Checksum(data[:payloadEnd], castagnoli) != binary.BigEndian.Uint32(data[payloadEnd:]) {
		return Packet{}, errors.WrapInvalid(errors.ErrChecksumMismatch, "Codec", "Decode", "verify checksum")
	}

	flags := Flags(data[5])
	if flags&^knownFlags != 0 {
		return Packet{}, malformed("unknown flag bits 0x%02x", uint8(flags))
	}

	p := Packet{
		Version:     Version,
		Flags:       flags,
		TimestampNS: int64(binary.BigEndian.Uint64(data[6:14])),
		Sequence:    binary.BigEndian.Uint32(data[14:18]),
	}

	body := data[headerSize:payloadEnd]
	if flags.Has(FlagEncrypted) {
		if c == nil || c.aead == nil {
			return Packet{}, errors.WrapInvalid(errors.ErrMissingConfig, "Codec", "Decode", "open without key")
		}
		ns := c.aead.NonceSize()
		if len(body) < ns+c.aead.Overhead() {
			return Packet{}, malformed("sealed body too short")
		}
		opened, err := c.aead.Open(nil, body[:ns], body[ns:], data[:headerSize])
		if err != nil {
			return Packet{}, malformed("open sealed body: %v", err)
		}
		body = opened
	}
	if flags.Has(FlagCompressed) {
		n, err := s2.DecodedLen(body)
		if err != nil || n > MaxPacketSize {
			return Packet{}, malformed("compressed body length")
		}
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return Packet{}, malformed("decompress body: %v", err)
		}
		body = decoded
	}

	if len(body) < bodyFixed {
		return Packet{}, malformed("body too short")
	}
	copy(p.SensorID[:], body[:16])
	count := int(binary.BigEndian.Uint16(body[16:18]))

	r := reader{buf: body[bodyFixed:]}
	p.Channels = make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		e, err := r.entry()
		if err != nil {
			return Packet{}, malformed("channel %d: %v", i, err)
		}
		p.Channels = append(p.Channels, e)
	}
	if len(r.buf) != 0 {
		return Packet{}, malformed("%d trailing bytes", len(r.buf))
	}
	return p, nil
}

func malformed(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidData}, args...)...),
		"Codec", "Decode", "parse packet")
}

func appendEntry(b []byte, e Entry) ([]byte, error) {
	if e.Quality > 100 {
		return nil, fmt.Errorf("quality %d exceeds 100", e.Quality)
	}
	t := e.Value.Type()
	b = binary.BigEndian.AppendUint16(b, e.ID)
	b = append(b, uint8(t))

	switch t {
	case sensor.TypeBool, sensor.TypeInt8, sensor.TypeUint8:
		b = append(b, uint8(e.Value.Bits()))
	case sensor.TypeInt16, sensor.TypeUint16:
		b = binary.BigEndian.AppendUint16(b, uint16(e.Value.Bits()))
	case sensor.TypeInt32, sensor.TypeUint32, sensor.TypeFloat32:
		b = binary.BigEndian.AppendUint32(b, uint32(e.Value.Bits()))
	case sensor.TypeInt64, sensor.TypeUint64, sensor.TypeFloat64:
		b = binary.BigEndian.AppendUint64(b, e.Value.Bits())
	case sensor.TypeString, sensor.TypeBytes:
		s := e.Value.Str()
		if len(s) > MaxVarLength {
			return nil, fmt.Errorf("value length %d exceeds %d", len(s), MaxVarLength)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
		b = append(b, s...)
	default:
		return nil, fmt.Errorf("unknown data type %d", t)
	}
	return append(b, e.Quality), nil
}

type reader struct {
	buf []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *reader) entry() (Entry, error) {
	head, err := r.take(3)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{ID: binary.BigEndian.Uint16(head[0:2])}
	t := sensor.DataType(head[2])

	var n int
	switch t {
	case sensor.TypeBool, sensor.TypeInt8, sensor.TypeUint8:
		n = 1
	case sensor.TypeInt16, sensor.TypeUint16:
		n = 2
	case sensor.TypeInt32, sensor.TypeUint32, sensor.TypeFloat32:
		n = 4
	case sensor.TypeInt64, sensor.TypeUint64, sensor.TypeFloat64:
		n = 8
	case sensor.TypeString, sensor.TypeBytes:
		l, err := r.take(2)
		if err != nil {
			return Entry{}, err
		}
		n = int(binary.BigEndian.Uint16(l))
	default:
		return Entry{}, fmt.Errorf("unknown type tag %d", t)
	}

	raw, err := r.take(n)
	if err != nil {
		return Entry{}, err
	}
	switch t {
	case sensor.TypeBool:
		if raw[0] > 1 {
			return Entry{}, fmt.Errorf("bool byte %d", raw[0])
		}
		e.Value = sensor.BoolValue(raw[0] == 1)
	case sensor.TypeInt8:
		e.Value = sensor.IntValue(t, int64(int8(raw[0])))
	case sensor.TypeUint8:
		e.Value = sensor.UintValue(t, uint64(raw[0]))
	case sensor.TypeInt16:
		e.Value = sensor.IntValue(t, int64(int16(binary.BigEndian.Uint16(raw))))
	case sensor.TypeUint16:
		e.Value = sensor.UintValue(t, uint64(binary.BigEndian.Uint16(raw)))
	case sensor.TypeInt32:
		e.Value = sensor.IntValue(t, int64(int32(binary.BigEndian.Uint32(raw))))
	case sensor.TypeUint32:
		e.Value = sensor.UintValue(t, uint64(binary.BigEndian.Uint32(raw)))
	case sensor.TypeFloat32:
		e.Value = sensor.Float32Value(math.Float32frombits(binary.BigEndian.Uint32(raw)))
	case sensor.TypeInt64:
		e.Value = sensor.IntValue(t, int64(binary.BigEndian.Uint64(raw)))
	case sensor.TypeUint64:
		e.Value = sensor.UintValue(t, binary.BigEndian.Uint64(raw))
	case sensor.TypeFloat64:
		e.Value = sensor.Float64Value(math.Float64frombits(binary.BigEndian.Uint64(raw)))
	case sensor.TypeString:
		e.Value = sensor.StringValue(string(raw))
	case sensor.TypeBytes:
		e.Value = sensor.BytesValue(raw)
	}

	q, err := r.take(1)
	if err != nil {
		return Entry{}, err
	}
	if q[0] > 100 {
		return Entry{}, fmt.Errorf("quality %d exceeds 100", q[0])
	}
	e.Quality = q[0]
	return e, nil
}
