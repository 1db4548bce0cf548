package sensor

import (
	"encoding/base64"
	"math"
	"strconv"
)

// DataType is the declared type of a channel value. The numeric values are the
// wire type tags and must not change.
type DataType uint8

const (
	TypeBool    DataType = 1
	TypeInt8    DataType = 2
	TypeInt16   DataType = 3
	TypeInt32   DataType = 4
	TypeInt64   DataType = 5
	TypeUint8   DataType = 6
	TypeUint16  DataType = 7
	TypeUint32  DataType = 8
	TypeUint64  DataType = 9
	TypeFloat32 DataType = 10
	TypeFloat64 DataType = 11
	TypeString  DataType = 12
	TypeBytes   DataType = 13
)

var dataTypeNames = map[DataType]string{
	TypeBool:    "bool",
	TypeInt8:    "int8",
	TypeInt16:   "int16",
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint8:   "uint8",
	TypeUint16:  "uint16",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFloat32: "float32",
	TypeFloat64: "float64",
	TypeString:  "string",
	TypeBytes:   "bytes",
}

// String returns the lower-case type name.
func (t DataType) String() string {
	if n, ok := dataTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether t is a declared type.
func (t DataType) Valid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// ParseDataType is the inverse of String.
func ParseDataType(s string) (DataType, bool) {
	for t, n := range dataTypeNames {
		if n == s {
			return t, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	v, ok := ParseDataType(string(b))
	if !ok {
		return strconv.ErrSyntax
	}
	*t = v
	return nil
}

// IsInteger reports whether t is a signed or unsigned integer type.
func (t DataType) IsInteger() bool {
	return t >= TypeInt8 && t <= TypeUint64
}

// IsSigned reports whether t is a signed integer type.
func (t DataType) IsSigned() bool {
	return t >= TypeInt8 && t <= TypeInt64
}

// IsNumeric reports whether the value converts to a float64 without loss of meaning.
func (t DataType) IsNumeric() bool {
	return t >= TypeBool && t <= TypeFloat64
}

// Value is a typed channel value. It is comparable: two values are equal when
// their type and bit pattern match, so NaN payloads compare equal to themselves.
type Value struct {
	typ DataType
	num uint64
	str string
}

// BoolValue returns a bool value.
func BoolValue(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{typ: TypeBool, num: n}
}

// IntValue returns a signed integer value of type t, truncated to t's width.
func IntValue(t DataType, v int64) Value {
	switch t {
	case TypeInt8:
		v = int64(int8(v))
	case TypeInt16:
		v = int64(int16(v))
	case TypeInt32:
		v = int64(int32(v))
	case TypeInt64:
	default:
		t = TypeInt64
	}
	return Value{typ: t, num: uint64(v)}
}

// UintValue returns an unsigned integer value of type t, truncated to t's width.
func UintValue(t DataType, v uint64) Value {
	switch t {
	case TypeUint8:
		v = uint64(uint8(v))
	case TypeUint16:
		v = uint64(uint16(v))
	case TypeUint32:
		v = uint64(uint32(v))
	case TypeUint64:
	default:
		t = TypeUint64
	}
	return Value{typ: t, num: v}
}

// Float32Value returns a float32 value.
func Float32Value(v float32) Value {
	return Value{typ: TypeFloat32, num: uint64(math.Float32bits(v))}
}

// Float64Value returns a float64 value.
func Float64Value(v float64) Value {
	return Value{typ: TypeFloat64, num: math.Float64bits(v)}
}

// StringValue returns a string value.
func StringValue(v string) Value {
	return Value{typ: TypeString, str: v}
}

// BytesValue returns a bytes value. The slice is copied.
func BytesValue(v []byte) Value {
	return Value{typ: TypeBytes, str: string(v)}
}

// Type returns the declared type.
func (v Value) Type() DataType { return v.typ }

// IsZero reports whether v is the zero Value (no type).
func (v Value) IsZero() bool { return v.typ == 0 }

// Bool returns the bool payload.
func (v Value) Bool() bool { return v.num != 0 }

// Int returns the signed integer payload.
func (v Value) Int() int64 { return int64(v.num) }

// Uint returns the unsigned integer payload.
func (v Value) Uint() uint64 { return v.num }

// Bits returns the raw 64-bit payload of a numeric value.
func (v Value) Bits() uint64 { return v.num }

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// Bytes returns a copy of the bytes payload.
func (v Value) Bytes() []byte {
	if v.typ != TypeBytes {
		return nil
	}
	return []byte(v.str)
}

// Float returns v as a float64. ok is false for string and bytes values.
func (v Value) Float() (f float64, ok bool) {
	switch {
	case v.typ == TypeBool:
		if v.num != 0 {
			return 1, true
		}
		return 0, true
	case v.typ.IsSigned():
		return float64(int64(v.num)), true
	case v.typ.IsInteger():
		return float64(v.num), true
	case v.typ == TypeFloat32:
		return float64(math.Float32frombits(uint32(v.num))), true
	case v.typ == TypeFloat64:
		return math.Float64frombits(v.num), true
	default:
		return 0, false
	}
}

// String formats v for display and pattern matching. Floats use the shortest
// representation that round-trips; bytes are base64.
func (v Value) String() string {
	switch {
	case v.typ == TypeBool:
		return strconv.FormatBool(v.num != 0)
	case v.typ.IsSigned():
		return strconv.FormatInt(int64(v.num), 10)
	case v.typ.IsInteger():
		return strconv.FormatUint(v.num, 10)
	case v.typ == TypeFloat32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.num))), 'g', -1, 32)
	case v.typ == TypeFloat64:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case v.typ == TypeString:
		return v.str
	case v.typ == TypeBytes:
		return base64.StdEncoding.EncodeToString([]byte(v.str))
	default:
		return ""
	}
}
