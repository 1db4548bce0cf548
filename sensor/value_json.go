package sensor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

var errInvalidQuality = fmt.Errorf("invalid quality")

// PayloadJSON encodes the value without its type. Floats use the shortest
// round-trip form with NaN and infinities as strings; 64-bit integers are
// decimal strings; bytes are base64.
func (v Value) PayloadJSON() (json.RawMessage, error) {
	switch v.typ {
	case TypeBool:
		if v.num != 0 {
			return json.RawMessage("true"), nil
		}
		return json.RawMessage("false"), nil
	case TypeInt8, TypeInt16, TypeInt32:
		return json.RawMessage(strconv.FormatInt(int64(v.num), 10)), nil
	case TypeUint8, TypeUint16, TypeUint32:
		return json.RawMessage(strconv.FormatUint(v.num, 10)), nil
	case TypeInt64, TypeUint64, TypeString:
		return json.Marshal(v.String())
	case TypeFloat32:
		return floatJSON(float64(math.Float32frombits(uint32(v.num))), 32)
	case TypeFloat64:
		return floatJSON(math.Float64frombits(v.num), 64)
	case TypeBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString([]byte(v.str)))
	default:
		return nil, fmt.Errorf("cannot encode value of type %d", v.typ)
	}
}

func floatJSON(f float64, bits int) (json.RawMessage, error) {
	switch {
	case math.IsNaN(f):
		return json.RawMessage(`"NaN"`), nil
	case math.IsInf(f, 1):
		return json.RawMessage(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return json.RawMessage(`"-Inf"`), nil
	}
	return json.RawMessage(strconv.FormatFloat(f, 'g', -1, bits)), nil
}

// ParseValue decodes a payload produced by PayloadJSON for type t.
func ParseValue(t DataType, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return Value{}, err
		}
	}

	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, err := strconv.ParseInt(text, 10, intBits(t))
		if err != nil {
			return Value{}, err
		}
		return IntValue(t, n), nil
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		n, err := strconv.ParseUint(text, 10, intBits(t))
		if err != nil {
			return Value{}, err
		}
		return UintValue(t, n), nil
	case TypeFloat32:
		f, err := parseFloat(text, 32)
		if err != nil {
			return Value{}, err
		}
		return Float32Value(float32(f)), nil
	case TypeFloat64:
		f, err := parseFloat(text, 64)
		if err != nil {
			return Value{}, err
		}
		return Float64Value(f), nil
	case TypeString:
		if len(raw) == 0 || raw[0] != '"' {
			return Value{}, fmt.Errorf("string value must be a JSON string")
		}
		return StringValue(text), nil
	case TypeBytes:
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return Value{}, err
		}
		return BytesValue(b), nil
	default:
		return Value{}, fmt.Errorf("unknown data type %d", t)
	}
}

func intBits(t DataType) int {
	switch t {
	case TypeInt8, TypeUint8:
		return 8
	case TypeInt16, TypeUint16:
		return 16
	case TypeInt32, TypeUint32:
		return 32
	default:
		return 64
	}
}

func parseFloat(s string, bits int) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "+Inf":
		return math.Inf(1), nil
	case "-Inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, bits)
}

type valueJSON struct {
	Type  DataType        `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == 0 {
		return []byte("null"), nil
	}
	payload, err := v.PayloadJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.typ, Value: payload})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*v = Value{}
		return nil
	}
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseValue(raw.Type, raw.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
