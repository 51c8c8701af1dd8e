package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind of a telemetry value
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value of a telemetry path
//
// A value is either a scalar (number, string, bool), a structured value
// (e.g. a position `{"latitude": 60.1, "longitude": 24.9}`) or null.
// The zero Value is null.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	// map[string]any or []any
	structured any
}

func Null() Value              { return Value{} }
func Number(f float64) Value   { return Value{kind: KindNumber, num: f} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Object(m map[string]any) Value {
	if m == nil {
		return Null()
	}
	return Value{kind: KindObject, structured: m}
}

// ValueOf wraps a decoded JSON value
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case map[string]any:
		return Object(t)
	case []any:
		return Value{kind: KindObject, structured: t}
	default:
		// round trip through json to get a plain structure
		data, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprint(t))
		}
		var plain any
		if err := json.Unmarshal(data, &plain); err != nil {
			return String(fmt.Sprint(t))
		}
		return ValueOf(plain)
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) BoolValue() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Object returns the structured value if it is a JSON object
func (v Value) Object() (map[string]any, bool) {
	m, ok := v.structured.(map[string]any)
	return m, ok && v.kind == KindObject
}

// Interface returns the plain Go representation (as encoding/json would decode it)
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindObject:
		return v.structured
	default:
		return nil
	}
}

// String renders the value for display
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindObject:
		data, err := json.Marshal(v.structured)
		if err != nil {
			return fmt.Sprint(v.structured)
		}
		return string(data)
	default:
		return ""
	}
}

// Equal compares kind and content, structured values by their JSON encoding
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindObject:
		return v.String() == o.String()
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return nil, fmt.Errorf("value %v is not representable in json", v.num)
	}
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ValueOf(raw)
	return nil
}
