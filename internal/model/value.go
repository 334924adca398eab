package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Value is a single column value that keeps its storage class across JSON encoding.
// The zero Value is SQL NULL.
//
// Encoded forms:
//
//	null          NULL
//	{"i": 42}     INTEGER
//	{"f": 1.5}    REAL
//	{"s": "x"}    TEXT
//	{"b": "AAE="} BLOB (base64)
type Value struct {
	v any
}

// NewValue converts a driver value into a Value.
// Accepted types are those returned by database/sql drivers for SQLite.
func NewValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{}, nil
	case int64:
		return Value{v: x}, nil
	case int:
		return Value{v: int64(x)}, nil
	case int32:
		return Value{v: int64(x)}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, fmt.Errorf("unsupported float value %v", x)
		}
		return Value{v: x}, nil
	case string:
		return Value{v: x}, nil
	case []byte:
		return Value{v: bytes.Clone(x)}, nil
	case bool:
		if x {
			return Value{v: int64(1)}, nil
		}
		return Value{v: int64(0)}, nil
	case time.Time:
		return Value{v: x.Format(time.RFC3339Nano)}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// MustValue is NewValue for values known to be valid. It panics otherwise.
func MustValue(v any) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Any returns the underlying value: nil, int64, float64, string or []byte.
func (v Value) Any() any {
	return v.v
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool {
	return v.v == nil
}

// Equal reports whether two values have the same storage class and content.
func (v Value) Equal(o Value) bool {
	switch x := v.v.(type) {
	case []byte:
		y, ok := o.v.([]byte)
		return ok && bytes.Equal(x, y)
	default:
		return v.v == o.v
	}
}

func (v Value) String() string {
	switch x := v.v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", x)
	default:
		return fmt.Sprint(x)
	}
}

type encodedValue struct {
	I *int64   `json:"i,omitempty"`
	F *float64 `json:"f,omitempty"`
	S *string  `json:"s,omitempty"`
	B *[]byte  `json:"b,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var e encodedValue
	switch x := v.v.(type) {
	case nil:
		return []byte("null"), nil
	case int64:
		e.I = &x
	case float64:
		e.F = &x
	case string:
		e.S = &x
	case []byte:
		e.B = &x
	default:
		return nil, fmt.Errorf("unsupported value type %T", v.v)
	}
	return json.Marshal(e)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		v.v = nil
		return nil
	}
	var e encodedValue
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	switch {
	case e.I != nil:
		v.v = *e.I
	case e.F != nil:
		v.v = *e.F
	case e.S != nil:
		v.v = *e.S
	case e.B != nil:
		b := *e.B
		if b == nil {
			b = []byte{}
		}
		v.v = b
	default:
		return fmt.Errorf("decoding value: no storage class in %s", data)
	}
	return nil
}
