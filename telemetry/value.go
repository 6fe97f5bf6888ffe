// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind is the kind of a Value
type Kind int

// value kinds
const (
	KindNull Kind = iota
	KindFloat
	KindInt
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	}
	return "null"
}

// Value is a single telemetry reading. It is exactly one of null, float, int, bool or string.
type Value struct {
	kind Kind
	f    float64
	i    int64
	b    bool
	s    string
}

// Null returns the null value
func Null() Value { return Value{} }

// Float returns a float value
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Int returns an integer value
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, s: s} }

// Kind returns the kind of v
func (v Value) Kind() Kind { return v.kind }

// IsNull returns true for the null value
func (v Value) IsNull() bool { return v.kind == KindNull }

// Numeric returns v as float64 if it is a float or an integer
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Text returns v formatted as text, null is the empty string
func (v Value) Text() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.s
	}
	return ""
}

// MarshalJSON writes null, a number, a boolean or a string. Floats which json cannot
// represent are written as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return []byte(strconv.FormatFloat(v.f, 'f', -1, 64)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindString:
		return json.Marshal(v.s)
	}
	return []byte("null"), nil
}

// UnmarshalJSON reads what MarshalJSON writes. Numbers without fraction or exponent
// become integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = Bool(t)
	case string:
		*v = String(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return err
		}
		*v = Float(f)
	default:
		return fmt.Errorf("not a telemetry value: %s", data)
	}
	return nil
}

// Columns are the nullable value columns of a stored reading
type Columns struct {
	F64  *float64
	I64  *int64
	Bool *bool
	Str  *string
}

// Normalize returns the value of c. If more than one column is set, float wins over int,
// int over bool and bool over string.
func Normalize(c Columns) Value {
	switch {
	case c.F64 != nil:
		return Float(*c.F64)
	case c.I64 != nil:
		return Int(*c.I64)
	case c.Bool != nil:
		return Bool(*c.Bool)
	case c.Str != nil:
		return String(*c.Str)
	}
	return Null()
}
