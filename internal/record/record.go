package record

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindDate   Kind = "date"
)

// Value is a tagged union of the scalar shapes spreadsheet columns and
// post-call analysis fields can take.
//
// The zero Value is an empty string.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	t    time.Time
}

func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value { return Value{kind: KindDate, t: t.UTC()} }

func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

func (v Value) AsString() (string, bool) { return v.s, v.Kind() == KindString }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsDate() (time.Time, bool) { return v.t, v.kind == KindDate }

// Text renders the value the way providers expect dynamic variables: plain strings.
func (v Value) Text() string {
	switch v.Kind() {
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return v.t.Format(time.RFC3339)
	default:
		return v.s
	}
}

func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() {
		return false
	}
	switch v.Kind() {
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	case KindDate:
		return v.t.Equal(o.t)
	default:
		return v.s == o.s
	}
}

const dateKey = "$date"

// MarshalJSON writes strings, numbers and bools as plain JSON scalars and
// dates as {"$date": "<RFC3339>"} so they survive a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case KindNumber:
		return json.Marshal(v.n)
	case KindBool:
		return json.Marshal(v.b)
	case KindDate:
		return json.Marshal(map[string]string{dateKey: v.t.Format(time.RFC3339Nano)})
	default:
		return json.Marshal(v.s)
	}
}

var ErrUnsupportedValue = errors.New("record: unsupported value")

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ErrUnsupportedValue
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedValue, string(data))
		}
		raw, ok := m[dateKey]
		if !ok || len(m) != 1 {
			return fmt.Errorf("%w: %s", ErrUnsupportedValue, string(data))
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
		*v = Date(t)
	case 'n':
		// null leaves the zero value in place
		return nil
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrUnsupportedValue, string(data))
		}
		*v = Number(n)
	}
	return nil
}

// Record is an open key/value payload (row variables, post-call analysis).
type Record map[string]Value

// FromAny converts loosely typed input (decoded JSON, spreadsheet cells) into a
// Record. Nulls are dropped; nested objects and arrays are rejected.
func FromAny(in map[string]any) (Record, error) {
	out := make(Record, len(in))
	for k, raw := range in {
		switch x := raw.(type) {
		case nil:
			continue
		case string:
			out[k] = String(x)
		case bool:
			out[k] = Bool(x)
		case float64:
			out[k] = Number(x)
		case float32:
			out[k] = Number(float64(x))
		case int:
			out[k] = Number(float64(x))
		case int64:
			out[k] = Number(float64(x))
		case json.Number:
			n, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("record: key %q: %w", k, err)
			}
			out[k] = Number(n)
		case time.Time:
			out[k] = Date(x)
		case Value:
			out[k] = x
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrUnsupportedValue, k, raw)
		}
	}
	return out, nil
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every key of o applied on top.
func (r Record) Merge(o Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// StringMap flattens the record to text values.
func (r Record) StringMap() map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v.Text()
	}
	return out
}

func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FirstString returns the first non-empty text value among keys.
func (r Record) FirstString(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			if s := v.Text(); s != "" {
				return s
			}
		}
	}
	return ""
}

// Truthy reports whether key holds boolean true.
func (r Record) Truthy(key string) bool {
	v, ok := r[key]
	if !ok {
		return false
	}
	b, isBool := v.AsBool()
	return isBool && b
}

// Value implements driver.Valuer for jsonb columns.
func (r Record) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner for jsonb columns.
func (r *Record) Scan(src any) error {
	var data []byte
	switch x := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		data = x
	case string:
		data = []byte(x)
	default:
		return fmt.Errorf("record: cannot scan %T", src)
	}
	if len(data) == 0 {
		*r = nil
		return nil
	}
	out := Record{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*r = out
	return nil
}
