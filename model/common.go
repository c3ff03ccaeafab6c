package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

type (
	// Value is a node of a synchronized document.
	// The set of implementations is closed: Map, Array, String, Number, Bool and Null.
	Value interface {
		isValue()
	}

	// Map is a keyed container, the only kind of Value diffs and patches recurse into.
	Map map[string]Value

	// Array is an ordered sequence. Arrays are opaque leaves: they are replaced wholesale, never diffed.
	Array []Value

	String string

	Number float64

	Bool bool

	// Null is the tombstone marker. It is only meaningful inside a patch and never stored in a document.
	Null struct{}
)

func (Map) isValue()    {}
func (Array) isValue()  {}
func (String) isValue() {}
func (Number) isValue() {}
func (Bool) isValue()   {}
func (Null) isValue()   {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}

	switch vv := v.(type) {
	case Map:
		*m = vv
	case Null:
		*m = nil
	default:
		return fmt.Errorf("map expected, got %s", KindOf(v))
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}

	switch vv := v.(type) {
	case Array:
		*a = vv
	case Null:
		*a = nil
	default:
		return fmt.Errorf("array expected, got %s", KindOf(v))
	}

	return nil
}

// String implements the stringer interface.
func (m Map) String() string {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("marshal: %v", err)
	}

	return string(raw)
}

// KindOf returns a short name of the Value type (used in error messages).
func KindOf(v Value) string {
	switch v.(type) {
	case nil:
		return "absent"
	case Map:
		return "map"
	case Array:
		return "array"
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	case Null:
		return "null"
	}

	return "unknown"
}

// ParseValue decodes a JSON document into a Value tree.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	return FromInterface(raw)
}

// FromInterface converts a generic Go tree (as produced by encoding/json, msgpack or mapstructure) into a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case map[string]interface{}:
		m := make(Map, len(v))
		for key, item := range v {
			itemValue, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			m[key] = itemValue
		}
		return m, nil
	case map[interface{}]interface{}:
		m := make(Map, len(v))
		for key, item := range v {
			keyStr, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v: string expected", key)
			}
			itemValue, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", keyStr, err)
			}
			m[keyStr] = itemValue
		}
		return m, nil
	case []interface{}:
		a := make(Array, 0, len(v))
		for i, item := range v {
			itemValue, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			a = append(a, itemValue)
		}
		return a, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", v.String(), err)
		}
		return Number(f), nil
	}

	// Numbers of any width (msgpack decodes to the narrowest type)
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	}

	return nil, fmt.Errorf("unsupported type %T", raw)
}

// ToInterface converts a Value into a generic Go tree. Null and absent values become nil.
func ToInterface(v Value) interface{} {
	switch vv := v.(type) {
	case Map:
		out := make(map[string]interface{}, len(vv))
		for key, item := range vv {
			out[key] = ToInterface(item)
		}
		return out
	case Array:
		out := make([]interface{}, 0, len(vv))
		for _, item := range vv {
			out = append(out, ToInterface(item))
		}
		return out
	case String:
		return string(vv)
	case Number:
		return float64(vv)
	case Bool:
		return bool(vv)
	}

	return nil
}

// Revision identifies a document snapshot. It is an integer transferred as a string.
type Revision string

// NewRevision converts an integer revision into its wire form.
func NewRevision(rev int) Revision {
	return Revision(strconv.Itoa(rev))
}

// Int parses the revision.
func (r Revision) Int() (int, error) {
	rev, err := strconv.Atoi(strings.TrimSpace(string(r)))
	if err != nil {
		return 0, fmt.Errorf("revision %q: %w", string(r), err)
	}
	if rev < 0 {
		return 0, fmt.Errorf("revision %q: must be GTE 0", string(r))
	}

	return rev, nil
}

// IsZero checks if revision is not set.
func (r Revision) IsZero() bool {
	return r == ""
}
