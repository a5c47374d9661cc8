package types

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Fields maps field names to values and remembers insertion order. The order is
// the order the record store returned the fields in and drives template rendering.
type Fields struct {
	m *orderedmap.OrderedMap[string, Value]
}

func NewFields() Fields {
	return Fields{m: orderedmap.New[string, Value]()}
}

// FieldsOf builds Fields from alternating name/value pairs order-preserving.
func FieldsOf(pairs ...any) Fields {
	f := NewFields()
	for i := 0; i+1 < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			continue
		}
		switch v := pairs[i+1].(type) {
		case Value:
			f.Set(name, v)
		case string:
			f.Set(name, Text(v))
		case bool:
			f.Set(name, Bool(v))
		case int:
			f.Set(name, Number(float64(v)))
		case float64:
			f.Set(name, Number(v))
		case []Attachment:
			f.Set(name, Attachments(v...))
		case nil:
			f.Set(name, Absent())
		}
	}
	return f
}

func (f *Fields) ensure() {
	if f.m == nil {
		f.m = orderedmap.New[string, Value]()
	}
}

func (f Fields) Len() int {
	if f.m == nil {
		return 0
	}
	return f.m.Len()
}

func (f Fields) Get(name string) (Value, bool) {
	if f.m == nil {
		return Value{}, false
	}
	return f.m.Get(name)
}

// Set adds or replaces a field. Replacing keeps the field's original position.
func (f *Fields) Set(name string, v Value) {
	f.ensure()
	f.m.Set(name, v)
}

func (f *Fields) Delete(name string) {
	if f.m == nil {
		return
	}
	f.m.Delete(name)
}

func (f Fields) Keys() []string {
	if f.m == nil {
		return nil
	}
	keys := make([]string, 0, f.m.Len())
	for pair := f.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Each visits fields in order until fn returns false.
func (f Fields) Each(fn func(name string, v Value) bool) {
	if f.m == nil {
		return
	}
	for pair := f.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

func (f Fields) Clone() Fields {
	out := NewFields()
	f.Each(func(name string, v Value) bool {
		out.Set(name, v)
		return true
	})
	return out
}

// Merge applies patch on top of f: named fields change, all others are untouched.
func (f *Fields) Merge(patch Fields) {
	patch.Each(func(name string, v Value) bool {
		f.Set(name, v)
		return true
	})
}

func (f Fields) MarshalJSON() ([]byte, error) {
	if f.m == nil {
		return []byte("{}"), nil
	}
	return f.m.MarshalJSON()
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, Value]()
	if string(data) != "null" {
		if err := m.UnmarshalJSON(data); err != nil {
			return fmt.Errorf("decode fields: %w", err)
		}
	}
	f.m = m
	return nil
}

var _ json.Marshaler = Fields{}
