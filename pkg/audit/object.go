package audit

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Object is a flat JSON object snapshot that remembers key insertion order.
// The zero Object is empty and read-only; use NewObject before calling Set.
type Object struct {
	fields *orderedmap.OrderedMap[string, Value]
}

// NewObject returns an empty, writable Object.
func NewObject() Object {
	return Object{fields: orderedmap.New[string, Value]()}
}

// ObjectOf builds an Object from alternating key/value pairs. Values go
// through FromAny; it panics on odd arguments or unsupported values and is
// meant for literals in tests and callers that build payloads by hand.
func ObjectOf(pairs ...any) Object {
	if len(pairs)%2 != 0 {
		panic("audit.ObjectOf: odd number of arguments")
	}
	obj := NewObject()
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("audit.ObjectOf: key at %d is %T, not string", i, pairs[i]))
		}
		val, err := FromAny(pairs[i+1])
		if err != nil {
			panic(fmt.Sprintf("audit.ObjectOf: %s: %v", key, err))
		}
		obj.Set(key, val)
	}
	return obj
}

// Set stores value under key. Re-setting an existing key keeps its position.
func (o *Object) Set(key string, value Value) {
	if o.fields == nil {
		o.fields = orderedmap.New[string, Value]()
	}
	o.fields.Set(key, value)
}

// Defined reports whether the object was ever created. A decoded {} is
// defined; an absent or null document leaves the zero Object, which is not.
func (o Object) Defined() bool {
	return o.fields != nil
}

// Get returns the value for key and whether it was present.
func (o Object) Get(key string) (Value, bool) {
	if o.fields == nil {
		return Value{}, false
	}
	return o.fields.Get(key)
}

// Len returns the number of keys.
func (o Object) Len() int {
	if o.fields == nil {
		return 0
	}
	return o.fields.Len()
}

// Keys returns the keys in insertion order.
func (o Object) Keys() []string {
	keys := make([]string, 0, o.Len())
	o.Each(func(key string, _ Value) {
		keys = append(keys, key)
	})
	return keys
}

// Each calls fn for every key in insertion order.
func (o Object) Each(fn func(key string, value Value)) {
	if o.fields == nil {
		return
	}
	for pair := o.fields.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Equal reports whether both objects hold the same keys with equal values,
// regardless of order.
func (o Object) Equal(other Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	equal := true
	o.Each(func(key string, value Value) {
		if !equal {
			return
		}
		otherValue, ok := other.Get(key)
		equal = ok && value.Equal(otherValue)
	})
	return equal
}

// MarshalJSON implements json.Marshaler. Keys are written in insertion order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (o Object) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	first := true
	var err error
	o.Each(func(key string, value Value) {
		if err != nil {
			return
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		var data []byte
		if data, err = marshalString(key); err != nil {
			return
		}
		buf.Write(data)
		buf.WriteByte(':')
		err = value.writeJSON(buf)
	})
	if err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Key order from the document is
// preserved; a repeated key keeps its first position and last value. A JSON
// null leaves the object unchanged; any other non-object is an error.
func (o *Object) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: expected a JSON object", ErrInvalidInput)
	}

	obj, err := decodeObjectBody(dec)
	if err != nil {
		return err
	}

	*o = obj
	return nil
}

// decodeObjectBody reads object members up to and including the closing
// brace; the opening brace has already been consumed.
func decodeObjectBody(dec *json.Decoder) (Object, error) {
	obj := NewObject()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Object{}, err
		}
		key, ok := tok.(string)
		if !ok {
			return Object{}, fmt.Errorf("%w: object key is not a string", ErrInvalidInput)
		}

		val, err := decodeValue(dec)
		if err != nil {
			return Object{}, fmt.Errorf("field %q: %w", key, err)
		}
		obj.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return Object{}, err
	}
	return obj, nil
}
