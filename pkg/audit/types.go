package audit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ChangeEntry holds the string forms of a field before and after a change.
// An absent or null value is recorded as "".
type ChangeEntry struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ChangeSet maps changed field names to their entries, in the order the
// fields were first seen in the before-state.
type ChangeSet struct {
	entries *orderedmap.OrderedMap[string, ChangeEntry]
}

// NewChangeSet returns an empty ChangeSet.
func NewChangeSet() ChangeSet {
	return ChangeSet{entries: orderedmap.New[string, ChangeEntry]()}
}

// Set records an entry for field.
func (c *ChangeSet) Set(field string, entry ChangeEntry) {
	if c.entries == nil {
		c.entries = orderedmap.New[string, ChangeEntry]()
	}
	c.entries.Set(field, entry)
}

// Get returns the entry for field and whether it exists.
func (c ChangeSet) Get(field string) (ChangeEntry, bool) {
	if c.entries == nil {
		return ChangeEntry{}, false
	}
	return c.entries.Get(field)
}

// Len returns the number of changed fields.
func (c ChangeSet) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// Fields returns the changed field names in order.
func (c ChangeSet) Fields() []string {
	fields := make([]string, 0, c.Len())
	c.Each(func(field string, _ ChangeEntry) {
		fields = append(fields, field)
	})
	return fields
}

// Each calls fn for every entry in order.
func (c ChangeSet) Each(fn func(field string, entry ChangeEntry)) {
	if c.entries == nil {
		return
	}
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Clone returns an independent copy.
func (c ChangeSet) Clone() ChangeSet {
	clone := NewChangeSet()
	c.Each(func(field string, entry ChangeEntry) {
		clone.Set(field, entry)
	})
	return clone
}

// MarshalJSON implements json.Marshaler. An empty set encodes as {}.
func (c ChangeSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	var err error
	c.Each(func(field string, entry ChangeEntry) {
		if err != nil {
			return
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		var data []byte
		if data, err = marshalString(field); err != nil {
			return
		}
		buf.Write(data)
		buf.WriteByte(':')
		if data, err = marshalEntry(entry); err != nil {
			return
		}
		buf.Write(data)
	})
	if err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping the document's field order.
func (c *ChangeSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = NewChangeSet()
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: changes must be a JSON object", ErrInvalidInput)
	}

	set := NewChangeSet()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		field, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: change key is not a string", ErrInvalidInput)
		}
		var entry ChangeEntry
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("change %q: %w", field, err)
		}
		set.Set(field, entry)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*c = set
	return nil
}

func marshalEntry(entry ChangeEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Audit is one recorded diff together with the request metadata it came
// with. ID is unset until a Store persists the record.
type Audit struct {
	ID        uuid.NullUUID `json:"id"`
	Origin    string        `json:"origin"`
	UserAgent string        `json:"userAgent"`
	Changes   ChangeSet     `json:"changes"`
}

// New builds an unpersisted Audit.
func New(origin, userAgent string, changes ChangeSet) *Audit {
	return &Audit{
		Origin:    origin,
		UserAgent: userAgent,
		Changes:   changes,
	}
}

// Create diffs before against after and wraps the result in an unpersisted Audit.
func Create(before, after Object, origin, userAgent string, ignored FieldSet) *Audit {
	return New(origin, userAgent, ComputeChanges(before, after, ignored))
}

// Persisted reports whether the record has been assigned an id.
func (a *Audit) Persisted() bool {
	return a.ID.Valid
}

// Clone returns a copy whose change set is independent of a's.
func (a *Audit) Clone() *Audit {
	clone := *a
	clone.Changes = a.Changes.Clone()
	return &clone
}

// ToJSON converts the audit to JSON
func (a *Audit) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

// FromJSON parses an audit from JSON
func FromJSON(data []byte) (*Audit, error) {
	var a Audit
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// FieldSet is a set of field names excluded from diffing. A nil FieldSet
// excludes nothing.
type FieldSet map[string]struct{}

// NewFieldSet builds a set from names.
func NewFieldSet(names ...string) FieldSet {
	set := make(FieldSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Contains reports whether name is in the set.
func (s FieldSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}
