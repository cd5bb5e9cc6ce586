package audit

// ComputeChanges reports the fields of before whose value differs in after.
//
// Only keys of before are visited, in before's order; a key present only in
// after is never reported. Keys in ignored are skipped. A key missing from
// after is treated as null, and null renders as "" in the resulting entry.
// Values are compared with Value.Equal.
func ComputeChanges(before, after Object, ignored FieldSet) ChangeSet {
	changes := NewChangeSet()
	before.Each(func(key string, oldValue Value) {
		if ignored.Contains(key) {
			return
		}
		newValue, ok := after.Get(key)
		if !ok {
			newValue = Null()
		}
		if oldValue.Equal(newValue) {
			return
		}
		changes.Set(key, ChangeEntry{
			Old: oldValue.String(),
			New: newValue.String(),
		})
	})
	return changes
}
