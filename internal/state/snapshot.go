// Package state models the canonical application state a session owns and
// computes minimal patches between successive versions of it. Snapshots are
// treated as immutable values: every change produces a new snapshot, and
// the old one stays valid for diffing.
package state

// Item holds the fields of a single resource, keyed by field name. Field
// values are JSON-compatible: strings, numbers, booleans, nil, arrays, and
// nested objects.
type Item map[string]any

// Collection holds items keyed by their resource identity.
type Collection map[string]Item

// Snapshot is the full materialized state a session has rendered, keyed by
// collection name.
type Snapshot map[string]Collection

// Clone returns a deep copy of the snapshot. Mutating the copy never
// affects the original.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for name, col := range s {
		out[name] = col.Clone()
	}
	return out
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	if c == nil {
		return nil
	}
	out := make(Collection, len(c))
	for id, item := range c {
		out[id] = item.Clone()
	}
	return out
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	if i == nil {
		return nil
	}
	out := make(Item, len(i))
	for field, value := range i {
		out[field] = cloneValue(value)
	}
	return out
}

// cloneValue deep-copies a JSON-compatible value. Scalars are returned
// as-is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
