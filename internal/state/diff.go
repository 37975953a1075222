package state

import (
	"reflect"
	"sort"
)

// Patch operation kinds.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Op is one step of a patch. Paths address a collection, an item, or a
// single field. Remove ops carry no value.
type Op struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Diff computes the minimal patch transforming old into new. Granularity is
// collection membership, item membership, and per-field changes; unchanged
// fields never appear in the patch. Ops touch disjoint paths, so applying
// them in any order yields the same result, and the emitted order is
// deterministic (sorted by name at every level).
func Diff(old, new Snapshot) []Op {
	var ops []Op

	for _, name := range sortedKeys(old) {
		newCol, ok := new[name]
		if !ok {
			ops = append(ops, Op{Path: joinPath(name), Op: OpRemove})
			continue
		}
		ops = append(ops, diffCollection(name, old[name], newCol)...)
	}
	for _, name := range sortedKeys(new) {
		if _, ok := old[name]; !ok {
			ops = append(ops, Op{Path: joinPath(name), Op: OpAdd, Value: new[name]})
		}
	}
	return ops
}

func diffCollection(name string, old, new Collection) []Op {
	var ops []Op

	for _, id := range sortedKeys(old) {
		newItem, ok := new[id]
		if !ok {
			ops = append(ops, Op{Path: joinPath(name, id), Op: OpRemove})
			continue
		}
		ops = append(ops, diffItem(name, id, old[id], newItem)...)
	}
	for _, id := range sortedKeys(new) {
		if _, ok := old[id]; !ok {
			ops = append(ops, Op{Path: joinPath(name, id), Op: OpAdd, Value: new[id]})
		}
	}
	return ops
}

func diffItem(name, id string, old, new Item) []Op {
	var ops []Op

	for _, field := range sortedKeys(old) {
		newValue, ok := new[field]
		if !ok {
			ops = append(ops, Op{Path: joinPath(name, id, field), Op: OpRemove})
			continue
		}
		if !reflect.DeepEqual(old[field], newValue) {
			ops = append(ops, Op{Path: joinPath(name, id, field), Op: OpReplace, Value: newValue})
		}
	}
	for _, field := range sortedKeys(new) {
		if _, ok := old[field]; !ok {
			ops = append(ops, Op{Path: joinPath(name, id, field), Op: OpAdd, Value: new[field]})
		}
	}
	return ops
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
