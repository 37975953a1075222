package state

import "fmt"

// Apply produces the snapshot that results from applying ops to old. The
// input snapshot is never mutated. Ops whose paths disagree with the base
// snapshot (removing a missing item, adding one that already exists) fail:
// a patch is only valid against the snapshot it was diffed from.
func Apply(old Snapshot, ops []Op) (Snapshot, error) {
	next := old.Clone()
	if next == nil {
		next = Snapshot{}
	}
	for _, op := range ops {
		if err := applyOp(next, op); err != nil {
			return nil, fmt.Errorf("%s %s: %w", op.Op, op.Path, err)
		}
	}
	return next, nil
}

func applyOp(s Snapshot, op Op) error {
	tokens, err := splitPath(op.Path)
	if err != nil {
		return err
	}
	switch len(tokens) {
	case 1:
		return applyCollectionOp(s, tokens[0], op)
	case 2:
		return applyItemOp(s, tokens[0], tokens[1], op)
	default:
		return applyFieldOp(s, tokens[0], tokens[1], tokens[2], op)
	}
}

func applyCollectionOp(s Snapshot, name string, op Op) error {
	_, exists := s[name]
	switch op.Op {
	case OpAdd:
		if exists {
			return fmt.Errorf("collection already exists")
		}
	case OpReplace:
		if !exists {
			return fmt.Errorf("collection not found")
		}
	case OpRemove:
		if !exists {
			return fmt.Errorf("collection not found")
		}
		delete(s, name)
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}

	col, err := toCollection(op.Value)
	if err != nil {
		return err
	}
	s[name] = col
	return nil
}

func applyItemOp(s Snapshot, name, id string, op Op) error {
	col, ok := s[name]
	if !ok {
		return fmt.Errorf("collection not found")
	}

	_, exists := col[id]
	switch op.Op {
	case OpAdd:
		if exists {
			return fmt.Errorf("item already exists")
		}
	case OpReplace:
		if !exists {
			return fmt.Errorf("item not found")
		}
	case OpRemove:
		if !exists {
			return fmt.Errorf("item not found")
		}
		delete(col, id)
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}

	item, err := toItem(op.Value)
	if err != nil {
		return err
	}
	col[id] = item
	return nil
}

func applyFieldOp(s Snapshot, name, id, field string, op Op) error {
	col, ok := s[name]
	if !ok {
		return fmt.Errorf("collection not found")
	}
	item, ok := col[id]
	if !ok {
		return fmt.Errorf("item not found")
	}

	_, exists := item[field]
	switch op.Op {
	case OpAdd:
		if exists {
			return fmt.Errorf("field already exists")
		}
	case OpReplace:
		if !exists {
			return fmt.Errorf("field not found")
		}
	case OpRemove:
		if !exists {
			return fmt.Errorf("field not found")
		}
		delete(item, field)
		return nil
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}

	item[field] = cloneValue(op.Value)
	return nil
}

// toCollection accepts either a typed Collection (in-process patches) or a
// generic JSON object (patches decoded off the wire).
func toCollection(v any) (Collection, error) {
	switch val := v.(type) {
	case Collection:
		return val.Clone(), nil
	case map[string]any:
		out := make(Collection, len(val))
		for id, raw := range val {
			item, err := toItem(raw)
			if err != nil {
				return nil, fmt.Errorf("item %q: %w", id, err)
			}
			out[id] = item
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("collection value is required")
	default:
		return nil, fmt.Errorf("collection value must be an object, got %T", v)
	}
}

// toItem accepts either a typed Item or a generic JSON object.
func toItem(v any) (Item, error) {
	switch val := v.(type) {
	case Item:
		return val.Clone(), nil
	case map[string]any:
		out := make(Item, len(val))
		for field, value := range val {
			out[field] = cloneValue(value)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("item value is required")
	default:
		return nil, fmt.Errorf("item value must be an object, got %T", v)
	}
}
