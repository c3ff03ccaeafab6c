package model

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch vv := v.(type) {
	case Map:
		return cloneMap(vv)
	case Array:
		out := make(Array, len(vv))
		for i, item := range vv {
			out[i] = Clone(item)
		}
		return out
	}

	// Scalars are immutable
	return v
}

// Equal compares two values: arrays by length and position, maps by key set and values, scalars by value.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, aItem := range av {
			bItem, found := bv[key]
			if !found || !Equal(aItem, bItem) {
				return false
			}
		}
		return true
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Null:
		_, ok := b.(Null)
		return ok
	case nil:
		return b == nil
	}

	return false
}

// Merge applies srcs on dest in order: maps are merged recursively, everything else (Null included) is
// deep-copied over the destination key. Returns dest (allocated if nil).
func Merge(dest Map, srcs ...Map) Map {
	if dest == nil {
		dest = make(Map)
	}
	for _, src := range srcs {
		mergeMap(dest, src)
	}

	return dest
}

// Patch applies srcs on dest in order. Unlike Merge, a Null value deletes the destination key and nested
// Nulls are never stored. Returns dest (allocated if nil).
func Patch(dest Map, srcs ...Map) Map {
	if dest == nil {
		dest = make(Map)
	}
	for _, src := range srcs {
		patchMap(dest, src)
	}

	return dest
}

// Diff builds the minimal patch transforming a into b.
// Unchanged keys are omitted, removed keys become Null, nested maps are diffed recursively.
func Diff(a, b Map) Map {
	out := make(Map)

	for key, aItem := range a {
		bItem, found := b[key]
		if !found {
			out[key] = Null{}
			continue
		}

		aMap, aIsMap := aItem.(Map)
		bMap, bIsMap := bItem.(Map)
		if aIsMap && bIsMap {
			// Key count check (not IsEmpty): a nested {} insertion must survive the round trip
			if d := Diff(aMap, bMap); len(d) > 0 {
				out[key] = d
			}
			continue
		}

		if !Equal(aItem, bItem) {
			out[key] = Clone(bItem)
		}
	}

	for key, bItem := range b {
		if _, found := a[key]; found {
			continue
		}
		out[key] = Clone(bItem)
	}

	return out
}

// IsEmpty checks if a patch carries no observable change: it has no keys, or every value is a recursively
// empty Map. Any scalar, array or Null makes the patch non-empty.
func IsEmpty(p Map) bool {
	for _, v := range p {
		m, ok := v.(Map)
		if !ok || !IsEmpty(m) {
			return false
		}
	}

	return true
}

func cloneMap(m Map) Map {
	if m == nil {
		return nil
	}

	out := make(Map, len(m))
	for key, item := range m {
		out[key] = Clone(item)
	}

	return out
}

// cloneWithoutNull deep-copies v dropping Null map entries.
func cloneWithoutNull(v Value) Value {
	m, ok := v.(Map)
	if !ok {
		return Clone(v)
	}

	out := make(Map, len(m))
	for key, item := range m {
		if _, isNull := item.(Null); isNull {
			continue
		}
		out[key] = cloneWithoutNull(item)
	}

	return out
}

func mergeMap(dest, src Map) {
	for key, v := range src {
		if vMap, ok := v.(Map); ok {
			if destMap, ok := dest[key].(Map); ok {
				mergeMap(destMap, vMap)
				continue
			}
		}
		dest[key] = Clone(v)
	}
}

func patchMap(dest, src Map) {
	for key, v := range src {
		switch vv := v.(type) {
		case nil:
			// Absent is "unchanged"
		case Null:
			delete(dest, key)
		case Map:
			if destMap, ok := dest[key].(Map); ok {
				patchMap(destMap, vv)
				continue
			}
			dest[key] = cloneWithoutNull(vv)
		default:
			dest[key] = Clone(vv)
		}
	}
}
