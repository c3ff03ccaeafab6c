package model

import "strings"

// AnyKey is the reserved path element matching any key at its depth (observer subscriptions only).
const AnyKey = "*"

// Path addresses a node inside a document. An empty Path is the document root.
type Path []string

// ParsePath splits a dot-separated path ("a.b.c"). An empty string is the root.
func ParsePath(s string) Path {
	if s == "" {
		return Path{}
	}

	return strings.Split(s, ".")
}

// String implements the stringer interface.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// PathGet returns the node at path or def if any step is missing or not a map.
func PathGet(doc Map, path Path, def Value) Value {
	var node Value = doc
	for _, key := range path {
		m, ok := node.(Map)
		if !ok {
			return def
		}
		node, ok = m[key]
		if !ok {
			return def
		}
	}
	if node == nil {
		return def
	}

	return node
}

// PathSet builds a sparse patch placing value at path: {p0: {p1: ... value}}.
// For the root path value must be a Map, any other value yields an empty patch.
func PathSet(path Path, value Value) Map {
	if len(path) == 0 {
		m, _ := Clone(value).(Map)
		if m == nil {
			m = make(Map)
		}
		return m
	}

	root := make(Map)
	node := root
	for _, key := range path[:len(path)-1] {
		next := make(Map)
		node[key] = next
		node = next
	}
	node[path[len(path)-1]] = Clone(value)

	return root
}
