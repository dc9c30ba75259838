package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// normalize converts an arbitrary Go value into the generic JSON form stored
// in the tree (map[string]any, []any, json.Number, string, bool). Null members
// and empty objects are pruned; a value that prunes to nothing returns nil.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			p := prune(child)
			if p == nil {
				delete(t, k)
				continue
			}
			t[k] = p
		}
		if len(t) == 0 {
			return nil
		}
		return t
	default:
		return v
	}
}

// lookup walks segs from root and returns the node found there, or nil.
func lookup(root any, segs []string) any {
	node := root
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return node
}

// assign writes value at segs below root and returns the new root. A nil
// value deletes the node and prunes parents left empty. Scalars found on the
// way down are replaced by objects.
func assign(root any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		m = make(map[string]any)
	}
	child := assign(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// encode marshals a stored node into a snapshot. nil stays nil.
func encode(node any) (json.RawMessage, error) {
	if node == nil {
		return nil, nil
	}
	b, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// IsEmpty reports whether a snapshot holds no data.
func IsEmpty(snapshot json.RawMessage) bool {
	s := bytes.TrimSpace(snapshot)
	return len(s) == 0 || bytes.Equal(s, []byte("null"))
}

// leaf is one stored value of a flattened subtree.
type leaf struct {
	Path  string
	Value json.RawMessage
}

// flatten turns a normalized node rooted at base into leaves. Objects are
// walked; every other value (including arrays) is stored as a single leaf.
func flatten(base string, node any, out []leaf) ([]leaf, error) {
	switch t := node.(type) {
	case nil:
		return out, nil
	case map[string]any:
		for k, child := range t {
			var err error
			out, err = flatten(Join(base, k), child, out)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(out, leaf{Path: base, Value: b}), nil
	}
}

// unflatten rebuilds the subtree at base from its leaves.
func unflatten(base string, leaves []leaf) (any, error) {
	var root any
	for _, l := range leaves {
		rel := strings.TrimPrefix(strings.TrimPrefix(l.Path, base), "/")
		value, err := normalize(l.Value)
		if err != nil {
			return nil, fmt.Errorf("leaf %q: %w", l.Path, err)
		}
		root = assign(root, Segments(rel), value)
	}
	return root, nil
}
