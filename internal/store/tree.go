package store

import "strings"

// Lookup returns the node at path inside a normalized tree, nil when absent
func Lookup(root any, path Path) any {
	node := root
	for _, seg := range path.Segments() {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

// Replace returns a copy of root with the node at path set to value.
// Maps along the path are copied, everything else is shared, so earlier
// snapshots of the tree stay unchanged. A nil value removes the node and
// any parents it leaves empty.
func Replace(root any, path Path, value any) any {
	return replaceAt(root, path.Segments(), value)
}

func replaceAt(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m := CloneMap(node)
	child := replaceAt(m[segs[0]], segs[1:], value)
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

// Flatten lists the leaves of a normalized value written at base
func Flatten(base Path, value any) map[Path]any {
	out := make(map[Path]any)
	flattenInto(out, base, value)
	return out
}

func flattenInto(out map[Path]any, at Path, value any) {
	if value == nil {
		return
	}
	m, ok := value.(map[string]any)
	if !ok {
		out[at] = value
		return
	}
	for k, child := range m {
		flattenInto(out, at.Child(k), child)
	}
}

// Assemble rebuilds the value at base from leaves keyed by full path.
// Leaves outside base are ignored.
func Assemble(base Path, leaves map[Path]any) any {
	if v, ok := leaves[base]; ok && base != Root {
		return v
	}
	root := make(map[string]any)
	for p, v := range leaves {
		if p == base || !base.Contains(p) {
			continue
		}
		rel := Path(strings.TrimPrefix(strings.TrimPrefix(string(p), string(base)), "/"))
		segs := rel.Segments()
		node := root
		for _, seg := range segs[:len(segs)-1] {
			next, ok := node[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[seg] = next
			}
			node = next
		}
		node[segs[len(segs)-1]] = v
	}
	if len(root) == 0 {
		return nil
	}
	return root
}
