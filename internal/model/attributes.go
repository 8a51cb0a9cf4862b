package model

import (
	"strconv"
	"strings"
)

// FlattenAttributes converts a nested JSON-like value into a flat map of
// dotted-path keys. Array elements use "[i]" segments. Scalars map to a
// single entry under prefix (or "" for a bare scalar at the root). The
// flattened form is what the storage layer indexes.
func FlattenAttributes(value any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", value)
	return out
}

func flattenInto(out map[string]any, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		if len(v) == 0 {
			if prefix != "" {
				out[prefix] = v
			}
			return
		}
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, child)
		}
	case []any:
		if len(v) == 0 {
			if prefix != "" {
				out[prefix] = v
			}
			return
		}
		for i, child := range v {
			flattenInto(out, prefix+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[prefix] = v
	}
}

// UnflattenAttributes is the inverse of FlattenAttributes: dotted-path keys
// become nested maps, "[i]" segments become arrays.
func UnflattenAttributes(attrs map[string]any) any {
	if len(attrs) == 0 {
		return map[string]any{}
	}
	// A single empty key is a bare scalar.
	if v, ok := attrs[""]; ok && len(attrs) == 1 {
		return v
	}
	root := make(map[string]any)
	for key, value := range attrs {
		setPath(root, splitPath(key), value)
	}
	return normalize(root)
}

// splitPath splits "a.b[0].c" into ["a", "b", "[0]", "c"].
func splitPath(key string) []string {
	var parts []string
	for _, seg := range strings.Split(key, ".") {
		for {
			i := strings.IndexByte(seg, '[')
			if i < 0 {
				if seg != "" {
					parts = append(parts, seg)
				}
				break
			}
			if i > 0 {
				parts = append(parts, seg[:i])
			}
			j := strings.IndexByte(seg[i:], ']')
			if j < 0 {
				parts = append(parts, seg[i:])
				break
			}
			parts = append(parts, seg[i:i+j+1])
			seg = seg[i+j+1:]
			if seg == "" {
				break
			}
		}
	}
	return parts
}

func setPath(node map[string]any, parts []string, value any) {
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
}

// normalize converts maps whose keys are all "[i]" indexes into slices.
func normalize(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	indexes := make(map[int]any, len(m))
	isArray := len(m) > 0
	for k, v := range m {
		if len(k) > 2 && k[0] == '[' && k[len(k)-1] == ']' {
			if n, err := strconv.Atoi(k[1 : len(k)-1]); err == nil {
				indexes[n] = normalize(v)
				continue
			}
		}
		isArray = false
		break
	}
	if isArray {
		max := -1
		for n := range indexes {
			if n > max {
				max = n
			}
		}
		arr := make([]any, max+1)
		for n, v := range indexes {
			arr[n] = v
		}
		return arr
	}
	for k, v := range m {
		m[k] = normalize(v)
	}
	return m
}
