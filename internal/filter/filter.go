// Package filter implements the declarative event-filter language used by
// pipeline FILTER steps. A filter is a nested mapping of payload paths to
// matcher lists; matcher lists are disjunctive, object levels conjunctive.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/groblegark/pulse/internal/model"
)

// Filter is a parsed filter document. The zero value matches everything.
type Filter map[string]node

type node struct {
	fields   map[string]node
	matchers []matcher
}

type matcherKind int

const (
	kindEquals matcherKind = iota
	kindStartsWith
	kindEndsWith
	kindIgnoreCaseEquals
	kindExists
	kindIsNull
	kindAnythingBut
	kindGT
	kindGTE
	kindLT
	kindLTE
	kindBetween
	kindIncludes
)

type matcher struct {
	kind   matcherKind
	str    string
	boolV  bool
	num    float64
	lo, hi float64
	value  any
	values []any
}

// Parse decodes and validates a JSON filter document.
func Parse(data []byte) (Filter, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidFilter, err)
	}
	return ParseValue(raw)
}

// ParseValue validates an already-decoded filter document.
func ParseValue(raw any) (Filter, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: root must be an object", model.ErrInvalidFilter)
	}
	f := make(Filter, len(obj))
	for key, val := range obj {
		n, err := parseNode(key, val)
		if err != nil {
			return nil, err
		}
		f[key] = n
	}
	return f, nil
}

func parseNode(path string, val any) (node, error) {
	switch v := val.(type) {
	case map[string]any:
		fields := make(map[string]node, len(v))
		for key, child := range v {
			n, err := parseNode(path+"."+key, child)
			if err != nil {
				return node{}, err
			}
			fields[key] = n
		}
		return node{fields: fields}, nil
	case []any:
		matchers := make([]matcher, 0, len(v))
		for _, item := range v {
			m, err := parseMatcher(path, item)
			if err != nil {
				return node{}, err
			}
			matchers = append(matchers, m)
		}
		return node{matchers: matchers}, nil
	default:
		return node{}, fmt.Errorf("%w: %s must be an object or a matcher array", model.ErrInvalidFilter, path)
	}
}

func parseMatcher(path string, item any) (matcher, error) {
	switch v := item.(type) {
	case string, float64, bool:
		return matcher{kind: kindEquals, value: v}, nil
	case map[string]any:
		if len(v) != 1 {
			return matcher{}, fmt.Errorf("%w: %s matcher must have exactly one operator", model.ErrInvalidFilter, path)
		}
		for op, operand := range v {
			return parseOperator(path, op, operand)
		}
	}
	return matcher{}, fmt.Errorf("%w: %s has an invalid matcher value", model.ErrInvalidFilter, path)
}

func parseOperator(path, op string, operand any) (matcher, error) {
	invalid := func(msg string) (matcher, error) {
		return matcher{}, fmt.Errorf("%w: %s %s %s", model.ErrInvalidFilter, path, op, msg)
	}
	switch op {
	case "$startsWith", "$endsWith", "$ignoreCaseEquals":
		s, ok := operand.(string)
		if !ok {
			return invalid("requires a string")
		}
		kind := kindStartsWith
		if op == "$endsWith" {
			kind = kindEndsWith
		} else if op == "$ignoreCaseEquals" {
			kind = kindIgnoreCaseEquals
		}
		return matcher{kind: kind, str: s}, nil
	case "$exists", "$isNull":
		b, ok := operand.(bool)
		if !ok {
			return invalid("requires a boolean")
		}
		kind := kindExists
		if op == "$isNull" {
			kind = kindIsNull
		}
		return matcher{kind: kind, boolV: b}, nil
	case "$anythingBut":
		if list, ok := operand.([]any); ok {
			return matcher{kind: kindAnythingBut, values: list}, nil
		}
		return matcher{kind: kindAnythingBut, values: []any{operand}}, nil
	case "$gt", "$gte", "$lt", "$lte":
		n, ok := operand.(float64)
		if !ok {
			return invalid("requires a number")
		}
		kind := map[string]matcherKind{"$gt": kindGT, "$gte": kindGTE, "$lt": kindLT, "$lte": kindLTE}[op]
		return matcher{kind: kind, num: n}, nil
	case "$between":
		pair, ok := operand.([]any)
		if !ok || len(pair) != 2 {
			return invalid("requires a [lo, hi] array")
		}
		lo, okLo := pair[0].(float64)
		hi, okHi := pair[1].(float64)
		if !okLo || !okHi {
			return invalid("bounds must be numbers")
		}
		return matcher{kind: kindBetween, lo: lo, hi: hi}, nil
	case "$includes":
		return matcher{kind: kindIncludes, value: operand}, nil
	default:
		return invalid("is not a recognized operator")
	}
}

// Match evaluates the filter against a JSON-like document. Evaluation never
// errors; type mismatches simply fail to match.
func (f Filter) Match(doc map[string]any) bool {
	for key, n := range f {
		val, present := doc[key]
		if !matchNode(n, val, present) {
			return false
		}
	}
	return true
}

func matchNode(n node, val any, present bool) bool {
	if n.fields != nil {
		child, ok := val.(map[string]any)
		if !ok {
			return false
		}
		for key, sub := range n.fields {
			v, p := child[key]
			if !matchNode(sub, v, p) {
				return false
			}
		}
		return true
	}
	for _, m := range n.matchers {
		if matchOne(m, val, present) {
			return true
		}
	}
	return false
}

func matchOne(m matcher, val any, present bool) bool {
	switch m.kind {
	case kindExists:
		return present == m.boolV
	case kindIsNull:
		if !present {
			return m.boolV
		}
		return (val == nil) == m.boolV
	}
	if !present {
		return false
	}
	switch m.kind {
	case kindEquals:
		return jsonEqual(val, m.value)
	case kindStartsWith:
		s, ok := val.(string)
		return ok && strings.HasPrefix(s, m.str)
	case kindEndsWith:
		s, ok := val.(string)
		return ok && strings.HasSuffix(s, m.str)
	case kindIgnoreCaseEquals:
		s, ok := val.(string)
		return ok && strings.EqualFold(s, m.str)
	case kindAnythingBut:
		for _, v := range m.values {
			if jsonEqual(val, v) {
				return false
			}
		}
		return true
	case kindGT, kindGTE, kindLT, kindLTE:
		n, ok := asNumber(val)
		if !ok {
			return false
		}
		switch m.kind {
		case kindGT:
			return n > m.num
		case kindGTE:
			return n >= m.num
		case kindLT:
			return n < m.num
		default:
			return n <= m.num
		}
	case kindBetween:
		n, ok := asNumber(val)
		return ok && n >= m.lo && n <= m.hi
	case kindIncludes:
		switch v := val.(type) {
		case []any:
			for _, item := range v {
				if jsonEqual(item, m.value) {
					return true
				}
			}
			return false
		case string:
			sub, ok := m.value.(string)
			return ok && strings.Contains(v, sub)
		}
		return false
	}
	return false
}

// jsonEqual compares two JSON-decoded values structurally, treating all
// numeric types as float64.
func jsonEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !jsonEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
