// Package condition implements the shared condition language used by step
// skip/branch logic and by policy checks. A condition is either a single
// (field, op, value) triple, a logic group of nested conditions, or a CEL
// expression for cases the operator set cannot express.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Operators supported by Evaluate. The same set is used by step conditions
// and policy check conditions.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGte      = "gte"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
	OpMatches  = "matches"
)

// Condition is a single field comparison. Field is a dot path resolved
// against the evaluation data (e.g. "input.amount", "state.status",
// "previous.fetch_step.output.code").
type Condition struct {
	Field string      `json:"field" yaml:"field"`
	Op    string      `json:"op" yaml:"op"`
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Group combines conditions with and/or/not logic. A Group with both
// Conditions and Groups evaluates all of them under the same logic.
type Group struct {
	Logic      string      `json:"logic" yaml:"logic"` // and, or, not
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Groups     []Group     `json:"groups,omitempty" yaml:"groups,omitempty"`
}

var regexCache sync.Map // pattern -> *regexp.Regexp

// Evaluate runs a single condition against data.
func Evaluate(c Condition, data map[string]interface{}) (bool, error) {
	val, found := ResolvePath(data, c.Field)

	switch c.Op {
	case OpExists:
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return found == want, nil
	case OpEq:
		return found && looseEqual(val, c.Value), nil
	case OpNeq:
		return !found || !looseEqual(val, c.Value), nil
	case OpGt, OpLt, OpGte, OpLte:
		if !found {
			return false, nil
		}
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition: %s requires numeric operands (field %s)", c.Op, c.Field)
		}
		switch c.Op {
		case OpGt:
			return a > b, nil
		case OpLt:
			return a < b, nil
		case OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		if !found {
			return false, nil
		}
		return contains(val, c.Value), nil
	case OpMatches:
		if !found {
			return false, nil
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("condition: matches requires a string pattern (field %s)", c.Field)
		}
		re, err := compiledRegex(pattern)
		if err != nil {
			return false, fmt.Errorf("condition: invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(fmt.Sprintf("%v", val)), nil
	default:
		return false, fmt.Errorf("condition: unknown operator %q", c.Op)
	}
}

// EvaluateGroup runs a logic group against data.
func EvaluateGroup(g Group, data map[string]interface{}) (bool, error) {
	results := make([]bool, 0, len(g.Conditions)+len(g.Groups))
	for _, c := range g.Conditions {
		r, err := Evaluate(c, data)
		if err != nil {
			return false, err
		}
		results = append(results, r)
	}
	for _, sub := range g.Groups {
		r, err := EvaluateGroup(sub, data)
		if err != nil {
			return false, err
		}
		results = append(results, r)
	}

	switch strings.ToLower(g.Logic) {
	case "", "and":
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return len(results) == 0, nil
	case "not":
		for _, r := range results {
			if r {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("condition: unknown logic %q", g.Logic)
	}
}

// ResolvePath walks a dot path through nested maps. It returns the value and
// whether the full path resolved. Slices can be indexed with a numeric
// segment ("items.0.id").
func ResolvePath(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func compiledRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// looseEqual compares with numeric coercion so YAML ints match JSON floats.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
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
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == fmt.Sprintf("%v", needle) {
				return true
			}
		}
	case map[string]interface{}:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[key]
		return present
	}
	return false
}
