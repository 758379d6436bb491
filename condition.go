package pdp

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConditionKind discriminates the closed set of condition shapes.
// Shapes are classified once, when a policy is parsed or saved, so
// evaluation never re-inspects raw JSON.
type ConditionKind uint8

const (
	// ConditionLiteral compares against a scalar.
	ConditionLiteral ConditionKind = iota + 1
	// ConditionRange checks min <= value <= max numerically.
	ConditionRange
	// ConditionContains checks substring or slice membership.
	ConditionContains
	// ConditionInSet checks membership in an enumerated set.
	ConditionInSet
)

// numericTolerance absorbs float round-trips through JSON and string
// conversion when comparing numbers.
const numericTolerance = 1e-4

// complexityDepthLimit caps structural scoring: anything nested deeper
// is scored as maximally complex instead of being walked further.
const complexityDepthLimit = 10

const maxComplexityScore = 100

// ConditionValue is one attribute check inside a policy's condition
// map. All checks on a policy are ANDed.
type ConditionValue struct {
	Kind     ConditionKind
	Literal  any     // ConditionLiteral: string, bool or float64
	Min, Max float64 // ConditionRange
	Contains string  // ConditionContains
	In       []string
}

func (c ConditionValue) clone() ConditionValue {
	c.In = append([]string(nil), c.In...)
	return c
}

// Literal constructors used by builders and tests.

func LiteralCondition(v any) ConditionValue {
	switch n := v.(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float32:
		v = float64(n)
	}
	return ConditionValue{Kind: ConditionLiteral, Literal: v}
}

func RangeCondition(min, max float64) ConditionValue {
	return ConditionValue{Kind: ConditionRange, Min: min, Max: max}
}

func ContainsCondition(s string) ConditionValue {
	return ConditionValue{Kind: ConditionContains, Contains: s}
}

func InSetCondition(values ...string) ConditionValue {
	return ConditionValue{Kind: ConditionInSet, In: values}
}

// ParseConditionValue classifies a decoded JSON/YAML value into one of
// the supported condition shapes. Scalars become literals, arrays
// become sets, objects are recognized by their keys: {"min","max"},
// {"contains"} or {"in"}. Anything else is rejected so malformed
// conditions fail at save time, not at evaluation time.
func ParseConditionValue(raw any) (ConditionValue, error) {
	switch v := raw.(type) {
	case string:
		return ConditionValue{Kind: ConditionLiteral, Literal: v}, nil
	case bool:
		return ConditionValue{Kind: ConditionLiteral, Literal: v}, nil
	case float64:
		return ConditionValue{Kind: ConditionLiteral, Literal: v}, nil
	case int:
		return ConditionValue{Kind: ConditionLiteral, Literal: float64(v)}, nil
	case int64:
		return ConditionValue{Kind: ConditionLiteral, Literal: float64(v)}, nil
	case []any:
		set := make([]string, 0, len(v))
		for _, item := range v {
			set = append(set, stringify(item))
		}
		return ConditionValue{Kind: ConditionInSet, In: set}, nil
	case []string:
		return ConditionValue{Kind: ConditionInSet, In: append([]string(nil), v...)}, nil
	case map[string]any:
		return parseConditionObject(v)
	default:
		return ConditionValue{}, fmt.Errorf("%w: unsupported value %T", ErrInvalidConditionKey, raw)
	}
}

func parseConditionObject(obj map[string]any) (ConditionValue, error) {
	minRaw, hasMin := obj["min"]
	maxRaw, hasMax := obj["max"]
	if hasMin && hasMax {
		min, okMin := toFloat(minRaw)
		max, okMax := toFloat(maxRaw)
		if !okMin || !okMax {
			return ConditionValue{}, fmt.Errorf("%w: range bounds must be numeric", ErrInvalidConditionKey)
		}
		if min > max {
			return ConditionValue{}, fmt.Errorf("%w: range min %v exceeds max %v", ErrInvalidConditionKey, min, max)
		}
		return ConditionValue{Kind: ConditionRange, Min: min, Max: max}, nil
	}
	if hasMin != hasMax {
		return ConditionValue{}, fmt.Errorf("%w: range requires both min and max", ErrInvalidConditionKey)
	}
	if c, ok := obj["contains"]; ok {
		return ConditionValue{Kind: ConditionContains, Contains: stringify(c)}, nil
	}
	if in, ok := obj["in"]; ok {
		items, ok := in.([]any)
		if !ok {
			return ConditionValue{}, fmt.Errorf("%w: in requires an array", ErrInvalidConditionKey)
		}
		set := make([]string, 0, len(items))
		for _, item := range items {
			set = append(set, stringify(item))
		}
		return ConditionValue{Kind: ConditionInSet, In: set}, nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return ConditionValue{}, fmt.Errorf("%w: unrecognized shape with keys %v", ErrInvalidConditionKey, keys)
}

func (c *ConditionValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseConditionValue(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c ConditionValue) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ConditionLiteral:
		return json.Marshal(c.Literal)
	case ConditionRange:
		return json.Marshal(map[string]float64{"min": c.Min, "max": c.Max})
	case ConditionContains:
		return json.Marshal(map[string]string{"contains": c.Contains})
	case ConditionInSet:
		return json.Marshal(map[string][]string{"in": c.In})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidConditionKey, c.Kind)
	}
}

func (c *ConditionValue) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseConditionValue(normalizeYAML(raw))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// normalizeYAML reshapes yaml.v3 output (map[string]any with int
// scalars) into the forms ParseConditionValue expects.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeYAML(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

// Matches evaluates one attribute value against the condition.
func (c ConditionValue) Matches(attr any) bool {
	switch c.Kind {
	case ConditionLiteral:
		return matchLiteral(c.Literal, attr)
	case ConditionRange:
		n, ok := toFloat(attr)
		return ok && n >= c.Min-numericTolerance && n <= c.Max+numericTolerance
	case ConditionContains:
		return matchContains(c.Contains, attr)
	case ConditionInSet:
		s := stringify(attr)
		for _, item := range c.In {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchLiteral(want, attr any) bool {
	switch w := want.(type) {
	case bool:
		b, ok := attr.(bool)
		return ok && b == w
	case float64:
		n, ok := toFloat(attr)
		return ok && math.Abs(n-w) <= numericTolerance
	default:
		return stringify(attr) == stringify(want)
	}
}

func matchContains(needle string, attr any) bool {
	switch v := attr.(type) {
	case []any:
		for _, item := range v {
			if stringify(item) == needle {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if item == needle {
				return true
			}
		}
		return false
	default:
		return strings.Contains(stringify(attr), needle)
	}
}

// EvaluateConditions applies every condition against the request
// attributes and returns the keys that failed. A missing attribute key
// fails its condition; an empty condition map always passes.
func EvaluateConditions(conds map[string]ConditionValue, attrs map[string]any) (bool, []string) {
	if len(conds) == 0 {
		return true, nil
	}
	var failed []string
	for key, cond := range conds {
		attr, ok := attrs[key]
		if !ok || !cond.Matches(attr) {
			failed = append(failed, key)
		}
	}
	sort.Strings(failed)
	return len(failed) == 0, failed
}

// ConditionComplexity scores a condition map structurally: one point
// per map, list and scalar node, with maps and lists adding their
// children. Nesting beyond the depth limit short-circuits to the cap.
func ConditionComplexity(conds map[string]ConditionValue) int {
	if len(conds) == 0 {
		return 0
	}
	score := 1
	for _, c := range conds {
		score += conditionNodeComplexity(c, 1)
	}
	if score > maxComplexityScore {
		return maxComplexityScore
	}
	return score
}

func conditionNodeComplexity(c ConditionValue, depth int) int {
	if depth > complexityDepthLimit {
		return maxComplexityScore
	}
	switch c.Kind {
	case ConditionRange:
		// one object node plus two bounds
		return 3
	case ConditionContains:
		return 2
	case ConditionInSet:
		// object node, list node, one per element
		return 2 + len(c.In)
	default:
		return 1
	}
}

func toFloat(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
