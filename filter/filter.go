// Package filter evaluates Mongo-style document predicates and applies
// dot-path field exclusion. It backs subscription matching in the
// dispatcher and payload masking in the webhook pipeline.
//
// Supported operators: equality plus $eq $ne $gt $gte $lt $lte $in $nin
// $regex $exists. Unknown operators are logged and treated as mismatches so
// a typo in a filter can never turn into a match-everything rule.
package filter

import (
	"reflect"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// Evaluator matches documents against predicates.
type Evaluator struct {
	logger *log.Logger
}

// New creates an Evaluator.
func New(logger *log.Logger) *Evaluator {
	return &Evaluator{logger: logger.Named("filter")}
}

// Matches reports whether doc satisfies the predicate. A nil or empty
// predicate matches everything; a nil doc only matches the empty predicate.
func (e *Evaluator) Matches(doc types.Document, predicate types.Document) bool {
	if len(predicate) == 0 {
		return true
	}
	if doc == nil {
		return false
	}

	for field, condition := range predicate {
		value, exists := Lookup(doc, field)
		if !e.matchField(field, value, exists, condition) {
			return false
		}
	}
	return true
}

// matchField evaluates one field condition: either an operator document or
// a literal equality.
func (e *Evaluator) matchField(field string, value any, exists bool, condition any) bool {
	ops, isOps := operatorDoc(condition)
	if !isOps {
		return exists && equal(value, condition)
	}

	for op, operand := range ops {
		if !e.applyOperator(field, op, value, exists, operand) {
			return false
		}
	}
	return true
}

func (e *Evaluator) applyOperator(field, op string, value any, exists bool, operand any) bool {
	switch op {
	case "$eq":
		return exists && equal(value, operand)
	case "$ne":
		return !exists || !equal(value, operand)
	case "$gt":
		return exists && compare(value, operand) > 0
	case "$gte":
		return exists && compare(value, operand) >= 0
	case "$lt":
		return exists && compare(value, operand) < 0
	case "$lte":
		return exists && compare(value, operand) <= 0
	case "$in":
		return exists && contains(operand, value)
	case "$nin":
		return !exists || !contains(operand, value)
	case "$exists":
		want, _ := operand.(bool)
		return exists == want
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false
		}
		str, ok := value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.logger.Warn("invalid regex in filter",
				zap.String("field", field),
				zap.String("pattern", pattern),
				zap.Error(err))
			return false
		}
		return re.MatchString(str)
	default:
		e.logger.Warn("unknown filter operator, treating as mismatch",
			zap.String("field", field),
			zap.String("operator", op))
		return false
	}
}

// operatorDoc reports whether condition is a document whose keys are all
// operators. Mixed documents are treated as literal equality, matching the
// document store's own semantics.
func operatorDoc(condition any) (map[string]any, bool) {
	m, ok := condition.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// equal compares two values with numeric coercion, so a filter's 42 matches
// a stored 42.0. Non-scalar values (arrays, nested documents) compare
// structurally; a plain interface comparison would panic on them.
func equal(a, b any) bool {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		return bok && na == nb
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values: numbers numerically, strings lexically.
// Incomparable pairs order as equal-to-nothing (returns +2 sentinel handled
// by callers through strict comparisons failing).
func compare(a, b any) int {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	if sa, aok := a.(string); aok {
		if sb, bok := b.(string); bok {
			return strings.Compare(sa, sb)
		}
	}
	// Incomparable types never satisfy an ordering operator.
	return -2
}

func contains(operand, value any) bool {
	list, ok := operand.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if equal(value, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Lookup resolves a dot-path field against a document. Returns the value
// and whether the full path exists.
func Lookup(doc types.Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(doc)

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Exclude returns a deep copy of doc with the given dot-path fields
// removed. The original document is never mutated.
func Exclude(doc types.Document, paths []string) types.Document {
	if doc == nil {
		return nil
	}
	copied := deepCopy(map[string]any(doc)).(map[string]any)
	for _, path := range paths {
		removePath(copied, strings.Split(path, "."))
	}
	return copied
}

func removePath(m map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		delete(m, parts[0])
		return
	}
	child, ok := m[parts[0]].(map[string]any)
	if !ok {
		return
	}
	removePath(child, parts[1:])
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
