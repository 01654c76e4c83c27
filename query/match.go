package query

import (
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

// Match reports whether doc satisfies cond. A nil condition matches every
// document. Unknown operators never match. Match is pure and safe for
// concurrent use.
func Match(doc *document.Object, cond Condition) bool {
	matched := true
	cond.Range(func(key string, operand document.Value) bool {
		matched = matchKey(doc, key, operand)
		return matched
	})
	return matched
}

func matchKey(doc *document.Object, key string, operand document.Value) bool {
	switch key {
	case "$and":
		subs, ok := subConditions(operand)
		if !ok {
			return false
		}
		for _, sub := range subs {
			if !Match(doc, sub) {
				return false
			}
		}
		return true
	case "$or":
		subs, ok := subConditions(operand)
		if !ok {
			return false
		}
		for _, sub := range subs {
			if Match(doc, sub) {
				return true
			}
		}
		return false
	case "$nor":
		subs, ok := subConditions(operand)
		if !ok {
			return false
		}
		for _, sub := range subs {
			if Match(doc, sub) {
				return false
			}
		}
		return true
	case "$not":
		if operand.Kind() != document.KindObject {
			return false
		}
		return !Match(doc, operand.Object())
	}
	if isOperator(key) {
		return false
	}
	field, found := document.Lookup(doc, key)
	return matchField(field, found, operand)
}

func subConditions(v document.Value) ([]Condition, bool) {
	if v.Kind() != document.KindArray {
		return nil, false
	}
	out := make([]Condition, 0, len(v.Array()))
	for _, e := range v.Array() {
		if e.Kind() != document.KindObject {
			return nil, false
		}
		out = append(out, e.Object())
	}
	return out, true
}

func isOperator(key string) bool {
	return strings.HasPrefix(key, "$")
}

// isOperatorObject reports whether every key of v is an operator.
func isOperatorObject(v document.Value) bool {
	if v.Kind() != document.KindObject || v.Object().Len() == 0 {
		return false
	}
	all := true
	v.Object().Range(func(k string, _ document.Value) bool {
		all = isOperator(k)
		return all
	})
	return all
}

func matchField(field document.Value, found bool, operand document.Value) bool {
	if operand.IsNull() {
		return !found || field.IsNull()
	}
	if found && document.Equal(field, operand) {
		return true
	}
	if isOperatorObject(operand) {
		return matchOperators(field, found, operand.Object())
	}
	if operand.Kind() == document.KindArray && found && field.Kind() == document.KindArray {
		return containsAll(field.Array(), operand.Array())
	}
	return false
}

// matchEqual is direct equality with null matching a missing field.
func matchEqual(field document.Value, found bool, operand document.Value) bool {
	if operand.IsNull() {
		return !found || field.IsNull()
	}
	return found && document.Equal(field, operand)
}

func matchOperators(field document.Value, found bool, ops *document.Object) bool {
	matched := true
	ops.Range(func(op string, arg document.Value) bool {
		matched = matchOperator(field, found, op, arg, ops)
		return matched
	})
	return matched
}

func matchOperator(field document.Value, found bool, op string, arg document.Value, ops *document.Object) bool {
	switch op {
	case "$eq":
		return matchEqual(field, found, arg)
	case "$ne":
		return !matchEqual(field, found, arg)
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false
		}
		c, ok := document.Compare(field, arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	case "$in":
		if arg.Kind() != document.KindArray {
			return false
		}
		return matchIn(field, found, arg.Array())
	case "$nin":
		if arg.Kind() != document.KindArray {
			return false
		}
		return !matchIn(field, found, arg.Array())
	case "$all":
		if arg.Kind() != document.KindArray || len(arg.Array()) == 0 {
			return false
		}
		if !found || field.Kind() != document.KindArray {
			return false
		}
		return containsAll(field.Array(), arg.Array())
	case "$exists":
		return found == truthy(arg)
	case "$regex":
		if !found || field.Kind() != document.KindString || arg.Kind() != document.KindString {
			return false
		}
		options := ops.GetString("$options")
		re, err := compileRegex(arg.Str(), options)
		if err != nil {
			return false
		}
		return re.MatchString(field.Str())
	case "$options":
		// Consumed by $regex.
		return ops.Has("$regex")
	case "$not":
		if !isOperatorObject(arg) {
			return false
		}
		return !matchOperators(field, found, arg.Object())
	}
	return false
}

// matchIn matches when the field, or any element of a list-valued field,
// equals any candidate.
func matchIn(field document.Value, found bool, candidates []document.Value) bool {
	for _, c := range candidates {
		if matchEqual(field, found, c) {
			return true
		}
	}
	if !found || field.Kind() != document.KindArray {
		return false
	}
	for _, elem := range field.Array() {
		for _, c := range candidates {
			if document.Equal(elem, c) {
				return true
			}
		}
	}
	return false
}

func containsAll(haystack, needles []document.Value) bool {
	for _, n := range needles {
		present := false
		for _, h := range haystack {
			if document.Equal(h, n) {
				present = true
				break
			}
		}
		if !present {
			return false
		}
	}
	return true
}

func truthy(v document.Value) bool {
	switch v.Kind() {
	case document.KindBool:
		return v.Bool()
	case document.KindNumber:
		return v.Num() != 0
	case document.KindNull:
		return false
	}
	return true
}
