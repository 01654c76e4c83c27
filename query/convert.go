package query

import (
	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/storage"
)

// Convert derives an index pre-filter from cond. The result never rejects a
// document whose indexed fields hold values of their declared type and that
// Match would accept; it may admit documents Match rejects, so callers must
// re-check every row. A nil result means "scan everything".
//
// Only top-level fields and $and are considered. Other logical operators,
// non-indexed fields, null operands and operands whose type differs from the
// index type are dropped rather than narrowed.
func Convert(cond Condition, indexes storage.IndexDefinitions) storage.Predicate {
	if len(indexes) == 0 {
		return nil
	}
	var preds []storage.Predicate
	cond.Range(func(key string, operand document.Value) bool {
		if key == "$and" {
			subs, ok := subConditions(operand)
			if !ok {
				return true
			}
			for _, sub := range subs {
				preds = append(preds, Convert(sub, indexes))
			}
			return true
		}
		if isOperator(key) {
			return true
		}
		t, indexed := indexes[key]
		if !indexed {
			return true
		}
		preds = append(preds, convertField(storage.IndexColumn(key, t), t, operand))
		return true
	})
	return storage.Conjoin(preds...)
}

func convertField(column string, t storage.IndexType, operand document.Value) storage.Predicate {
	if !isOperatorObject(operand) {
		val, ok := storage.IndexValue(t, operand)
		if !ok {
			return nil
		}
		return storage.Compare{Column: column, Op: storage.OpEq, Value: val}
	}

	var preds []storage.Predicate
	operand.Object().Range(func(op string, arg document.Value) bool {
		switch op {
		case "$eq":
			if val, ok := storage.IndexValue(t, arg); ok {
				preds = append(preds, storage.Compare{Column: column, Op: storage.OpEq, Value: val})
			}
		case "$gt", "$gte", "$lt", "$lte":
			if t == storage.IndexBoolean {
				return true
			}
			if val, ok := storage.IndexValue(t, arg); ok {
				preds = append(preds, storage.Compare{Column: column, Op: rangeOps[op], Value: val})
			}
		case "$in":
			if in, ok := convertIn(column, t, arg); ok {
				preds = append(preds, in)
			}
		}
		return true
	})
	return storage.Conjoin(preds...)
}

var rangeOps = map[string]storage.CompareOp{
	"$gt":  storage.OpGt,
	"$gte": storage.OpGte,
	"$lt":  storage.OpLt,
	"$lte": storage.OpLte,
}

func convertIn(column string, t storage.IndexType, arg document.Value) (storage.Predicate, bool) {
	if arg.Kind() != document.KindArray || len(arg.Array()) == 0 {
		return nil, false
	}
	values := make([]any, 0, len(arg.Array()))
	for _, cand := range arg.Array() {
		val, ok := storage.IndexValue(t, cand)
		if !ok {
			// A null or differently typed candidate can match rows the
			// column cannot describe.
			return nil, false
		}
		values = append(values, val)
	}
	// A list-valued field is stored as NULL but $in matches its elements.
	return storage.In{Column: column, Values: values, OrNull: true}, true
}
