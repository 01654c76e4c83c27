package storage

// Predicate is a filter over index columns. A nil Predicate matches every row.
type Predicate interface {
	isPredicate()
}

// CompareOp is a column comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
)

// Compare matches rows where Column Op Value. Value is a string, float64 or bool.
type Compare struct {
	Column string
	Op     CompareOp
	Value  any
}

// In matches rows whose Column equals one of Values. With OrNull it also
// matches rows where Column is NULL.
type In struct {
	Column string
	Values []any
	OrNull bool
}

// And matches rows satisfying every member.
type And []Predicate

func (Compare) isPredicate() {}
func (In) isPredicate()      {}
func (And) isPredicate()     {}

// Conjoin combines predicates, dropping nils. It returns nil when nothing is
// left and the single member when only one remains.
func Conjoin(preds ...Predicate) Predicate {
	var out And
	for _, p := range preds {
		switch t := p.(type) {
		case nil:
		case And:
			out = append(out, t...)
		default:
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// Columns lists every column referenced by p.
func Columns(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch t := p.(type) {
		case Compare:
			out = append(out, t.Column)
		case In:
			out = append(out, t.Column)
		case And:
			for _, m := range t {
				walk(m)
			}
		}
	}
	walk(p)
	return out
}

// Evaluate applies p to a row's index column values with SQL semantics: a
// NULL column never satisfies a comparison.
func Evaluate(p Predicate, cols map[string]any) bool {
	switch t := p.(type) {
	case nil:
		return true
	case Compare:
		v := cols[t.Column]
		if v == nil {
			return false
		}
		c, ok := compareScalar(v, t.Value)
		if !ok {
			return false
		}
		switch t.Op {
		case OpEq:
			return c == 0
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		}
		return false
	case In:
		v := cols[t.Column]
		if v == nil {
			return t.OrNull
		}
		for _, cand := range t.Values {
			if c, ok := compareScalar(v, cand); ok && c == 0 {
				return true
			}
		}
		return false
	case And:
		for _, m := range t {
			if !Evaluate(m, cols) {
				return false
			}
		}
		return true
	}
	return false
}

func compareScalar(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		if !x {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}
