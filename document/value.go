// Package document defines the payload model shared by local storage, the
// query evaluator and the wire codec: a closed set of value kinds with
// insertion-ordered objects.
package document

import (
	"fmt"
	"math"
	"sort"
)

// Kind enumerates the variants a Value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Reserved document fields maintained by the server.
const (
	FieldID        = "_id"
	FieldETag      = "etag"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldACL       = "ACL"
	FieldDeleted   = "_deleted"
)

// Value is an immutable tagged variant. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  *Object
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func Int(i int64) Value { return Value{kind: KindNumber, n: float64(i)} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func ArrayOf(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }
func ObjectOf(o *Object) Value {
	if o == nil {
		return Null()
	}
	return Value{kind: KindObject, obj: o}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Num() float64 { return v.n }
func (v Value) Str() string { return v.s }
func (v Value) Array() []Value { return v.arr }
func (v Value) Object() *Object { return v.obj }
func (v Value) IsScalar() bool { return v.kind != KindArray && v.kind != KindObject }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Clone()
		}
		return ArrayOf(out...)
	case KindObject:
		return ObjectOf(v.obj.Clone())
	default:
		return v
	}
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

// Equal reports deep equality. Object key order is not significant.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return a.obj.Equal(b.obj)
	}
	return false
}

// Compare orders two values of the same comparable kind. Numbers compare
// numerically and strings lexicographically by byte. ok is false for any
// other combination.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindNumber:
		if math.IsNaN(a.n) || math.IsNaN(b.n) {
			return 0, false
		}
		switch {
		case a.n < b.n:
			return -1, true
		case a.n > b.n:
			return 1, true
		}
		return 0, true
	case KindString:
		switch {
		case a.s < b.s:
			return -1, true
		case a.s > b.s:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// SortRank gives a total order across kinds for result sorting:
// missing/null < numbers < strings < objects < arrays < booleans.
func SortRank(v Value) int {
	switch v.kind {
	case KindNull:
		return 0
	case KindNumber:
		return 1
	case KindString:
		return 2
	case KindObject:
		return 3
	case KindArray:
		return 4
	case KindBool:
		return 5
	}
	return 6
}

// SortCompare is a total order used by query sorting.
func SortCompare(a, b Value) int {
	ra, rb := SortRank(a), SortRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if c, ok := Compare(a, b); ok {
		return c
	}
	if a.kind == KindBool && a.b != b.b {
		if !a.b {
			return -1
		}
		return 1
	}
	return 0
}

// FromAny converts decoded Go values (as produced by encoding/json or
// literals in code) into a Value. Map keys are sorted to make the result
// deterministic.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Object:
		return ObjectOf(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case []Value:
		return ArrayOf(t...), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return ArrayOf(out...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		o := NewObject()
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Value{}, err
			}
			o.Set(k, v)
		}
		return ObjectOf(o), nil
	}
	return Value{}, fmt.Errorf("document: unsupported type %T", x)
}

// MustFromAny is FromAny for literals known to be valid.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToAny converts v back into plain Go values. Object order is lost.
func ToAny(v Value) any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = ToAny(e)
		}
		return out
	case KindObject:
		out := make(map[string]any, v.obj.Len())
		v.obj.Range(func(k string, e Value) bool {
			out[k] = ToAny(e)
			return true
		})
		return out
	}
	return nil
}
