package document

import (
	"strconv"
	"strings"
)

// Lookup resolves a dot-separated path against doc. Each segment is an object
// key, or an index when the current value is an array and the segment is a
// non-negative integer. found is false when any segment is missing, which is
// distinct from a present null.
func Lookup(doc *Object, path string) (v Value, found bool) {
	if doc == nil {
		return Value{}, false
	}
	cur := ObjectOf(doc)
	for _, seg := range strings.Split(path, ".") {
		switch cur.Kind() {
		case KindObject:
			next, ok := cur.Object().Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = next
		case KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.Array()) {
				return Value{}, false
			}
			cur = cur.Array()[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}
