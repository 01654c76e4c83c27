package query

import (
	"sort"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

// Sort orders docs in place by the query's sort keys. Missing fields sort
// with nulls. The sort is stable so ties keep scan order.
func Sort(docs []*document.Object, keys []SortKey) {
	SortBy(docs, func(d *document.Object) *document.Object { return d }, keys)
}

// SortBy is Sort over any item that carries a document.
func SortBy[T any](items []T, doc func(T) *document.Object, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := doc(items[i]), doc(items[j])
		for _, k := range keys {
			a, _ := document.Lookup(di, k.Field)
			b, _ := document.Lookup(dj, k.Field)
			c := document.SortCompare(a, b)
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Window applies skip and limit to an already sorted match set.
func Window[T any](items []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(items) {
			return items[:0]
		}
		items = items[skip:]
	}
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Project keeps only the listed top-level fields plus _id. An empty list
// returns doc unchanged.
func Project(doc *document.Object, fields []string) *document.Object {
	if len(fields) == 0 {
		return doc
	}
	keep := make(map[string]bool, len(fields)+1)
	keep[document.FieldID] = true
	for _, f := range fields {
		keep[f] = true
	}
	out := document.NewObject()
	doc.Range(func(k string, v document.Value) bool {
		if keep[k] {
			out.Set(k, v)
		}
		return true
	})
	return out
}
