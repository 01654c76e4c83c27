// Package query holds the MongoDB-style condition language used for local
// reads and sync scopes: the Query value, the authoritative evaluator and a
// converter producing index pre-filters for the local store.
package query

import (
	"encoding/json"
	"strings"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

// Condition is a condition tree. Keys are field paths or operators ("$"
// prefix); values are scalars, nested conditions or lists.
type Condition = *document.Object

// Query describes a filtered, ordered read.
type Query struct {
	Clause         Condition `json:"where,omitempty"`
	SortOrders     []string  `json:"order,omitempty"`
	Limit          int       `json:"limit"`
	Skip           int       `json:"skip,omitempty"`
	IncludeDeleted bool      `json:"includeDeleted,omitempty"`
	WantCount      bool      `json:"count,omitempty"`
	Projection     []string  `json:"projection,omitempty"`
}

// New returns an unbounded query matching everything.
func New() Query {
	return Query{Limit: -1}
}

// Where returns an unbounded query with the given clause.
func Where(clause Condition) Query {
	q := New()
	q.Clause = clause
	return q
}

// MustWhere parses a JSON clause. It panics on malformed input and is meant
// for literals.
func MustWhere(clause string) Query {
	return Where(document.MustParseObject(clause))
}

// Unmarshal decodes a persisted Query. Missing limit means unbounded.
func Unmarshal(data []byte) (Query, error) {
	q := New()
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, err
	}
	return q, nil
}

// SortKey is one parsed sort order.
type SortKey struct {
	Field      string
	Descending bool
}

// ParseSort splits a comma separated order list such as "updatedAt,-_id".
func ParseSort(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SortKeys interprets SortOrders. A leading "-" means descending.
func (q Query) SortKeys() []SortKey {
	keys := make([]SortKey, 0, len(q.SortOrders))
	for _, o := range q.SortOrders {
		if strings.HasPrefix(o, "-") {
			keys = append(keys, SortKey{Field: o[1:], Descending: true})
			continue
		}
		keys = append(keys, SortKey{Field: o})
	}
	return keys
}
