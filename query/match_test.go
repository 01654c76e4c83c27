package query

import (
	"errors"
	"regexp/syntax"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

var person = document.MustParseObject(`{
	"_id": "p1",
	"name": "Alice",
	"age": 30,
	"nick": null,
	"tags": ["admin", "dev"],
	"address": {"city": "Tokyo", "zip": "100-0001"},
	"scores": [{"v": 7}, {"v": 9}],
	"bio": "first line\nSecond line"
}`)

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"empty condition", `{}`, true},
		{"scalar equality", `{"name":"Alice"}`, true},
		{"scalar mismatch", `{"name":"Bob"}`, false},
		{"number equality across int and float", `{"age":30.0}`, true},
		{"nested document equality", `{"address":{"zip":"100-0001","city":"Tokyo"}}`, true},
		{"dot path", `{"address.city":"Tokyo"}`, true},
		{"array index path", `{"scores.1.v":9}`, true},
		{"array index out of range", `{"scores.5.v":9}`, false},
		{"null matches missing", `{"missing":null}`, true},
		{"null matches explicit null", `{"nick":null}`, true},
		{"null does not match value", `{"name":null}`, false},
		{"exists true on null field", `{"nick":{"$exists":true}}`, true},
		{"exists false on missing", `{"missing":{"$exists":false}}`, true},
		{"exists true on missing", `{"missing":{"$exists":true}}`, false},
		{"gt", `{"age":{"$gt":29}}`, true},
		{"gte boundary", `{"age":{"$gte":30}}`, true},
		{"lt boundary", `{"age":{"$lt":30}}`, false},
		{"range conjunction", `{"age":{"$gt":20,"$lte":30}}`, true},
		{"string comparison", `{"name":{"$gt":"Aaron","$lt":"Bob"}}`, true},
		{"mixed type comparison never matches", `{"age":{"$gt":"10"}}`, false},
		{"comparison on missing", `{"missing":{"$lt":5}}`, false},
		{"eq", `{"age":{"$eq":30}}`, true},
		{"ne", `{"age":{"$ne":30}}`, false},
		{"ne on missing", `{"missing":{"$ne":1}}`, true},
		{"in scalar", `{"age":{"$in":[1,30]}}`, true},
		{"in array field", `{"tags":{"$in":["guest","dev"]}}`, true},
		{"in no match", `{"tags":{"$in":["guest"]}}`, false},
		{"in null matches missing", `{"missing":{"$in":[null]}}`, true},
		{"nin", `{"tags":{"$nin":["guest"]}}`, true},
		{"nin hit", `{"age":{"$nin":[30]}}`, false},
		{"all", `{"tags":{"$all":["dev","admin"]}}`, true},
		{"all missing element", `{"tags":{"$all":["dev","root"]}}`, false},
		{"all on scalar", `{"name":{"$all":["Alice"]}}`, false},
		{"list operand exact", `{"tags":["admin","dev"]}`, true},
		{"list operand containment", `{"tags":["dev"]}`, true},
		{"list operand not contained", `{"tags":["ops"]}`, false},
		{"scalar does not match inside array", `{"tags":"dev"}`, false},
		{"regex", `{"name":{"$regex":"^Al"}}`, true},
		{"regex case sensitive", `{"name":{"$regex":"^al"}}`, false},
		{"regex option i", `{"name":{"$regex":"^al","$options":"i"}}`, true},
		{"regex option m", `{"bio":{"$regex":"^Second","$options":"m"}}`, true},
		{"regex without m", `{"bio":{"$regex":"^Second"}}`, false},
		{"regex option s", `{"bio":{"$regex":"line.Second","$options":"s"}}`, true},
		{"regex option x", `{"name":{"$regex":"A l i c e # the name","$options":"x"}}`, true},
		{"regex on number", `{"age":{"$regex":"3"}}`, false},
		{"regex bad option", `{"name":{"$regex":"A","$options":"q"}}`, false},
		{"field not", `{"age":{"$not":{"$gt":40}}}`, true},
		{"and", `{"$and":[{"name":"Alice"},{"age":30}]}`, true},
		{"and with miss", `{"$and":[{"name":"Alice"},{"age":31}]}`, false},
		{"or", `{"$or":[{"name":"Bob"},{"age":30}]}`, true},
		{"or none", `{"$or":[{"name":"Bob"},{"age":31}]}`, false},
		{"nor", `{"$nor":[{"name":"Bob"},{"age":31}]}`, true},
		{"top level not", `{"$not":{"name":"Bob"}}`, true},
		{"unknown operator", `{"age":{"$near":30}}`, false},
		{"unknown top level operator", `{"$where":"true"}`, false},
		{"malformed and", `{"$and":{"name":"Alice"}}`, false},
		{"multiple fields all must match", `{"name":"Alice","age":31}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := document.MustParseObject(tt.cond)
			assert.Equal(t, tt.want, Match(person, cond))
			// Deterministic on repeat.
			assert.Equal(t, tt.want, Match(person, cond))
		})
	}
}

func TestMatchNilCondition(t *testing.T) {
	assert.True(t, Match(person, nil))
}

func TestNullVersusExists(t *testing.T) {
	missing := document.MustParseObject(`{"a":1}`)
	explicit := document.MustParseObject(`{"a":1,"b":null}`)
	isNull := document.MustParseObject(`{"b":null}`)
	exists := document.MustParseObject(`{"b":{"$exists":true}}`)

	assert.Equal(t, Match(missing, isNull), Match(explicit, isNull))
	assert.NotEqual(t, Match(missing, exists), Match(explicit, exists))
}

func TestStripExtended(t *testing.T) {
	assert.Equal(t, "abc", stripExtended("a b\tc"))
	assert.Equal(t, `a\ b`, stripExtended(`a\ b # trailing`))
	assert.Equal(t, "[ x]y", stripExtended("[ x] y"))
	assert.Equal(t, "ab", stripExtended("a # one\nb"))
}

func TestCompileRegexOptions(t *testing.T) {
	re, err := compileRegex("^al", "ii")
	require.NoError(t, err)
	assert.True(t, re.MatchString("Alice"))

	_, err = compileRegex("a", "iq")
	var serr *syntax.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, syntax.ErrInvalidPerlOp, serr.Code)
	assert.Equal(t, "q", serr.Expr)
}

func TestSortAndWindow(t *testing.T) {
	docs := []*document.Object{
		document.MustParseObject(`{"_id":"a","n":3,"g":"x"}`),
		document.MustParseObject(`{"_id":"b","n":1,"g":"y"}`),
		document.MustParseObject(`{"_id":"c","g":"x"}`),
		document.MustParseObject(`{"_id":"d","n":2,"g":"x"}`),
	}
	q := Query{SortOrders: []string{"g", "-n"}, Limit: -1}
	Sort(docs, q.SortKeys())

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.GetString("_id")
	}
	assert.Equal(t, []string{"a", "d", "c", "b"}, ids)

	assert.Equal(t, []string{"d", "c"}, Window(ids, 1, 2))
	assert.Empty(t, Window(ids, 10, -1))
	assert.Equal(t, ids, Window(ids, 0, -1))
}

func TestProject(t *testing.T) {
	got := Project(person, []string{"name", "age"})
	assert.Equal(t, []string{"_id", "name", "age"}, got.Keys())
	assert.Same(t, person, Project(person, nil))
}

func TestQueryJSONRoundTrip(t *testing.T) {
	q := MustWhere(`{"age":{"$gte":21}}`)
	q.SortOrders = []string{"-age"}
	q.IncludeDeleted = true

	data, err := q.Clause.MarshalJSON()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"age":{"$gte":21}}`, string(data))

	back, err := Unmarshal([]byte(`{"where":{"age":{"$gte":21}},"order":["-age"],"includeDeleted":true}`))
	assert.NoError(t, err)
	assert.Equal(t, -1, back.Limit)
	assert.True(t, back.IncludeDeleted)
	assert.Equal(t, []string{"-age"}, back.SortOrders)
	assert.True(t, back.Clause.Equal(q.Clause))

	assert.Equal(t, []string{"updatedAt", "-_id"}, ParseSort(" updatedAt, -_id ,"))
}
