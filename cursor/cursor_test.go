package cursor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/query"
)

func TestWireFormat_KnownFormats(t *testing.T) {
	tests := []struct {
		name     string
		cursor   Cursor
		expected string
	}{
		{"zero integer", IntegerCursor{Seq: 0}, `{"kind":"integer","data":0}`},
		{"integer", IntegerCursor{Seq: 42}, `{"kind":"integer","data":42}`},
		{"divide", DivideCursor{UpdatedAt: "2024-01-02T03:04:05.000Z", ID: "abc"},
			`{"kind":"divide","data":{"updatedAt":"2024-01-02T03:04:05.000Z","_id":"abc"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := MarshalWire(tt.cursor)
			require.NoError(t, err)

			wireJSON, err := json.Marshal(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(wireJSON))

			var wc WireCursor
			require.NoError(t, json.Unmarshal([]byte(tt.expected), &wc))
			restored, err := UnmarshalWire(&wc)
			require.NoError(t, err)
			assert.Equal(t, tt.cursor, restored)
		})
	}
}

func TestWireCursor_Invalid(t *testing.T) {
	_, err := UnmarshalWire(&WireCursor{Kind: "vector", Data: json.RawMessage(`{}`)})
	assert.Error(t, err)

	_, err = UnmarshalWire(nil)
	assert.Error(t, err)

	_, err = UnmarshalWire(&WireCursor{Kind: KindInteger, Data: json.RawMessage(`-4`)})
	assert.Error(t, err)

	big := json.RawMessage(`"` + strings.Repeat("x", maxWireCursorSize) + `"`)
	assert.Error(t, ValidateWireCursor(&WireCursor{Kind: KindDivide, Data: big}))
}

func TestIntegerCursorAdvance(t *testing.T) {
	c := IntegerCursor{}
	assert.True(t, c.IsZero())
	c = c.Advance(10)
	assert.Equal(t, int64(10), c.Seq)
	c = c.Advance(3)
	assert.Equal(t, int64(10), c.Seq, "cursor never moves backwards")
	assert.Equal(t, "10", c.String())
}

// Paging with DivideCursor.After over records that share timestamps visits
// every record exactly once.
func TestDivideCursorPagesThroughTies(t *testing.T) {
	var docs []*document.Object
	for i := 0; i < 23; i++ {
		ts := fmt.Sprintf("2024-01-01T00:00:0%d.000Z", i/7)
		docs = append(docs, document.MustParseObject(fmt.Sprintf(`{"_id":"id-%02d","updatedAt":%q}`, (i*5)%23, ts)))
	}
	sort.Slice(docs, func(i, j int) bool {
		a, b := FromDocument(docs[i]), FromDocument(docs[j])
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.ID < b.ID
	})

	const pageSize = 4
	seen := map[string]int{}
	var pos DivideCursor
	pages := 0
	for {
		var page []*document.Object
		for _, d := range docs {
			if !pos.IsZero() && !query.Match(d, pos.After()) {
				continue
			}
			page = append(page, d)
			if len(page) == pageSize {
				break
			}
		}
		pages++
		for _, d := range page {
			seen[d.GetString("_id")]++
		}
		if len(page) < pageSize {
			break
		}
		pos = FromDocument(page[len(page)-1])
	}

	assert.Len(t, seen, 23)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s applied more than once", id)
	}
	assert.Equal(t, 6, pages)
}
