package fakeserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func get(t *testing.T, h http.Handler, path string, params url.Values) types.PullResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path+"?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.PullResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func batch(t *testing.T, h http.Handler, bucket string, ops ...types.BatchOp) []types.BatchItemResult {
	t.Helper()
	body, err := json.Marshal(types.BatchRequest{Requests: ops})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/objects/"+bucket+"/_batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Results
}

func TestPutStampsServerFields(t *testing.T) {
	clock := &fixedClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(WithClock(clock.now))

	first := s.Put("b", document.MustParseObject(`{"_id":"x","v":1}`))
	assert.Equal(t, "2024-03-01T12:00:00.000Z", first.GetString(document.FieldCreatedAt))
	assert.Equal(t, first.GetString(document.FieldCreatedAt), first.GetString(document.FieldUpdatedAt))

	clock.advance(time.Second)
	second := s.Put("b", document.MustParseObject(`{"_id":"x","v":2}`))
	assert.NotEqual(t, first.GetString(document.FieldETag), second.GetString(document.FieldETag))
	assert.Equal(t, "2024-03-01T12:00:00.000Z", second.GetString(document.FieldCreatedAt))
	assert.Equal(t, "2024-03-01T12:00:01.000Z", second.GetString(document.FieldUpdatedAt))
}

func TestFindFiltersSortsAndPages(t *testing.T) {
	s := New()
	h := s.Handler()
	for _, id := range []string{"d", "b", "a", "c", "e"} {
		s.Put("b", document.NewObject().Set(document.FieldID, document.String(id)).Set("even", document.Bool(id == "b" || id == "d")))
	}
	s.SoftDelete("b", "e")

	resp := get(t, h, "/objects/b", url.Values{"order": {"_id"}, "limit": {"2"}, "skip": {"1"}, "count": {"1"}})
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "b", resp.Results[0].GetString("_id"))
	assert.Equal(t, "c", resp.Results[1].GetString("_id"))
	require.NotNil(t, resp.Count)
	assert.Equal(t, 4, *resp.Count)

	resp = get(t, h, "/objects/b", url.Values{"where": {`{"even":true}`}, "order": {"-_id"}})
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "d", resp.Results[0].GetString("_id"))

	resp = get(t, h, "/objects/b", url.Values{"deleteMark": {"1"}})
	assert.Len(t, resp.Results, 5)
	assert.Len(t, s.Fetches(), 3)
}

func TestBatchOperations(t *testing.T) {
	s := New()
	h := s.Handler()
	s.Put("b", document.MustParseObject(`{"_id":"keep","ACL":{"u1":{"r":true}},"a":1,"b":2}`))
	etag := func(id string) string {
		doc, ok := s.Get("b", id)
		require.True(t, ok)
		return doc.GetString(document.FieldETag)
	}

	full := document.NewObject().Set(types.FullUpdateKey, document.ObjectOf(document.MustParseObject(`{"c":3}`)))
	res := batch(t, h, "b", types.BatchOp{Op: types.OpUpdate, ID: "keep", ETag: etag("keep"), Data: full})
	require.Equal(t, types.ResultOK, res[0].Result)
	doc, _ := s.Get("b", "keep")
	assert.False(t, doc.Has("a"))
	assert.Equal(t, float64(3), mustGet(t, doc, "c").Num())
	assert.True(t, doc.Has(document.FieldACL), "a full update without ACL keeps the stored ACL")

	res = batch(t, h, "b", types.BatchOp{Op: types.OpUpdate, ID: "keep", ETag: etag("keep"), Data: document.MustParseObject(`{"d":4}`)})
	require.Equal(t, types.ResultOK, res[0].Result)
	doc, _ = s.Get("b", "keep")
	assert.True(t, doc.Has("c"))
	assert.True(t, doc.Has("d"))

	res = batch(t, h, "b", types.BatchOp{Op: types.OpDelete, ID: "keep", ETag: etag("keep")})
	require.Equal(t, types.ResultOK, res[0].Result)
	doc, _ = s.Get("b", "keep")
	assert.True(t, types.ServerDeleted(doc))

	res = batch(t, h, "b", types.BatchOp{Op: types.OpUpdate, ID: "keep", ETag: etag("keep"), Data: document.NewObject()})
	assert.Equal(t, types.ResultNotFound, res[0].Result)

	res = batch(t, h, "b",
		types.BatchOp{Op: types.OpInsert, ID: "dup", Data: document.NewObject()},
		types.BatchOp{Op: types.OpInsert, ID: "dup", Data: document.NewObject()},
		types.BatchOp{Op: "upsert", ID: "other"},
		types.BatchOp{Op: types.OpInsert, ID: ""},
	)
	assert.Equal(t, types.ResultOK, res[0].Result)
	assert.Equal(t, types.ReasonRequestConflicted, res[1].ReasonCode)
	assert.Equal(t, types.ResultBadRequest, res[2].Result)
	assert.Equal(t, types.ResultBadRequest, res[3].Result)
	assert.Len(t, s.Batches(), 5)
}

func TestFailNext(t *testing.T) {
	s := New()
	h := s.Handler()
	s.FailNext(http.MethodGet, http.StatusServiceUnavailable)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/buckets/object/b", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/buckets/object/b", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPurge(t *testing.T) {
	s := New()
	s.Put("b", document.MustParseObject(`{"_id":"x"}`))
	require.Equal(t, 1, s.Len("b"))
	s.Purge("b", "x")
	_, ok := s.Get("b", "x")
	assert.False(t, ok)
	assert.False(t, s.SoftDelete("b", "x"))
}

func mustGet(t *testing.T, doc *document.Object, key string) document.Value {
	t.Helper()
	v, ok := doc.Get(key)
	require.True(t, ok, key)
	return v
}
