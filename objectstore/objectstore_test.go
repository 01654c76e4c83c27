package objectstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// countingStore records the predicates handed to ScanObjects.
type countingStore struct {
	storage.Store
	scans []storage.ScanRequest
	rows  int
}

func (c *countingStore) ScanObjects(ctx context.Context, req storage.ScanRequest) ([]storage.ObjectRow, error) {
	c.scans = append(c.scans, req)
	rows, err := c.Store.ScanObjects(ctx, req)
	c.rows += len(rows)
	return rows, err
}

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, *countingStore) {
	t.Helper()
	config := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "objects.db"))
	config.Logger = logging.Discard().Logger
	store, err := sqlite.New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cs := &countingStore{Store: store}
	opts = append([]Option{WithLogger(logging.Discard().Logger)}, opts...)
	return New(cs, opts...), cs
}

func put(t *testing.T, a *Adapter, bucket, doc string, state types.SyncState) *types.ObjectRecord {
	t.Helper()
	d := document.MustParseObject(doc)
	rec := &types.ObjectRecord{
		Bucket:   bucket,
		ObjectID: d.GetString(document.FieldID),
		Document: d,
		State:    state,
	}
	require.NoError(t, a.Put(context.Background(), rec))
	return rec
}

func ids(recs []*types.ObjectRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ObjectID
	}
	return out
}

func TestGetPutRemove(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Get(ctx, "notes", "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := put(t, a, "notes", `{"_id":"n1","title":"a","ACL":{"r":["*"]}}`, types.StateDirty)
	rec.Permission = []byte(`{"r":["*"]}`)
	require.NoError(t, a.Put(ctx, rec))

	got, err := a.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDirty, got.State)
	assert.Equal(t, []string{"_id", "title", "ACL"}, got.Document.Keys())
	assert.JSONEq(t, `{"r":["*"]}`, string(got.Permission))
	assert.Equal(t, rec.Seq, got.Seq)

	require.NoError(t, a.Remove(ctx, "notes", "n1"))
	require.NoError(t, a.Remove(ctx, "notes", "n1"))
	_, err = a.Get(ctx, "notes", "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = a.Put(ctx, &types.ObjectRecord{Bucket: "notes"})
	assert.Error(t, err)
}

func TestFindRangeUsesIndex(t *testing.T) {
	a, cs := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DefineIndexes(ctx, "people", storage.IndexDefinitions{"age": storage.IndexNumber}))

	for i := 0; i < 30; i++ {
		put(t, a, "people", fmt.Sprintf(`{"_id":"p%02d","age":%d}`, i, i), types.StateSync)
	}
	// A string age slips past the index column and must not match a numeric range.
	put(t, a, "people", `{"_id":"odd","age":"25"}`, types.StateSync)

	cs.scans, cs.rows = nil, 0
	res, err := a.Find(ctx, "people", query.MustWhere(`{"age":{"$gte":21}}`))
	require.NoError(t, err)
	assert.Len(t, res.Records, 9)

	require.NotEmpty(t, cs.scans)
	assert.Equal(t, storage.Compare{
		Column: storage.IndexColumn("age", storage.IndexNumber),
		Op:     storage.OpGte,
		Value:  21.0,
	}, cs.scans[0].Where)
	assert.Equal(t, 9, cs.rows, "only rows passing the index predicate are scanned")
}

func TestFindEvaluatorRejectsWhatIndexAdmits(t *testing.T) {
	a, cs := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"a": storage.IndexNumber}))

	put(t, a, "t", `{"_id":"x","a":1,"b":1}`, types.StateSync)
	put(t, a, "t", `{"_id":"y","a":1,"b":3}`, types.StateSync)
	put(t, a, "t", `{"_id":"z","a":2,"b":2}`, types.StateSync)

	cs.rows = 0
	res, err := a.Find(ctx, "t", query.MustWhere(`{"$and":[{"a":1},{"b":{"$in":[1,2]}}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(res.Records))
	assert.Equal(t, 2, cs.rows, "scan returns both a=1 rows")
}

func TestFindInMatchesListValuedIndexedField(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"tags": storage.IndexString}))

	put(t, a, "t", `{"_id":"scalar","tags":"a"}`, types.StateSync)
	put(t, a, "t", `{"_id":"list","tags":["a","b"]}`, types.StateSync)
	put(t, a, "t", `{"_id":"other","tags":["c"]}`, types.StateSync)
	put(t, a, "t", `{"_id":"missing"}`, types.StateSync)

	res, err := a.Find(ctx, "t", query.MustWhere(`{"tags":{"$in":["a"]}}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scalar", "list"}, ids(res.Records))
}

func TestFindSoftDeleted(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	put(t, a, "t", `{"_id":"live","k":1}`, types.StateSync)
	gone := put(t, a, "t", `{"_id":"gone","k":1}`, types.StateSync)
	gone.ETag = "e1"
	gone.State = types.StateDelete
	require.NoError(t, a.Put(ctx, gone))

	res, err := a.Find(ctx, "t", query.MustWhere(`{"k":1}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids(res.Records))

	q := query.MustWhere(`{"k":1}`)
	q.IncludeDeleted = true
	res, err = a.Find(ctx, "t", q)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"live", "gone"}, ids(res.Records))
}

func TestFindSortSkipLimitCount(t *testing.T) {
	a, _ := newTestAdapter(t, WithPageSize(3))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		put(t, a, "t", fmt.Sprintf(`{"_id":"o%d","n":%d,"even":%t}`, i, i, i%2 == 0), types.StateSync)
	}

	q := query.MustWhere(`{"even":true}`)
	q.SortOrders = []string{"-n"}
	q.Skip = 1
	q.Limit = 2
	q.WantCount = true
	q.Projection = []string{"n"}
	res, err := a.Find(ctx, "t", q)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Count, "count is taken before skip and limit")
	assert.Equal(t, []string{"o6", "o4"}, ids(res.Records))
	assert.Equal(t, []string{"_id", "n"}, res.Records[0].Document.Keys())

	all, err := a.Find(ctx, "t", query.New())
	require.NoError(t, err)
	assert.Len(t, all.Records, 10, "paging over several scan pages")
}

func TestDirty(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	put(t, a, "t", `{"_id":"s"}`, types.StateSync)
	put(t, a, "t", `{"_id":"d1"}`, types.StateDirty)
	put(t, a, "t", `{"_id":"d2"}`, types.StateDirtyFull)
	put(t, a, "t", `{"_id":"c"}`, types.StateConflicted)
	put(t, a, "t", `{"_id":"x"}`, types.StateDelete)
	put(t, a, "other", `{"_id":"d3"}`, types.StateDirty)

	page, err := a.Dirty(ctx, "t", cursor.IntegerCursor{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, ids(page))

	page, err = a.Dirty(ctx, "t", cursor.IntegerCursor{Seq: page[1].Seq}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "x"}, ids(page))
}

func TestDefineIndexesBackfills(t *testing.T) {
	a, cs := newTestAdapter(t, WithPageSize(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		put(t, a, "t", fmt.Sprintf(`{"_id":"o%d","name":"n%d"}`, i, i), types.StateSync)
	}
	require.NoError(t, a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"name": storage.IndexString}))
	// Idempotent.
	require.NoError(t, a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"name": storage.IndexString}))

	err := a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"name": storage.IndexNumber})
	assert.Error(t, err)
	err = a.DefineIndexes(ctx, "t", storage.IndexDefinitions{"x": "DATE"})
	assert.Error(t, err)

	cs.rows = 0
	res, err := a.Find(ctx, "t", query.MustWhere(`{"name":"n3"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"o3"}, ids(res.Records))
	assert.Equal(t, 1, cs.rows)

	b, err := a.Bucket(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, storage.IndexDefinitions{"name": storage.IndexString}, b.Indexes)

	// A fresh adapter reads the definitions back from the bucket row.
	fresh := New(cs.Store)
	defs, err := fresh.Indexes(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, storage.IndexString, defs["name"])
}

func TestBucketsAndSnapshots(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	scope := query.MustWhere(`{"owner":"me"}`)
	require.NoError(t, a.PutBucket(ctx, &types.BucketRecord{
		Name:   "notes",
		Policy: types.PolicyManual,
		Mode:   types.ModeReplica,
		Scope:  &scope,
		ACL:    []byte(`{"r":["*"]}`),
	}))
	b, err := a.Bucket(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyManual, b.Policy)
	require.NotNil(t, b.Scope)
	assert.True(t, b.Scope.Clause.Equal(scope.Clause))
	assert.Equal(t, -1, b.Scope.Limit)

	list, err := a.Buckets(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	server := types.FromServer("notes", document.MustParseObject(`{"_id":"n1","etag":"e2","updatedAt":"2026-01-01T00:00:00.000Z","v":2}`))
	require.NoError(t, a.InTx(ctx, func(tx *Adapter) error {
		return tx.PutSnapshot(ctx, &types.ConflictSnapshot{Bucket: "notes", ObjectID: "n1", Server: server})
	}))

	snap, err := a.Snapshot(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "e2", snap.Server.ETag)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", snap.Server.ServerTimestamp)
	assert.True(t, snap.Server.Document.Equal(server.Document))

	require.NoError(t, a.PutSnapshot(ctx, &types.ConflictSnapshot{Bucket: "notes", ObjectID: "n2", ServerDeleted: true}))
	all, err := a.Snapshots(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].ServerDeleted)
	assert.Nil(t, all[1].Server)

	require.NoError(t, a.DropSnapshot(ctx, "notes", "n1"))
	_, err = a.Snapshot(ctx, "notes", "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}
