package synckit

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/internal/fakeserver"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/objectstore"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(typ EventType) []Event {
	var out []Event
	for _, e := range l.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// hookTransport lets a test replace individual transport calls.
type hookTransport struct {
	Transport

	mu          sync.Mutex
	fetchBucket func(ctx context.Context, bucket string) (*types.BucketInfo, error)
	batch       func(ctx context.Context, bucket string, req *types.BatchRequest) (*types.BatchResponse, error)
}

func (h *hookTransport) setFetchBucket(fn func(ctx context.Context, bucket string) (*types.BucketInfo, error)) {
	h.mu.Lock()
	h.fetchBucket = fn
	h.mu.Unlock()
}

func (h *hookTransport) setBatch(fn func(ctx context.Context, bucket string, req *types.BatchRequest) (*types.BatchResponse, error)) {
	h.mu.Lock()
	h.batch = fn
	h.mu.Unlock()
}

func (h *hookTransport) FetchBucket(ctx context.Context, bucket string) (*types.BucketInfo, error) {
	h.mu.Lock()
	fn := h.fetchBucket
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, bucket)
	}
	return h.Transport.FetchBucket(ctx, bucket)
}

func (h *hookTransport) Batch(ctx context.Context, bucket string, req *types.BatchRequest) (*types.BatchResponse, error) {
	h.mu.Lock()
	fn := h.batch
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, bucket, req)
	}
	return h.Transport.Batch(ctx, bucket, req)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	svc       *Service
	server    *fakeserver.Server
	transport *hookTransport
	clock     *testClock
	events    *eventLog
}

// newHarness wires a Service to a file-backed SQLite store and an in-memory
// server reached over HTTP. New object IDs are local-001, local-002, ...
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := newTestClock()
	server := fakeserver.New(fakeserver.WithClock(clock.Now))
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := httptransport.New(ts.URL, httptransport.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	hooks := &hookTransport{Transport: client}

	config := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "sync.db"))
	config.Logger = logging.Discard().Logger
	store, err := sqlite.New(context.Background(), config)
	require.NoError(t, err)

	var ids atomic.Int64
	base := []Option{
		WithStore(store),
		WithTransport(hooks),
		WithLogger(logging.Discard().Logger),
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("local-%03d", ids.Add(1)) }),
	}
	svc, err := NewService(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	events := &eventLog{}
	require.NoError(t, svc.Subscribe(events.record))

	return &harness{
		t:         t,
		ctx:       context.Background(),
		svc:       svc,
		server:    server,
		transport: hooks,
		clock:     clock,
		events:    events,
	}
}

func (h *harness) register(bucket string, policy types.ConflictPolicy) {
	h.t.Helper()
	require.NoError(h.t, h.svc.RegisterBucket(h.ctx, BucketConfig{Name: bucket, Policy: policy}))
}

func (h *harness) sync(bucket string) *SyncResult {
	h.t.Helper()
	res, err := h.svc.Sync(h.ctx, bucket)
	require.NoError(h.t, err)
	require.NotNil(h.t, res)
	return res
}

// local reads the stored record, tombstones included.
func (h *harness) local(bucket, id string) *types.ObjectRecord {
	h.t.Helper()
	rec, err := h.svc.Objects().Get(h.ctx, bucket, id)
	require.NoError(h.t, err, "%s/%s", bucket, id)
	return rec
}

func (h *harness) absent(bucket, id string) {
	h.t.Helper()
	_, err := h.svc.Objects().Get(h.ctx, bucket, id)
	assert.ErrorIs(h.t, err, objectstore.ErrNotFound, "%s/%s", bucket, id)
}

func (h *harness) serverDoc(bucket, id string) *document.Object {
	h.t.Helper()
	doc, ok := h.server.Get(bucket, id)
	require.True(h.t, ok, "server %s/%s", bucket, id)
	return doc
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService()
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = NewService(WithTransport(&hookTransport{}))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = NewService(WithWorkers(0))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	_, err = NewService(WithLogger(nil))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestRegisterBucket(t *testing.T) {
	h := newHarness(t)

	err := h.svc.RegisterBucket(h.ctx, BucketConfig{Name: "notes", Policy: "LAST_WRITE"})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	err = h.svc.RegisterBucket(h.ctx, BucketConfig{})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	require.NoError(t, h.svc.RegisterBucket(h.ctx, BucketConfig{Name: "notes"}))
	b, err := h.svc.Objects().Bucket(h.ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyServer, b.Policy)
	assert.Equal(t, types.ModeReplica, b.Mode)
	assert.Nil(t, b.Scope)

	h.server.Put("notes", document.MustParseObject(`{"_id":"n1"}`))
	h.sync("notes")
	b, err = h.svc.Objects().Bucket(h.ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T09:00:00.000Z", b.LastPullServerTime)
	assert.NotEmpty(t, b.LastSyncTime)

	// Re-registering with the same scope keeps the pull position.
	require.NoError(t, h.svc.RegisterBucket(h.ctx, BucketConfig{Name: "notes", Policy: types.PolicyManual}))
	b, err = h.svc.Objects().Bucket(h.ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyManual, b.Policy)
	assert.NotEmpty(t, b.LastPullServerTime)

	scope := query.MustWhere(`{"kind":"note"}`)
	require.NoError(t, h.svc.RegisterBucket(h.ctx, BucketConfig{Name: "notes", Scope: &scope}))
	b, err = h.svc.Objects().Bucket(h.ctx, "notes")
	require.NoError(t, err)
	require.NotNil(t, b.Scope)
	assert.True(t, scope.Clause.Equal(b.Scope.Clause))
	assert.Empty(t, b.LastPullServerTime, "a new scope restarts the pull")
}

func TestCreate(t *testing.T) {
	h := newHarness(t)

	rec, err := h.svc.Create(h.ctx, "notes", document.MustParseObject(`{"title":"first"}`))
	require.NoError(t, err)
	assert.Equal(t, "local-001", rec.ObjectID)
	assert.Equal(t, types.StateDirty, rec.State)
	assert.Empty(t, rec.ETag)
	assert.Equal(t, []string{document.FieldID, "title"}, rec.Document.Keys())

	doc := document.MustParseObject(`{"_id":"n1","title":"second","ACL":{"u1":{"r":true}}}`).
		Set(document.FieldETag, document.String("forged")).
		Set(document.FieldUpdatedAt, document.String("2000-01-01T00:00:00.000Z"))
	rec, err = h.svc.Create(h.ctx, "notes", doc)
	require.NoError(t, err)
	assert.Equal(t, "n1", rec.ObjectID)
	assert.False(t, rec.Document.Has(document.FieldETag))
	assert.False(t, rec.Document.Has(document.FieldUpdatedAt))
	assert.JSONEq(t, `{"u1":{"r":true}}`, string(rec.Permission))

	stored := h.local("notes", "n1")
	assert.Equal(t, "second", stored.Document.GetString("title"))
	assert.Equal(t, types.StateDirty, stored.State)

	_, err = h.svc.Create(h.ctx, "notes", document.MustParseObject(`{"_id":"n1"}`))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindDuplicate))

	_, err = h.svc.Create(h.ctx, "", document.NewObject())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestLocalChangesBeforeFirstSync(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(h.ctx, "notes", document.MustParseObject(`{"_id":"n1","title":"a"}`))
	require.NoError(t, err)

	rec, err := h.svc.Update(h.ctx, "notes", "n1", document.MustParseObject(`{"_id":"other","body":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, types.StateDirty, rec.State)
	assert.Equal(t, "n1", rec.Document.GetString(document.FieldID))
	assert.Equal(t, "a", rec.Document.GetString("title"))
	assert.Equal(t, "x", rec.Document.GetString("body"))

	rec, err = h.svc.Replace(h.ctx, "notes", "n1", document.MustParseObject(`{"body":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, types.StateDirty, rec.State, "an unsynced record stays an insert")
	assert.False(t, rec.Document.Has("title"))
	assert.Equal(t, "y", rec.Document.GetString("body"))

	require.NoError(t, h.svc.Delete(h.ctx, "notes", "n1"))
	h.absent("notes", "n1")

	_, err = h.svc.Get(h.ctx, "notes", "n1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	_, err = h.svc.Update(h.ctx, "notes", "missing", document.NewObject())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	err = h.svc.Delete(h.ctx, "notes", "missing")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	_, err = h.svc.Get(h.ctx, "notes", "")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestLocalChangesOfSyncedRecord(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)
	etag := h.server.Put("notes", document.MustParseObject(`{"_id":"n1","title":"a","tags":["x"]}`)).GetString(document.FieldETag)
	h.sync("notes")

	rec, err := h.svc.Get(h.ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSync, rec.State)
	assert.Equal(t, etag, rec.ETag)

	rec, err = h.svc.Update(h.ctx, "notes", "n1", document.MustParseObject(`{"title":"b"}`).Set(document.FieldETag, document.String("forged")))
	require.NoError(t, err)
	assert.Equal(t, types.StateDirty, rec.State)
	assert.Equal(t, etag, rec.Document.GetString(document.FieldETag))

	rec, err = h.svc.Replace(h.ctx, "notes", "n1", document.MustParseObject(`{"title":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, types.StateDirtyFull, rec.State)
	assert.False(t, rec.Document.Has("tags"))
	assert.Equal(t, etag, rec.Document.GetString(document.FieldETag))

	require.NoError(t, h.svc.Delete(h.ctx, "notes", "n1"))
	assert.Equal(t, types.StateDelete, h.local("notes", "n1").State)
	_, err = h.svc.Get(h.ctx, "notes", "n1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	_, err = h.svc.Update(h.ctx, "notes", "n1", document.NewObject())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound), "tombstones cannot be edited")

	res := h.sync("notes")
	assert.Equal(t, 1, res.Pushed)
	h.absent("notes", "n1")
	assert.True(t, types.ServerDeleted(h.serverDoc("notes", "n1")))

	batches := h.server.Batches()
	require.Len(t, batches, 1)
	op := batches[0].Requests[0]
	assert.Equal(t, types.OpDelete, op.Op)
	assert.Equal(t, etag, op.ETag)
}

func TestFind(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)
	for i := 0; i < 6; i++ {
		h.server.Put("notes", document.NewObject().
			Set(document.FieldID, document.String(fmt.Sprintf("n%d", i))).
			Set("n", document.Int(int64(i))))
	}
	h.sync("notes")
	require.NoError(t, h.svc.Delete(h.ctx, "notes", "n5"))

	q := query.MustWhere(`{"n":{"$gte":2}}`)
	q.SortOrders = []string{"-n"}
	q.Limit = 2
	q.WantCount = true
	res, err := h.svc.Find(h.ctx, "notes", q)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "n4", res.Records[0].ObjectID)
	assert.Equal(t, "n3", res.Records[1].ObjectID)
	assert.Equal(t, 3, res.Count, "the tombstone is not counted")

	all, err := h.svc.Find(h.ctx, "notes", query.New())
	require.NoError(t, err)
	assert.Len(t, all.Records, 5)
}

func TestCRUDRefusedDuringSync(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.transport.setFetchBucket(func(ctx context.Context, bucket string) (*types.BucketInfo, error) {
		close(entered)
		<-release
		return h.transport.Transport.FetchBucket(ctx, bucket)
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Sync(h.ctx, "notes")
		done <- err
	}()
	<-entered

	_, err := h.svc.Get(h.ctx, "notes", "n1")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindLocked))
	_, err = h.svc.Create(h.ctx, "notes", document.NewObject())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindLocked))
	_, err = h.svc.Sync(h.ctx, "notes")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindLocked), "a second pass fails fast")

	close(release)
	require.NoError(t, <-done)
	_, err = h.svc.Create(h.ctx, "notes", document.NewObject())
	assert.NoError(t, err)
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)
	require.NoError(t, h.svc.Subscribe(func(Event) { panic("listener bug") }))

	var late []EventType
	require.NoError(t, h.svc.Subscribe(func(e Event) { late = append(late, e.Type) }))

	h.sync("notes")
	assert.Equal(t, []EventType{EventSyncStarted, EventSyncCompleted}, late)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.register("notes", types.PolicyServer)
	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())

	_, err := h.svc.Create(h.ctx, "notes", document.NewObject())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	_, err = h.svc.Sync(h.ctx, "notes")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
	assert.Error(t, h.svc.Subscribe(func(Event) {}))
	assert.Error(t, h.svc.StartAutoSync("@every 1h"))
}
