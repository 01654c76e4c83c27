// Package objectstore adapts the storage collaborator to replicated object
// records: it encodes documents, keeps index columns current and answers
// condition queries with an index pre-filter confirmed by the evaluator.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

const component = "objectstore"

// Operation constants for consistent error reporting
const (
	opGet      = "objectstore.Get"
	opPut      = "objectstore.Put"
	opRemove   = "objectstore.Remove"
	opFind     = "objectstore.Find"
	opDirty    = "objectstore.Dirty"
	opIndexes  = "objectstore.DefineIndexes"
	opBucket   = "objectstore.Bucket"
	opSnapshot = "objectstore.Snapshot"
)

// DefaultPageSize is the number of rows read per scan page.
const DefaultPageSize = 200

// ErrNotFound is returned when a record, bucket or snapshot does not exist.
var ErrNotFound = storage.ErrNotFound

// Adapter reads and writes ObjectRecords through a storage.Store, or through
// one transaction of it when obtained from WithTx.
type Adapter struct {
	store    storage.Store
	q        storage.Querier
	shared   *shared
	pageSize int
	logger   *slog.Logger
}

// shared is the state common to an adapter and its transaction views.
type shared struct {
	mu      sync.RWMutex
	indexes map[string]storage.IndexDefinitions
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPageSize overrides the scan page size.
func WithPageSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Adapter over store.
func New(store storage.Store, opts ...Option) *Adapter {
	a := &Adapter{
		store:    store,
		q:        store,
		shared:   &shared{indexes: make(map[string]storage.IndexDefinitions)},
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithTx returns a view of a bound to tx.
func (a *Adapter) WithTx(tx storage.Tx) *Adapter {
	c := *a
	c.q = tx
	return &c
}

// InTx runs fn with an adapter bound to a new transaction.
func (a *Adapter) InTx(ctx context.Context, fn func(a *Adapter) error) error {
	return storage.InTx(ctx, a.store, func(tx storage.Tx) error {
		return fn(a.WithTx(tx))
	})
}

// Store returns the underlying store.
func (a *Adapter) Store() storage.Store { return a.store }

func wrap(err error, op string) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return syncErrors.Storage(err, op, component)
}

// Get loads one record. It returns ErrNotFound when absent.
func (a *Adapter) Get(ctx context.Context, bucket, objectID string) (*types.ObjectRecord, error) {
	row, err := a.q.GetObject(ctx, bucket, objectID)
	if err != nil {
		return nil, wrap(err, opGet)
	}
	rec, err := decodeObject(row)
	if err != nil {
		return nil, wrap(err, opGet)
	}
	return rec, nil
}

// Put inserts or replaces rec and refreshes its index columns.
func (a *Adapter) Put(ctx context.Context, rec *types.ObjectRecord) error {
	defs, err := a.Indexes(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	row, err := encodeObject(rec, defs)
	if err != nil {
		return wrap(err, opPut)
	}
	if err := a.q.PutObject(ctx, row); err != nil {
		return wrap(err, opPut)
	}
	rec.Seq = row.Seq
	return nil
}

// Remove physically deletes a record. Removing a missing record is not an error.
func (a *Adapter) Remove(ctx context.Context, bucket, objectID string) error {
	return wrap(a.q.DeleteObject(ctx, bucket, objectID), opRemove)
}

// Result is the answer to Find.
type Result struct {
	Records []*types.ObjectRecord
	// Count is the number of matches before skip and limit, set when the
	// query asked for it.
	Count int
}

// Find runs q against bucket. The index pre-filter narrows the scan; every
// scanned row is confirmed with the evaluator before sort, skip and limit.
func (a *Adapter) Find(ctx context.Context, bucket string, q query.Query) (*Result, error) {
	defs, err := a.Indexes(ctx, bucket)
	if err != nil {
		return nil, err
	}
	pred := query.Convert(q.Clause, defs)

	var matched []*types.ObjectRecord
	err = a.scan(ctx, storage.ScanRequest{
		Bucket:         bucket,
		Where:          pred,
		IncludeDeleted: q.IncludeDeleted,
	}, func(rec *types.ObjectRecord) error {
		if query.Match(rec.Document, q.Clause) {
			matched = append(matched, rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err, opFind)
	}

	res := &Result{}
	if q.WantCount {
		res.Count = len(matched)
	}
	query.SortBy(matched, func(r *types.ObjectRecord) *document.Object { return r.Document }, q.SortKeys())
	matched = query.Window(matched, q.Skip, q.Limit)
	if len(q.Projection) > 0 {
		for i, rec := range matched {
			p := *rec
			p.Document = query.Project(rec.Document, q.Projection)
			matched[i] = &p
		}
	}
	res.Records = matched

	a.logger.Debug("Local query completed",
		"bucket", bucket,
		"indexed", pred != nil,
		"count", len(res.Records))
	return res, nil
}

// scan pages through rows matching req ordered by sequence.
func (a *Adapter) scan(ctx context.Context, req storage.ScanRequest, fn func(*types.ObjectRecord) error) error {
	req.Limit = a.pageSize
	pos := cursor.IntegerCursor{Seq: req.AfterSeq}
	for {
		req.AfterSeq = pos.Seq
		rows, err := a.q.ScanObjects(ctx, req)
		if err != nil {
			return err
		}
		for i := range rows {
			rec, err := decodeObject(&rows[i])
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			pos = pos.Advance(rows[i].Seq)
		}
		if len(rows) < req.Limit {
			return nil
		}
	}
}

// Dirty returns up to limit records awaiting push with a sequence after
// after, in sequence order.
func (a *Adapter) Dirty(ctx context.Context, bucket string, after cursor.IntegerCursor, limit int) ([]*types.ObjectRecord, error) {
	states := make([]string, len(types.PendingStates))
	for i, s := range types.PendingStates {
		states[i] = string(s)
	}
	rows, err := a.q.ScanObjects(ctx, storage.ScanRequest{
		Bucket:         bucket,
		States:         states,
		IncludeDeleted: true,
		AfterSeq:       after.Seq,
		Limit:          limit,
	})
	if err != nil {
		return nil, wrap(err, opDirty)
	}
	out := make([]*types.ObjectRecord, 0, len(rows))
	for i := range rows {
		rec, err := decodeObject(&rows[i])
		if err != nil {
			return nil, wrap(err, opDirty)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Indexes returns the index definitions declared for bucket.
func (a *Adapter) Indexes(ctx context.Context, bucket string) (storage.IndexDefinitions, error) {
	a.shared.mu.RLock()
	defs, ok := a.shared.indexes[bucket]
	a.shared.mu.RUnlock()
	if ok {
		return defs, nil
	}

	b, err := a.Bucket(ctx, bucket)
	switch {
	case errors.Is(err, ErrNotFound):
		defs = storage.IndexDefinitions{}
	case err != nil:
		return nil, err
	default:
		defs = b.Indexes
	}
	a.shared.mu.Lock()
	a.shared.indexes[bucket] = defs
	a.shared.mu.Unlock()
	return defs, nil
}

// DefineIndexes declares additional index definitions for bucket, adds the
// columns and backfills them for existing rows. Redefining a field with a
// different type is rejected. It must not run inside a transaction view.
func (a *Adapter) DefineIndexes(ctx context.Context, bucket string, defs storage.IndexDefinitions) error {
	for field, t := range defs {
		if field == "" || !t.Valid() {
			return syncErrors.Invalid(opIndexes, component, fmt.Sprintf("invalid index %q: %q", field, t))
		}
	}

	b, err := a.Bucket(ctx, bucket)
	if errors.Is(err, ErrNotFound) {
		b = &types.BucketRecord{Name: bucket, Policy: types.PolicyServer, Mode: types.ModeReplica}
	} else if err != nil {
		return err
	}

	merged := storage.IndexDefinitions{}
	for f, t := range b.Indexes {
		merged[f] = t
	}
	added := storage.IndexDefinitions{}
	for f, t := range defs {
		if old, ok := merged[f]; ok {
			if old != t {
				return syncErrors.Invalid(opIndexes, component, fmt.Sprintf("index %q already defined as %s", f, old))
			}
			continue
		}
		merged[f] = t
		added[f] = t
	}
	if len(added) == 0 {
		return nil
	}

	if err := a.store.EnsureIndexColumns(ctx, added.Columns()); err != nil {
		return wrap(err, opIndexes)
	}
	b.Indexes = merged
	if err := a.PutBucket(ctx, b); err != nil {
		return err
	}

	// Backfill one page per transaction.
	var last cursor.IntegerCursor
	for {
		var n int
		err := a.InTx(ctx, func(tx *Adapter) error {
			rows, err := tx.q.ScanObjects(ctx, storage.ScanRequest{
				Bucket: bucket, IncludeDeleted: true, AfterSeq: last.Seq, Limit: a.pageSize,
			})
			if err != nil {
				return err
			}
			n = len(rows)
			for i := range rows {
				rec, err := decodeObject(&rows[i])
				if err != nil {
					return err
				}
				if err := tx.Put(ctx, rec); err != nil {
					return err
				}
				last = last.Advance(rows[i].Seq)
			}
			return nil
		})
		if err != nil {
			return wrap(err, opIndexes)
		}
		if n < a.pageSize {
			break
		}
	}
	a.logger.Info("Indexes defined", "bucket", bucket, "added", len(added))
	return nil
}

// Bucket loads the sync metadata of bucket.
func (a *Adapter) Bucket(ctx context.Context, name string) (*types.BucketRecord, error) {
	row, err := a.q.GetBucket(ctx, name)
	if err != nil {
		return nil, wrap(err, opBucket)
	}
	b, err := decodeBucket(row)
	if err != nil {
		return nil, wrap(err, opBucket)
	}
	return b, nil
}

// PutBucket persists b and refreshes the cached index definitions.
func (a *Adapter) PutBucket(ctx context.Context, b *types.BucketRecord) error {
	row, err := encodeBucket(b)
	if err != nil {
		return wrap(err, opBucket)
	}
	if err := a.q.PutBucket(ctx, row); err != nil {
		return wrap(err, opBucket)
	}
	defs := b.Indexes
	if defs == nil {
		defs = storage.IndexDefinitions{}
	}
	a.shared.mu.Lock()
	a.shared.indexes[b.Name] = defs
	a.shared.mu.Unlock()
	return nil
}

// Buckets lists every known bucket.
func (a *Adapter) Buckets(ctx context.Context) ([]*types.BucketRecord, error) {
	rows, err := a.q.ListBuckets(ctx)
	if err != nil {
		return nil, wrap(err, opBucket)
	}
	out := make([]*types.BucketRecord, 0, len(rows))
	for i := range rows {
		b, err := decodeBucket(&rows[i])
		if err != nil {
			return nil, wrap(err, opBucket)
		}
		out = append(out, b)
	}
	return out, nil
}

// Snapshot returns the retained server side of a conflicted record.
func (a *Adapter) Snapshot(ctx context.Context, bucket, objectID string) (*types.ConflictSnapshot, error) {
	row, err := a.q.GetConflict(ctx, bucket, objectID)
	if err != nil {
		return nil, wrap(err, opSnapshot)
	}
	s, err := decodeSnapshot(row)
	if err != nil {
		return nil, wrap(err, opSnapshot)
	}
	return s, nil
}

// PutSnapshot stores or replaces a conflict snapshot.
func (a *Adapter) PutSnapshot(ctx context.Context, s *types.ConflictSnapshot) error {
	row, err := encodeSnapshot(s)
	if err != nil {
		return wrap(err, opSnapshot)
	}
	return wrap(a.q.PutConflict(ctx, row), opSnapshot)
}

// DropSnapshot removes a conflict snapshot if present.
func (a *Adapter) DropSnapshot(ctx context.Context, bucket, objectID string) error {
	return wrap(a.q.DeleteConflict(ctx, bucket, objectID), opSnapshot)
}

// Snapshots lists the conflict snapshots of bucket.
func (a *Adapter) Snapshots(ctx context.Context, bucket string) ([]*types.ConflictSnapshot, error) {
	rows, err := a.q.ListConflicts(ctx, bucket)
	if err != nil {
		return nil, wrap(err, opSnapshot)
	}
	out := make([]*types.ConflictSnapshot, 0, len(rows))
	for i := range rows {
		s, err := decodeSnapshot(&rows[i])
		if err != nil {
			return nil, wrap(err, opSnapshot)
		}
		out = append(out, s)
	}
	return out, nil
}

func encodeObject(rec *types.ObjectRecord, defs storage.IndexDefinitions) (*storage.ObjectRow, error) {
	if rec.Bucket == "" || rec.ObjectID == "" {
		return nil, fmt.Errorf("record requires bucket and object id")
	}
	doc := rec.Document
	if doc == nil {
		doc = document.NewObject()
	}
	data, err := doc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return &storage.ObjectRow{
		Seq:        rec.Seq,
		Bucket:     rec.Bucket,
		ObjectID:   rec.ObjectID,
		State:      string(rec.State),
		Document:   data,
		Timestamp:  rec.ServerTimestamp,
		ETag:       rec.ETag,
		Permission: rec.Permission,
		Deleted:    rec.Deleted(),
		Index:      storage.IndexValues(defs, doc),
	}, nil
}

func decodeObject(row *storage.ObjectRow) (*types.ObjectRecord, error) {
	doc, err := document.ParseObject(row.Document)
	if err != nil {
		return nil, syncErrors.E(
			syncErrors.Op(opGet),
			syncErrors.Component(component),
			syncErrors.KindInternal,
			syncErrors.ErrCodeMalformedPayload,
			fmt.Errorf("decode %s/%s: %w", row.Bucket, row.ObjectID, err),
		)
	}
	return &types.ObjectRecord{
		Bucket:          row.Bucket,
		ObjectID:        row.ObjectID,
		Document:        doc,
		ETag:            row.ETag,
		State:           types.SyncState(row.State),
		ServerTimestamp: row.Timestamp,
		Permission:      row.Permission,
		Seq:             row.Seq,
	}, nil
}

func encodeBucket(b *types.BucketRecord) (*storage.BucketRow, error) {
	row := &storage.BucketRow{
		Name:               b.Name,
		ACL:                b.ACL,
		ContentACL:         b.ContentACL,
		Policy:             string(b.Policy),
		Mode:               string(b.Mode),
		LastSyncTime:       b.LastSyncTime,
		LastPullServerTime: b.LastPullServerTime,
	}
	if b.Scope != nil {
		data, err := json.Marshal(b.Scope)
		if err != nil {
			return nil, err
		}
		row.Scope = data
	}
	if len(b.Indexes) > 0 {
		data, err := json.Marshal(b.Indexes)
		if err != nil {
			return nil, err
		}
		row.Indexes = data
	}
	return row, nil
}

func decodeBucket(row *storage.BucketRow) (*types.BucketRecord, error) {
	b := &types.BucketRecord{
		Name:               row.Name,
		ACL:                row.ACL,
		ContentACL:         row.ContentACL,
		Policy:             types.ConflictPolicy(row.Policy),
		Mode:               types.BucketMode(row.Mode),
		LastSyncTime:       row.LastSyncTime,
		LastPullServerTime: row.LastPullServerTime,
		Indexes:            storage.IndexDefinitions{},
	}
	if len(row.Scope) > 0 {
		q, err := query.Unmarshal(row.Scope)
		if err != nil {
			return nil, fmt.Errorf("decode scope of %s: %w", row.Name, err)
		}
		b.Scope = &q
	}
	if len(row.Indexes) > 0 {
		if err := json.Unmarshal(row.Indexes, &b.Indexes); err != nil {
			return nil, fmt.Errorf("decode indexes of %s: %w", row.Name, err)
		}
	}
	return b, nil
}

type snapshotPayload struct {
	Document        *document.Object `json:"document,omitempty"`
	ETag            string           `json:"etag,omitempty"`
	ServerTimestamp string           `json:"updatedAt,omitempty"`
	Permission      json.RawMessage  `json:"permission,omitempty"`
	Deleted         bool             `json:"deleted,omitempty"`
}

func encodeSnapshot(s *types.ConflictSnapshot) (*storage.ConflictRow, error) {
	p := snapshotPayload{Deleted: s.ServerDeleted}
	if s.Server != nil {
		p.Document = s.Server.Document
		p.ETag = s.Server.ETag
		p.ServerTimestamp = s.Server.ServerTimestamp
		p.Permission = s.Server.Permission
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &storage.ConflictRow{Bucket: s.Bucket, ObjectID: s.ObjectID, Snapshot: data}, nil
}

func decodeSnapshot(row *storage.ConflictRow) (*types.ConflictSnapshot, error) {
	var p snapshotPayload
	if err := json.Unmarshal(row.Snapshot, &p); err != nil {
		return nil, fmt.Errorf("decode snapshot %s/%s: %w", row.Bucket, row.ObjectID, err)
	}
	s := &types.ConflictSnapshot{Bucket: row.Bucket, ObjectID: row.ObjectID, ServerDeleted: p.Deleted}
	if p.Document != nil {
		s.Server = &types.ObjectRecord{
			Bucket:          row.Bucket,
			ObjectID:        row.ObjectID,
			Document:        p.Document,
			ETag:            p.ETag,
			State:           types.StateSync,
			ServerTimestamp: p.ServerTimestamp,
			Permission:      p.Permission,
		}
	}
	return s, nil
}
