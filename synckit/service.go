// Package synckit is the offline synchronization engine. A Service keeps a
// local object store in step with a remote document store: it pulls remote
// changes page by page, pushes local changes in batches, resolves write
// conflicts under a per-bucket policy and serves local CRUD and queries
// while offline.
package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/objectstore"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// Operation names used in errors and logs.
const (
	opRegister  = "synckit.RegisterBucket"
	opCreate    = "synckit.Create"
	opUpdate    = "synckit.Update"
	opReplace   = "synckit.Replace"
	opDelete    = "synckit.Delete"
	opGet       = "synckit.Get"
	opFind      = "synckit.Find"
	opConflicts = "synckit.Conflicts"
	opResolve   = "synckit.Resolve"
	opSync      = "synckit.Sync"
	opSyncAll   = "synckit.SyncAll"
	opAutoSync  = "synckit.AutoSync"
	opClose     = "synckit.Close"
)

// serverManaged are the document fields owned by the server.
var serverManaged = []string{
	document.FieldETag,
	document.FieldCreatedAt,
	document.FieldUpdatedAt,
	document.FieldDeleted,
}

// Service is the offline sync orchestrator.
type Service struct {
	objects   *objectstore.Adapter
	store     storage.Store
	transport Transport
	opts      *serviceOptions
	logger    *slog.Logger
	metrics   MetricsCollector

	lock *interlock
	pool *pool

	mu          sync.RWMutex
	subscribers []func(Event)
	closed      bool
	cron        *cron.Cron

	// seen holds, per bucket, the IDs returned by the most recent pull.
	seenMu sync.Mutex
	seen   map[string]map[string]bool
}

// BucketConfig declares a bucket to synchronize.
type BucketConfig struct {
	Name   string
	Policy types.ConflictPolicy
	// Scope limits what is pulled. Nil pulls the whole bucket.
	Scope   *query.Query
	Indexes storage.IndexDefinitions
}

// NewService constructs a Service using functional options. A store and a
// transport are required.
func NewService(opts ...Option) (*Service, error) {
	const op = "synckit.NewService"

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.store == nil {
		return nil, syncErrors.E(
			syncErrors.Op(op),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("store is required (use WithStore(...))"),
		)
	}
	if o.transport == nil {
		return nil, syncErrors.E(
			syncErrors.Op(op),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("transport is required (use WithTransport(...))"),
		)
	}

	adapterOpts := []objectstore.Option{objectstore.WithLogger(o.logger)}
	if o.scanPageSize > 0 {
		adapterOpts = append(adapterOpts, objectstore.WithPageSize(o.scanPageSize))
	}
	s := &Service{
		objects:   objectstore.New(o.store, adapterOpts...),
		store:     o.store,
		transport: o.transport,
		opts:      o,
		logger:    o.logger.With("component", component),
		metrics:   o.metrics,
		lock:      newInterlock(),
		pool:      newPool(o.workers),
		seen:      make(map[string]map[string]bool),
	}
	s.logger.Info("Offline sync service created",
		"workers", o.workers,
		"phase_timeout", o.phaseTimeout,
		"pull_page_size", o.pullPageSize,
		"push_batch_size", o.pushBatchSize)
	return s, nil
}

// Objects exposes the local object store adapter.
func (s *Service) Objects() *objectstore.Adapter { return s.objects }

func (s *Service) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.E(
			syncErrors.Op(op),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("service is closed"),
		)
	}
	return nil
}

func requireParam(op, name, value string) error {
	if value == "" {
		return syncErrors.Invalid(op, component, name+" is required")
	}
	return nil
}

func notFound(op, bucket, id string) error {
	return syncErrors.E(
		syncErrors.Op(op),
		syncErrors.Component(component),
		syncErrors.KindNotFound,
		fmt.Errorf("%s/%s: %w", bucket, id, objectstore.ErrNotFound),
	)
}

// crud runs fn under the CRUD side of the interlock.
func (s *Service) crud(op string, fn func() error) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if err := s.lock.acquireCRUD(op); err != nil {
		s.logger.Debug("Local operation refused during sync", "operation", op)
		return err
	}
	defer s.lock.releaseCRUD()
	return fn()
}

// RegisterBucket declares or updates a synchronized bucket. Changing the
// scope restarts pulling from the beginning of the bucket.
func (s *Service) RegisterBucket(ctx context.Context, cfg BucketConfig) error {
	if err := requireParam(opRegister, "bucket", cfg.Name); err != nil {
		return err
	}
	if cfg.Policy == "" {
		cfg.Policy = types.PolicyServer
	}
	if !cfg.Policy.Valid() {
		return syncErrors.Invalid(opRegister, component, fmt.Sprintf("unknown conflict policy %q", cfg.Policy))
	}
	return s.crud(opRegister, func() error {
		b, err := s.objects.Bucket(ctx, cfg.Name)
		switch {
		case errors.Is(err, objectstore.ErrNotFound):
			b = &types.BucketRecord{Name: cfg.Name, Mode: types.ModeReplica}
		case err != nil:
			return err
		}
		if !sameScope(b.Scope, cfg.Scope) {
			b.LastPullServerTime = ""
		}
		b.Policy = cfg.Policy
		b.Scope = cfg.Scope
		if err := s.objects.PutBucket(ctx, b); err != nil {
			return err
		}
		if len(cfg.Indexes) > 0 {
			if err := s.objects.DefineIndexes(ctx, cfg.Name, cfg.Indexes); err != nil {
				return err
			}
		}
		s.logger.Info("Bucket registered", "bucket", cfg.Name, "policy", string(cfg.Policy))
		return nil
	})
}

func sameScope(a, b *query.Query) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Clause.Equal(b.Clause)
}

// Create stores a new local object in DIRTY state. An _id in doc is used as
// the object ID; otherwise a UUID is minted.
func (s *Service) Create(ctx context.Context, bucket string, doc *document.Object) (*types.ObjectRecord, error) {
	if err := requireParam(opCreate, "bucket", bucket); err != nil {
		return nil, err
	}
	d := doc.Without(serverManaged...)
	id := d.GetString(document.FieldID)
	if id == "" {
		id = s.opts.newID()
		d = document.NewObject().Set(document.FieldID, document.String(id)).Merge(d.Without(document.FieldID))
	}
	rec := &types.ObjectRecord{
		Bucket:   bucket,
		ObjectID: id,
		Document: d,
		State:    types.StateDirty,
	}
	if v, ok := d.Get(document.FieldACL); ok && !v.IsNull() {
		if data, err := v.MarshalJSON(); err == nil {
			rec.Permission = data
		}
	}

	err := s.crud(opCreate, func() error {
		return s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
			_, err := tx.Get(ctx, bucket, id)
			if err == nil {
				return syncErrors.E(
					syncErrors.Op(opCreate),
					syncErrors.Component(component),
					syncErrors.KindDuplicate,
					fmt.Errorf("object %s/%s already exists", bucket, id),
				)
			}
			if !errors.Is(err, objectstore.ErrNotFound) {
				return err
			}
			return tx.Put(ctx, rec)
		})
	})
	if err != nil {
		return nil, err
	}
	logging.Trace(ctx, s.logger, "Object created", "bucket", bucket, "object_id", id)
	return rec, nil
}

// mutate loads a live record inside a transaction, lets fn change it and
// stores the result.
func (s *Service) mutate(ctx context.Context, op, bucket, id string, fn func(rec *types.ObjectRecord)) (*types.ObjectRecord, error) {
	if err := requireParam(op, "bucket", bucket); err != nil {
		return nil, err
	}
	if err := requireParam(op, "object id", id); err != nil {
		return nil, err
	}
	var out *types.ObjectRecord
	err := s.crud(op, func() error {
		return s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
			rec, err := tx.Get(ctx, bucket, id)
			if errors.Is(err, objectstore.ErrNotFound) || (err == nil && rec.Deleted()) {
				return notFound(op, bucket, id)
			}
			if err != nil {
				return err
			}
			fn(rec)
			out = rec
			return tx.Put(ctx, rec)
		})
	})
	return out, err
}

// Update merges patch into the object's fields. A synced object becomes DIRTY.
func (s *Service) Update(ctx context.Context, bucket, id string, patch *document.Object) (*types.ObjectRecord, error) {
	fields := patch.Without(append([]string{document.FieldID}, serverManaged...)...)
	return s.mutate(ctx, opUpdate, bucket, id, func(rec *types.ObjectRecord) {
		rec.Document.Merge(fields)
		switch rec.State {
		case types.StateSync, types.StateNone:
			rec.State = types.StateDirty
		case types.StateSyncing:
			rec.State = types.StateDirtyFull
		}
	})
}

// Replace overwrites the whole document. A synced object becomes DIRTY_FULL.
func (s *Service) Replace(ctx context.Context, bucket, id string, doc *document.Object) (*types.ObjectRecord, error) {
	return s.mutate(ctx, opReplace, bucket, id, func(rec *types.ObjectRecord) {
		next := document.NewObject().Set(document.FieldID, document.String(id))
		for _, k := range serverManaged {
			if v, ok := rec.Document.Get(k); ok && k != document.FieldDeleted {
				next.Set(k, v)
			}
		}
		next.Merge(doc.Without(append([]string{document.FieldID}, serverManaged...)...))
		rec.Document = next
		switch {
		case rec.ETag == "":
			rec.State = types.StateDirty
		case rec.State.IsConflicted():
			rec.State = types.StateConflictedFull
		default:
			rec.State = types.StateDirtyFull
		}
	})
}

// Delete removes an object. A never-synced object disappears at once;
// otherwise it becomes a DELETE tombstone until pushed.
func (s *Service) Delete(ctx context.Context, bucket, id string) error {
	if err := requireParam(opDelete, "bucket", bucket); err != nil {
		return err
	}
	if err := requireParam(opDelete, "object id", id); err != nil {
		return err
	}
	return s.crud(opDelete, func() error {
		return s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
			rec, err := tx.Get(ctx, bucket, id)
			if errors.Is(err, objectstore.ErrNotFound) || (err == nil && rec.Deleted()) {
				return notFound(opDelete, bucket, id)
			}
			if err != nil {
				return err
			}
			if rec.ETag == "" {
				if err := tx.DropSnapshot(ctx, bucket, id); err != nil {
					return err
				}
				return tx.Remove(ctx, bucket, id)
			}
			if rec.State.IsConflicted() {
				rec.State = types.StateConflictedDelete
			} else {
				rec.State = types.StateDelete
			}
			return tx.Put(ctx, rec)
		})
	})
}

// Get returns a live object. Tombstones are reported as not found.
func (s *Service) Get(ctx context.Context, bucket, id string) (*types.ObjectRecord, error) {
	if err := requireParam(opGet, "bucket", bucket); err != nil {
		return nil, err
	}
	if err := requireParam(opGet, "object id", id); err != nil {
		return nil, err
	}
	var out *types.ObjectRecord
	err := s.crud(opGet, func() error {
		rec, err := s.objects.Get(ctx, bucket, id)
		if errors.Is(err, objectstore.ErrNotFound) || (err == nil && rec.Deleted()) {
			return notFound(opGet, bucket, id)
		}
		out = rec
		return err
	})
	return out, err
}

// Find answers q from the local store.
func (s *Service) Find(ctx context.Context, bucket string, q query.Query) (*objectstore.Result, error) {
	if err := requireParam(opFind, "bucket", bucket); err != nil {
		return nil, err
	}
	var out *objectstore.Result
	err := s.crud(opFind, func() error {
		var err error
		out, err = s.objects.Find(ctx, bucket, q)
		return err
	})
	return out, err
}

// Conflicts lists the CONFLICTED* records of bucket with their server sides.
func (s *Service) Conflicts(ctx context.Context, bucket string) ([]Conflict, error) {
	if err := requireParam(opConflicts, "bucket", bucket); err != nil {
		return nil, err
	}
	var out []Conflict
	err := s.crud(opConflicts, func() error {
		snaps, err := s.objects.Snapshots(ctx, bucket)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			local, err := s.objects.Get(ctx, bucket, snap.ObjectID)
			if errors.Is(err, objectstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, Conflict{Local: local, Snapshot: snap})
		}
		return nil
	})
	return out, err
}

// Subscribe registers a handler for service events. Handlers run on the
// goroutine that finished the pass, after the interlock is released.
func (s *Service) Subscribe(handler func(Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncErrors.E(
			syncErrors.Op("synckit.Subscribe"),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("service is closed"),
		)
	}
	s.subscribers = append(s.subscribers, handler)
	s.logger.Debug("New subscriber added", "total_subscribers", len(s.subscribers))
	return nil
}

func (s *Service) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	handlers := make([]func(Event), len(s.subscribers))
	copy(handlers, s.subscribers)
	s.mu.RUnlock()
	now := s.opts.clock()
	for _, e := range events {
		if e.Time.IsZero() {
			e.Time = now
		}
		dispatch(s.logger, handlers, e)
	}
}

// Close stops auto sync, waits for background work and closes the
// transport and store.
func (s *Service) Close() error {
	s.logger.Info("Closing offline sync service")
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.pool.close()

	var errs []error
	if err := s.transport.Close(); err != nil {
		s.logger.Error("Error closing transport", "error", err)
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "transport", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Error closing store", "error", err)
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "store", err))
	}
	if len(errs) > 0 {
		return syncErrors.New(syncErrors.OpClose, errors.Join(errs...))
	}
	s.logger.Info("Offline sync service closed")
	return nil
}

func (s *Service) setSeen(bucket string, ids map[string]bool) {
	s.seenMu.Lock()
	s.seen[bucket] = ids
	s.seenMu.Unlock()
}

func (s *Service) seenIDs(bucket string) map[string]bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.seen[bucket]
}
