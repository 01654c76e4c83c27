package synckit

import (
	"context"
	"errors"
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/objectstore"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// pass is one sync pass holding the sync side of the interlock.
type pass struct {
	s     *Service
	op    string
	notes *notifier
	// inflight is closed when a phase abandoned by a timeout returns.
	inflight <-chan struct{}
}

func (s *Service) beginPass(op string) (*pass, error) {
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if err := s.lock.acquireSync(op); err != nil {
		s.logger.Debug("Sync refused, another pass is running", "operation", op)
		return nil, err
	}
	return &pass{s: s, op: op, notes: &notifier{}}, nil
}

// end releases the interlock, or hands it to a goroutine that releases it
// once an abandoned phase returns, and then delivers the buffered events.
func (p *pass) end(results ...*SyncResult) {
	if p.inflight == nil {
		p.s.lock.releaseSync()
	} else {
		go func(done <-chan struct{}) {
			<-done
			p.s.lock.releaseSync()
			p.s.logger.Debug("Abandoned phase finished, interlock released")
		}(p.inflight)
	}
	p.s.emit(p.notes.drain()...)
	for _, r := range results {
		if r != nil {
			p.s.emit(Event{Type: EventSyncCompleted, Bucket: r.Bucket, Result: r})
		}
	}
}

// phase runs fn on the worker pool and waits at most the phase timeout.
func phase[T any](p *pass, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	s := p.s
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return zero, syncErrors.E(
			syncErrors.Op(p.op),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			errors.New("service is closed"),
		)
	}
	timeout := s.opts.phaseTimeout
	fut := submit(s.pool, func() (T, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	})
	s.mu.RUnlock()

	val, err := fut.Wait(timeout)
	if syncErrors.IsKind(err, syncErrors.KindTimeout) {
		select {
		case <-fut.Done():
		default:
			p.inflight = fut.Done()
		}
		s.logger.Warn("Sync phase timed out", "phase", name, "timeout", timeout)
	}
	return val, err
}

// Sync runs one pass over bucket: pull, then push. It fails fast with a
// locked error when another pass is running.
func (s *Service) Sync(ctx context.Context, bucket string) (*SyncResult, error) {
	if err := requireParam(opSync, "bucket", bucket); err != nil {
		return nil, err
	}
	p, err := s.beginPass(opSync)
	if err != nil {
		return nil, err
	}
	res := s.syncBucket(ctx, p, bucket)
	p.end(res)
	return res, res.Err()
}

// SyncAll runs a pass over every registered bucket. It stops at the first
// bucket whose pass fails.
func (s *Service) SyncAll(ctx context.Context) ([]*SyncResult, error) {
	p, err := s.beginPass(opSyncAll)
	if err != nil {
		return nil, err
	}
	buckets, err := s.objects.Buckets(ctx)
	if err != nil {
		p.end()
		return nil, err
	}
	var results []*SyncResult
	for _, b := range buckets {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		res := s.syncBucket(ctx, p, b.Name)
		results = append(results, res)
		if err = res.Err(); err != nil {
			break
		}
	}
	p.end(results...)
	return results, err
}

func (s *Service) syncBucket(ctx context.Context, p *pass, bucket string) *SyncResult {
	start := s.opts.clock()
	res := &SyncResult{Bucket: bucket, StartTime: start, Status: StatusOK}
	logger := s.logger.With("bucket", bucket)

	fail := func(kind EventType, err error) *SyncResult {
		res.Status = StatusFailed
		res.Errors = append(res.Errors, err)
		res.Duration = time.Since(start)
		p.notes.add(Event{Type: kind, Bucket: bucket, Err: err})
		s.metrics.RecordSyncErrors(string(kind), string(syncErrors.KindOf(err)))
		logger.Error("Sync pass failed", "event", string(kind), "error", err)
		return res
	}

	b, err := s.objects.Bucket(ctx, bucket)
	if errors.Is(err, objectstore.ErrNotFound) {
		return fail(EventPullError, syncErrors.Invalid(p.op, component, fmt.Sprintf("bucket %q is not registered", bucket)))
	}
	if err != nil {
		return fail(EventPullError, err)
	}

	s.emit(Event{Type: EventSyncStarted, Bucket: bucket, Time: start})
	logger.Info("Starting sync pass")

	pullStart := time.Now()
	pulled, err := phase(p, "pull", func(ctx context.Context) (*pullOutcome, error) {
		return s.pull(ctx, b, p.notes)
	})
	s.metrics.RecordSyncDuration("pull", time.Since(pullStart))
	if pulled != nil {
		res.Pulled = pulled.pulled
		res.Synced = pulled.synced
		res.Conflicts += pulled.conflicts
		res.IDConflicts += pulled.idConflicts
	}
	if err != nil {
		return fail(EventPullError, err)
	}

	// The pull may have refreshed the bucket metadata.
	if fresh, err := s.objects.Bucket(ctx, bucket); err == nil {
		b = fresh
	}

	pushStart := time.Now()
	pushed, err := phase(p, "push", func(ctx context.Context) (*pushOutcome, error) {
		return s.push(ctx, b, s.seenIDs(bucket), p.notes)
	})
	s.metrics.RecordSyncDuration("push", time.Since(pushStart))
	if pushed != nil {
		res.Pushed = pushed.pushed
		res.Conflicts += pushed.conflicts
		res.IDConflicts += pushed.idConflicts
		res.PushErrors = pushed.failed
	}
	if err != nil {
		return fail(EventPushError, err)
	}

	b.LastSyncTime = types.FormatTime(s.opts.clock())
	if err := s.objects.PutBucket(ctx, b); err != nil {
		return fail(EventPushError, err)
	}

	switch {
	case res.Conflicts > 0:
		res.Status = StatusConflict
	case res.PushErrors > 0:
		res.Status = StatusPushErrors
	}
	res.Duration = time.Since(start)
	s.metrics.RecordSyncObjects(res.Pushed, res.Pulled)
	s.metrics.RecordConflicts(res.Conflicts)
	s.metrics.RecordSyncDuration("sync", res.Duration)
	logger.Info("Sync pass completed",
		"status", string(res.Status),
		"pulled", res.Pulled,
		"pushed", res.Pushed,
		"conflicts", res.Conflicts,
		"id_conflicts", res.IDConflicts,
		"push_errors", res.PushErrors,
		"duration", res.Duration)
	return res
}

// Resolve settles a CONFLICTED* record with policy CLIENT or SERVER. A CLIENT
// resolution pushes the local version immediately.
func (s *Service) Resolve(ctx context.Context, bucket, id string, policy types.ConflictPolicy) (*types.ObjectRecord, error) {
	if err := requireParam(opResolve, "bucket", bucket); err != nil {
		return nil, err
	}
	if err := requireParam(opResolve, "object id", id); err != nil {
		return nil, err
	}
	if policy != types.PolicyClient && policy != types.PolicyServer {
		return nil, syncErrors.Invalid(opResolve, component, fmt.Sprintf("cannot resolve with policy %q", policy))
	}
	p, err := s.beginPass(opResolve)
	if err != nil {
		return nil, err
	}
	defer p.end()

	b, err := s.objects.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	local, err := s.objects.Get(ctx, bucket, id)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, notFound(opResolve, bucket, id)
	}
	if err != nil {
		return nil, err
	}
	if !local.State.IsConflicted() {
		return nil, syncErrors.Invalid(opResolve, component, fmt.Sprintf("object %s/%s is not conflicted", bucket, id))
	}
	snap, err := s.objects.Snapshot(ctx, bucket, id)
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, syncErrors.E(
			syncErrors.Op(opResolve),
			syncErrors.Component(component),
			syncErrors.KindInternal,
			fmt.Errorf("object %s/%s has no retained server version", bucket, id),
		)
	}
	if err != nil {
		return nil, err
	}

	outcome := Resolve(policy, local, Conflict{Local: local, Snapshot: snap}.Incoming())
	var out *types.ObjectRecord
	err = s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
		var err error
		out, _, err = applyOutcome(ctx, tx, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Conflict resolved", "bucket", bucket, "object_id", id, "policy", string(policy))
	p.notes.add(Event{Type: EventResolved, Bucket: bucket, ObjectID: id, Local: out, Server: snap.Server, ServerDeleted: snap.ServerDeleted})

	if keep, ok := outcome.(KeepLocal); ok {
		pushed, err := phase(p, "push", func(ctx context.Context) (*pushOutcome, error) {
			return s.pushRecords(ctx, b, []*types.ObjectRecord{keep.Record}, p.notes)
		})
		if err != nil {
			return out, err
		}
		if pushed.pushed > 0 {
			if rec, err := s.objects.Get(ctx, bucket, id); err == nil {
				out = rec
			} else if errors.Is(err, objectstore.ErrNotFound) {
				out = nil
			}
		}
	}
	return out, nil
}

// applyOutcome persists a conflict decision. It returns the surviving local
// record (nil when removed) and whether the conflict remains open.
func applyOutcome(ctx context.Context, tx *objectstore.Adapter, o Outcome) (*types.ObjectRecord, bool, error) {
	switch o := o.(type) {
	case KeepLocal:
		if err := tx.Put(ctx, o.Record); err != nil {
			return nil, false, err
		}
		return o.Record, false, tx.DropSnapshot(ctx, o.Record.Bucket, o.Record.ObjectID)
	case AcceptServer:
		if err := tx.Put(ctx, o.Record); err != nil {
			return nil, false, err
		}
		return o.Record, false, tx.DropSnapshot(ctx, o.Record.Bucket, o.Record.ObjectID)
	case RemoveLocal:
		if err := tx.Remove(ctx, o.Bucket, o.ObjectID); err != nil {
			return nil, false, err
		}
		return nil, false, tx.DropSnapshot(ctx, o.Bucket, o.ObjectID)
	case MarkConflicted:
		if err := tx.Put(ctx, o.Record); err != nil {
			return nil, true, err
		}
		return o.Record, true, tx.PutSnapshot(ctx, o.Snapshot)
	}
	return nil, false, fmt.Errorf("unknown conflict outcome %T", o)
}
