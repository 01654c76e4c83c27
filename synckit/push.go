package synckit

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/objectstore"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// pushItem pairs a batch operation with the record it was built from.
type pushItem struct {
	rec *types.ObjectRecord
	// prior is the state restored when the item is not acknowledged.
	prior types.SyncState
	op    types.BatchOp
}

// pushBatch is one sent batch handed from the sender to the result worker. A
// batch with stop set ends the loop.
type pushBatch struct {
	n     int
	items []pushItem
	resp  *types.BatchResponse
	stop  bool
}

type pushOutcome struct {
	pushed      int
	conflicts   int
	idConflicts int
	failed      int
	// retry lists records re-stamped by a CLIENT resolution.
	retry []string
}

// errPushRejected describes an item the server refused. Only forbidden and
// badRequest need a local change before the next pass can succeed.
func errPushRejected(code types.ResultCode, reason types.ReasonCode) error {
	msg := "server rejected object: " + string(code)
	if reason != "" {
		msg += " (" + string(reason) + ")"
	}
	cause := errors.New(msg)

	var e *syncErrors.SyncError
	switch code {
	case types.ResultConflict:
		e = syncErrors.NewConflictError(syncErrors.OpPush, cause)
		e.Retryable = true
	case types.ResultForbidden, types.ResultBadRequest:
		e = syncErrors.NewValidationError(syncErrors.OpPush, cause)
	default:
		e = syncErrors.NewRetryable(syncErrors.OpPush, cause)
		e.Kind = syncErrors.KindTransport
	}
	e.Component = component
	return e
}

// buildOp renders rec as a batch operation for its pending flavor.
func buildOp(rec *types.ObjectRecord, flavor types.SyncState) types.BatchOp {
	meta := append([]string{document.FieldID}, serverManaged...)
	switch {
	case rec.ETag == "":
		return types.BatchOp{Op: types.OpInsert, ID: rec.ObjectID, Data: rec.Document.Without(meta...)}
	case flavor.IsDeletion():
		return types.BatchOp{
			Op:   types.OpDelete,
			ID:   rec.ObjectID,
			ETag: rec.ETag,
			Data: document.NewObject().Set(document.FieldDeleted, document.Bool(true)),
		}
	case flavor == types.StateDirtyFull:
		return types.BatchOp{
			Op:   types.OpUpdate,
			ID:   rec.ObjectID,
			ETag: rec.ETag,
			Data: document.NewObject().Set(types.FullUpdateKey, document.ObjectOf(rec.Document.Without(meta...))),
		}
	default:
		return types.BatchOp{
			Op:   types.OpUpdate,
			ID:   rec.ObjectID,
			ETag: rec.ETag,
			Data: rec.Document.Without(append(meta, document.FieldACL)...),
		}
	}
}

// prepare builds the batch items of recs and marks them SYNCING. Conflicted
// records absent from seen are skipped. Unsynced tombstones are dropped.
func (s *Service) prepare(ctx context.Context, recs []*types.ObjectRecord, seen map[string]bool) ([]pushItem, error) {
	var items []pushItem
	err := s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
		items = items[:0]
		for _, rec := range recs {
			prior := rec.State
			if prior.IsConflicted() && !seen[rec.ObjectID] {
				continue
			}
			flavor := prior.Dirty()
			if prior.IsSyncing() {
				// Left over from an interrupted pass.
				prior = flavor
			}
			if rec.ETag == "" && flavor.IsDeletion() {
				if err := tx.Remove(ctx, rec.Bucket, rec.ObjectID); err != nil {
					return err
				}
				if err := tx.DropSnapshot(ctx, rec.Bucket, rec.ObjectID); err != nil {
					return err
				}
				continue
			}
			item := pushItem{rec: rec.Clone(), prior: prior, op: buildOp(rec, flavor)}
			marked := rec.Clone()
			marked.State = flavor.Syncing()
			if err := tx.Put(ctx, marked); err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

// restore puts items back into their pre-push states.
func (s *Service) restore(ctx context.Context, items []pushItem) error {
	return s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
		for _, it := range items {
			rec := it.rec.Clone()
			rec.State = it.prior
			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// send posts items as one batch. On failure the items are restored.
func (s *Service) send(ctx context.Context, bucket string, items []pushItem) (*types.BatchResponse, error) {
	req := &types.BatchRequest{Requests: make([]types.BatchOp, len(items))}
	for i, it := range items {
		req.Requests[i] = it.op
	}
	resp, err := s.transport.Batch(ctx, bucket, req)
	if err != nil {
		if rerr := s.restore(context.WithoutCancel(ctx), items); rerr != nil {
			s.logger.Error("Failed to restore records after push failure", "bucket", bucket, "error", rerr)
		}
		return nil, err
	}
	return resp, nil
}

// push sends every pending record of b in batches. Assembling and sending
// batch n+1 overlaps with applying the results of batch n.
func (s *Service) push(ctx context.Context, b *types.BucketRecord, seen map[string]bool, notes *notifier) (*pushOutcome, error) {
	logger := s.logger.With("bucket", b.Name, "phase", "push")
	size := s.opts.pushBatchSize
	out := &pushOutcome{}
	batches := make(chan pushBatch, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var pos cursor.IntegerCursor
		for n := 1; ; n++ {
			recs, err := s.objects.Dirty(gctx, b.Name, pos, size)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				break
			}
			pos = pos.Advance(recs[len(recs)-1].Seq)

			items, err := s.prepare(gctx, recs, seen)
			if err != nil {
				return err
			}
			if len(items) > 0 {
				resp, err := s.send(gctx, b.Name, items)
				if err != nil {
					return err
				}
				logger.Debug("Sent batch", "batch", n, "operations", len(items))
				select {
				case batches <- pushBatch{n: n, items: items, resp: resp}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if len(recs) < size {
				break
			}
		}
		select {
		case batches <- pushBatch{stop: true}:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	g.Go(func() error {
		for {
			select {
			case batch := <-batches:
				if batch.stop {
					return nil
				}
				if err := s.applyResults(ctx, b, batch.items, batch.resp, out, notes, true); err != nil {
					logger.Error("Applying batch results failed", "batch", batch.n, "error", err)
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return out, err
	}

	if len(out.retry) > 0 {
		var recs []*types.ObjectRecord
		for _, id := range out.retry {
			rec, err := s.objects.Get(ctx, b.Name, id)
			if errors.Is(err, objectstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return out, err
			}
			recs = append(recs, rec)
		}
		out.retry = nil
		if err := s.pushOnce(ctx, b, recs, out, notes); err != nil {
			return out, err
		}
	}
	logger.Info("Push finished", "pushed", out.pushed, "failed", out.failed, "conflicts", out.conflicts)
	return out, nil
}

// pushRecords pushes recs as a single batch without a retry round.
func (s *Service) pushRecords(ctx context.Context, b *types.BucketRecord, recs []*types.ObjectRecord, notes *notifier) (*pushOutcome, error) {
	out := &pushOutcome{}
	return out, s.pushOnce(ctx, b, recs, out, notes)
}

func (s *Service) pushOnce(ctx context.Context, b *types.BucketRecord, recs []*types.ObjectRecord, out *pushOutcome, notes *notifier) error {
	if len(recs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		seen[rec.ObjectID] = true
	}
	items, err := s.prepare(ctx, recs, seen)
	if err != nil || len(items) == 0 {
		return err
	}
	resp, err := s.send(ctx, b.Name, items)
	if err != nil {
		return err
	}
	return s.applyResults(ctx, b, items, resp, out, notes, false)
}

// applyResults applies the per-item results of one batch in a transaction.
func (s *Service) applyResults(ctx context.Context, b *types.BucketRecord, items []pushItem, resp *types.BatchResponse, out *pushOutcome, notes *notifier, allowRetry bool) error {
	byID := make(map[string]types.BatchItemResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.ID] = r
	}

	var (
		events []Event
		tally  pushOutcome
	)
	pushError := func(it pushItem, reason types.ReasonCode, code types.ResultCode) {
		tally.failed++
		events = append(events, Event{
			Type:     EventPushError,
			Bucket:   b.Name,
			ObjectID: it.rec.ObjectID,
			Local:    it.rec,
			Reason:   reason,
			Err:      errPushRejected(code, reason),
		})
	}

	err := s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
		tally = pushOutcome{}
		events = events[:0]
		for _, it := range items {
			res, ok := byID[it.op.ID]
			if !ok {
				res = types.BatchItemResult{ID: it.op.ID, Result: types.ResultServerError}
			}
			local := it.rec.Clone()
			local.State = it.prior
			logging.Trace(ctx, s.logger, "Push result", "bucket", b.Name, "object_id", it.rec.ObjectID,
				"op", string(it.op.Op), "result", string(res.Result), "reason", string(res.ReasonCode))

			switch res.Result {
			case types.ResultOK:
				if err := s.acknowledge(ctx, tx, it, res); err != nil {
					return err
				}
				tally.pushed++

			case types.ResultNotFound:
				if it.op.Op == types.OpDelete || !s.inScope(b, local) {
					if err := tx.Remove(ctx, b.Name, it.rec.ObjectID); err != nil {
						return err
					}
					if err := tx.DropSnapshot(ctx, b.Name, it.rec.ObjectID); err != nil {
						return err
					}
					continue
				}
				ev, retry, err := s.settle(ctx, tx, b, local, Incoming{Deleted: true, ETag: local.ETag})
				if err != nil {
					return err
				}
				if ev != nil {
					tally.conflicts++
					events = append(events, *ev)
				}
				if retry && allowRetry {
					tally.retry = append(tally.retry, local.ObjectID)
				}

			case types.ResultConflict:
				switch {
				case res.ReasonCode == types.ReasonDuplicateID && local.ETag == "":
					var server *types.ObjectRecord
					if res.Data != nil {
						server = types.FromServer(b.Name, res.Data)
						if server.ObjectID == "" {
							server.ObjectID = local.ObjectID
						}
					}
					moved, err := s.remint(ctx, tx, local, server)
					if err != nil {
						return err
					}
					tally.idConflicts++
					events = append(events, Event{
						Type:        EventIDConflict,
						Bucket:      b.Name,
						ObjectID:    local.ObjectID,
						NewObjectID: moved.ObjectID,
						Local:       moved,
						Server:      server,
						Reason:      res.ReasonCode,
					})

				case res.Data != nil && (res.ReasonCode == types.ReasonETagMismatch || res.ReasonCode == ""):
					in := Incoming{
						Record:  types.FromServer(b.Name, res.Data),
						ETag:    res.Data.GetString(document.FieldETag),
						Deleted: types.ServerDeleted(res.Data),
					}
					if in.ETag == "" {
						in.ETag = res.ETag
						in.Record.ETag = res.ETag
					}
					ev, retry, err := s.settle(ctx, tx, b, local, in)
					if err != nil {
						return err
					}
					if ev != nil {
						tally.conflicts++
						events = append(events, *ev)
					}
					if retry && allowRetry {
						tally.retry = append(tally.retry, local.ObjectID)
					}

				default:
					if err := tx.Put(ctx, local); err != nil {
						return err
					}
					pushError(it, res.ReasonCode, res.Result)
				}

			default:
				if err := tx.Put(ctx, local); err != nil {
					return err
				}
				pushError(it, res.ReasonCode, res.Result)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	out.pushed += tally.pushed
	out.conflicts += tally.conflicts
	out.idConflicts += tally.idConflicts
	out.failed += tally.failed
	out.retry = append(out.retry, tally.retry...)
	for _, e := range events {
		notes.add(e)
	}
	return nil
}

// acknowledge records a successful push.
func (s *Service) acknowledge(ctx context.Context, tx *objectstore.Adapter, it pushItem, res types.BatchItemResult) error {
	bucket, id := it.rec.Bucket, it.rec.ObjectID
	if it.op.Op == types.OpDelete {
		if err := tx.Remove(ctx, bucket, id); err != nil {
			return err
		}
		return tx.DropSnapshot(ctx, bucket, id)
	}

	rec := it.rec.Clone()
	if res.Data != nil {
		doc := res.Data.Clone()
		if !doc.Has(document.FieldID) {
			doc = document.NewObject().Set(document.FieldID, document.String(id)).Merge(doc)
		}
		rec.Document = doc
	}
	if res.ETag != "" {
		rec.ETag = res.ETag
	} else if e := rec.Document.GetString(document.FieldETag); e != "" {
		rec.ETag = e
	}
	if res.UpdatedAt != "" {
		rec.ServerTimestamp = res.UpdatedAt
		rec.Document.Set(document.FieldUpdatedAt, document.String(res.UpdatedAt))
	}
	if rec.ETag != "" {
		rec.Document.Set(document.FieldETag, document.String(rec.ETag))
	}
	rec.State = types.StateSync
	if err := tx.Put(ctx, rec); err != nil {
		return err
	}
	return tx.DropSnapshot(ctx, bucket, id)
}

// settle resolves a push-side conflict under b's policy. It returns the
// CONFLICT event of an open conflict and whether the record should be pushed
// again.
func (s *Service) settle(ctx context.Context, tx *objectstore.Adapter, b *types.BucketRecord, local *types.ObjectRecord, in Incoming) (*Event, bool, error) {
	outcome := Resolve(b.Policy, local, in)
	rec, open, err := applyOutcome(ctx, tx, outcome)
	if err != nil {
		return nil, false, err
	}
	if open {
		return &Event{
			Type:          EventConflict,
			Bucket:        b.Name,
			ObjectID:      local.ObjectID,
			Local:         rec,
			Server:        in.Record,
			ServerDeleted: in.Deleted,
		}, false, nil
	}
	_, keep := outcome.(KeepLocal)
	return nil, keep, nil
}

// inScope reports whether rec falls inside b's sync scope.
func (s *Service) inScope(b *types.BucketRecord, rec *types.ObjectRecord) bool {
	if b.Scope == nil || b.Scope.Clause.Len() == 0 {
		return true
	}
	return query.Match(rec.Document, b.Scope.Clause)
}
