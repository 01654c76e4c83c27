package synckit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-offline-sync/cursor"
	"github.com/c0deZ3R0/go-offline-sync/document"
	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/objectstore"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// pullPage is one fetched page handed from the fetcher to the merger. A page
// with stop set ends the merge loop.
type pullPage struct {
	n    int
	docs []*document.Object
	stop bool
}

type pullOutcome struct {
	pulled      int
	synced      []string
	conflicts   int
	idConflicts int
	seen        map[string]bool
}

// divideQuery builds the query of one divide-pull page: the scope condition,
// the lower time bound and the page cursor conjoined, sorted by
// (updatedAt, _id).
func divideQuery(scope query.Condition, lower string, pos cursor.DivideCursor, size int) query.Query {
	var parts []document.Value
	if scope.Len() > 0 {
		parts = append(parts, document.ObjectOf(scope))
	}
	if lower != "" {
		parts = append(parts, document.ObjectOf(document.NewObject().Set(document.FieldUpdatedAt,
			document.ObjectOf(document.NewObject().Set("$gte", document.String(lower))))))
	}
	if !pos.IsZero() {
		parts = append(parts, document.ObjectOf(pos.After()))
	}

	q := query.Query{
		SortOrders:     []string{document.FieldUpdatedAt, document.FieldID},
		Limit:          size,
		IncludeDeleted: true,
	}
	switch len(parts) {
	case 0:
	case 1:
		q.Clause = parts[0].Object()
	default:
		q.Clause = document.NewObject().Set("$and", document.ArrayOf(parts...))
	}
	return q
}

// pullLowerBound is the last pull's server time minus PullMargin, or "" for
// a first pull.
func pullLowerBound(b *types.BucketRecord) string {
	if b.LastPullServerTime == "" {
		return ""
	}
	t, err := types.ParseTime(b.LastPullServerTime)
	if err != nil {
		return ""
	}
	return types.FormatTime(t.Add(-PullMargin))
}

func malformed(format string, args ...any) error {
	return syncErrors.NewMalformedPayloadError(syncErrors.OpPull, fmt.Errorf(format, args...))
}

// pull fetches every server change of b's scope and merges it into the local
// store. Fetching page n+1 overlaps with merging page n.
func (s *Service) pull(ctx context.Context, b *types.BucketRecord, notes *notifier) (*pullOutcome, error) {
	logger := s.logger.With("bucket", b.Name, "phase", "pull")

	info, err := s.transport.FetchBucket(ctx, b.Name)
	if err != nil {
		return nil, err
	}

	var scope query.Condition
	if b.Scope != nil {
		scope = b.Scope.Clause
	}
	lower := pullLowerBound(b)
	size := s.opts.pullPageSize

	out := &pullOutcome{seen: make(map[string]bool)}
	pages := make(chan pullPage, 1)
	var serverTime string

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var pos cursor.DivideCursor
		for n := 1; ; n++ {
			resp, err := s.transport.FetchObjects(gctx, b.Name, divideQuery(scope, lower, pos, size))
			if err != nil {
				return err
			}
			if n == 1 {
				serverTime = resp.CurrentTime
			}
			for i, doc := range resp.Results {
				if doc.GetString(document.FieldID) == "" {
					return malformed("page %d item %d has no %s", n, i, document.FieldID)
				}
			}
			logger.Debug("Fetched page", "page", n, "records", len(resp.Results))

			select {
			case pages <- pullPage{n: n, docs: resp.Results}:
			case <-gctx.Done():
				return gctx.Err()
			}
			if len(resp.Results) < size {
				break
			}

			next := cursor.FromDocument(resp.Results[len(resp.Results)-1])
			if next.UpdatedAt == "" {
				return malformed("page %d last item has no %s", n, document.FieldUpdatedAt)
			}
			if !pos.IsZero() && !after(next, pos) {
				return malformed("page %d did not advance past %s/%s", n, pos.UpdatedAt, pos.ID)
			}
			pos = next
		}
		select {
		case pages <- pullPage{stop: true}:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	g.Go(func() error {
		for {
			select {
			case page := <-pages:
				if page.stop {
					return nil
				}
				if err := s.mergePage(ctx, b, page, out, notes); err != nil {
					logger.Error("Merge failed", "page", page.n, "error", err)
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err = g.Wait()
	s.setSeen(b.Name, out.seen)
	if err != nil {
		return out, err
	}

	b.ACL = info.ACL
	b.ContentACL = info.ContentACL
	b.Mode = types.ModeReplica
	if serverTime != "" {
		b.LastPullServerTime = serverTime
	}
	if err := s.objects.PutBucket(ctx, b); err != nil {
		return out, err
	}
	logger.Info("Pull finished", "pulled", out.pulled, "conflicts", out.conflicts, "server_time", serverTime)
	return out, nil
}

// after reports whether a sorts strictly after b in (updatedAt, _id) order.
func after(a, b cursor.DivideCursor) bool {
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.ID > b.ID
}

// mergePage applies one page in a single transaction. Events are only
// queued once the transaction has committed.
func (s *Service) mergePage(ctx context.Context, b *types.BucketRecord, page pullPage, out *pullOutcome, notes *notifier) error {
	var (
		events      []Event
		synced      []string
		conflicts   int
		idConflicts int
	)
	err := s.objects.InTx(ctx, func(tx *objectstore.Adapter) error {
		for _, doc := range page.docs {
			id := doc.GetString(document.FieldID)
			in := Incoming{
				Record:  types.FromServer(b.Name, doc),
				ETag:    doc.GetString(document.FieldETag),
				Deleted: types.ServerDeleted(doc),
			}

			local, err := tx.Get(ctx, b.Name, id)
			if errors.Is(err, objectstore.ErrNotFound) {
				local = nil
			} else if err != nil {
				return err
			}

			switch Detect(local, in) {
			case DetectNone:
				continue

			case DetectApply:
				if in.Deleted {
					if err := tx.Remove(ctx, b.Name, id); err != nil {
						return err
					}
					if err := tx.DropSnapshot(ctx, b.Name, id); err != nil {
						return err
					}
				} else if err := tx.Put(ctx, in.Record); err != nil {
					return err
				}
				synced = append(synced, id)

			case DetectConflict:
				rec, open, err := applyOutcome(ctx, tx, Resolve(b.Policy, local, in))
				if err != nil {
					return err
				}
				if open {
					conflicts++
					events = append(events, Event{
						Type:          EventConflict,
						Bucket:        b.Name,
						ObjectID:      id,
						Local:         rec,
						Server:        in.Record,
						ServerDeleted: in.Deleted,
					})
				} else {
					synced = append(synced, id)
				}

			case DetectIDCollision:
				moved, err := s.remint(ctx, tx, local, in.Record)
				if err != nil {
					return err
				}
				idConflicts++
				synced = append(synced, id)
				events = append(events, Event{
					Type:        EventIDConflict,
					Bucket:      b.Name,
					ObjectID:    id,
					NewObjectID: moved.ObjectID,
					Local:       moved,
					Server:      in.Record,
				})
			}
		}
		return nil
	})
	// Seen IDs count even when the page failed: they were surfaced by the
	// server in this pull.
	for _, doc := range page.docs {
		out.seen[doc.GetString(document.FieldID)] = true
	}
	if err != nil {
		return err
	}

	out.pulled += len(synced)
	out.synced = append(out.synced, synced...)
	out.conflicts += conflicts
	out.idConflicts += idConflicts
	for _, e := range events {
		notes.add(e)
	}
	return nil
}

// remint moves a never-synced local record to a fresh ID and stores server
// (when non-nil) under the original ID.
func (s *Service) remint(ctx context.Context, tx *objectstore.Adapter, local, server *types.ObjectRecord) (*types.ObjectRecord, error) {
	newID := s.opts.newID()
	moved := local.Clone()
	moved.ObjectID = newID
	moved.ETag = ""
	moved.State = local.State.Dirty()
	if moved.State.IsDeletion() || moved.State == types.StateSync || moved.State == types.StateNone {
		moved.State = types.StateDirty
	}
	moved.Document = document.NewObject().
		Set(document.FieldID, document.String(newID)).
		Merge(local.Document.Without(append([]string{document.FieldID}, serverManaged...)...))

	if err := tx.Remove(ctx, local.Bucket, local.ObjectID); err != nil {
		return nil, err
	}
	if err := tx.DropSnapshot(ctx, local.Bucket, local.ObjectID); err != nil {
		return nil, err
	}
	if err := tx.Put(ctx, moved); err != nil {
		return nil, err
	}
	if server != nil {
		rec := server.Clone()
		rec.Bucket = local.Bucket
		rec.ObjectID = local.ObjectID
		rec.State = types.StateSync
		if err := tx.Put(ctx, rec); err != nil {
			return nil, err
		}
	}
	s.logger.Info("ID collision remediated",
		"bucket", local.Bucket,
		"object_id", local.ObjectID,
		"new_object_id", newID)
	return moved, nil
}
