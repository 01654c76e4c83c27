package synckit

import (
	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

// Incoming is the server side of one object as seen by a pull page or a
// push result.
type Incoming struct {
	// Record is the server's version. It is nil when the server only
	// reported a deletion without a body.
	Record  *types.ObjectRecord
	ETag    string
	Deleted bool
}

// Detection classifies a local record against an incoming server version.
type Detection int

const (
	// DetectNone means the local record already reflects the server state.
	DetectNone Detection = iota
	// DetectApply means the local record is clean and takes the server state.
	DetectApply
	// DetectConflict means both sides changed.
	DetectConflict
	// DetectIDCollision means a never-synced local record shares its ID with
	// an unrelated server object.
	DetectIDCollision
)

func (d Detection) String() string {
	switch d {
	case DetectNone:
		return "none"
	case DetectApply:
		return "apply"
	case DetectConflict:
		return "conflict"
	case DetectIDCollision:
		return "id_collision"
	}
	return "unknown"
}

// Detect compares local (nil when absent) with in.
func Detect(local *types.ObjectRecord, in Incoming) Detection {
	if local == nil {
		if in.Deleted {
			return DetectNone
		}
		return DetectApply
	}
	if local.ETag == "" {
		if in.Deleted {
			return DetectNone
		}
		return DetectIDCollision
	}

	state := local.State
	if state.IsConflicted() || state.IsSyncing() {
		state = state.Dirty()
	}
	switch {
	case state == types.StateSync || state == types.StateNone:
		if in.Deleted || in.ETag != local.ETag {
			return DetectApply
		}
		return DetectNone
	case state.IsDeletion():
		// Both sides want the object gone.
		if in.Deleted {
			return DetectApply
		}
		if in.ETag != local.ETag {
			return DetectConflict
		}
		return DetectNone
	default:
		if in.Deleted || in.ETag != local.ETag {
			return DetectConflict
		}
		return DetectNone
	}
}

// Outcome is the decision of Resolve. It is one of KeepLocal, AcceptServer,
// RemoveLocal or MarkConflicted.
type Outcome interface {
	outcome()
}

// KeepLocal stores Record, the local payload re-stamped with the server ETag,
// so that it can be pushed again.
type KeepLocal struct {
	Record *types.ObjectRecord
}

// AcceptServer replaces the local record with the server version.
type AcceptServer struct {
	Record *types.ObjectRecord
}

// RemoveLocal drops the local record.
type RemoveLocal struct {
	Bucket   string
	ObjectID string
}

// MarkConflicted parks the local record in a CONFLICTED* state and retains
// the server side for a later explicit resolution.
type MarkConflicted struct {
	Record   *types.ObjectRecord
	Snapshot *types.ConflictSnapshot
}

func (KeepLocal) outcome()      {}
func (AcceptServer) outcome()   {}
func (RemoveLocal) outcome()    {}
func (MarkConflicted) outcome() {}

// Resolve decides a true conflict between local and in under policy. It has
// no side effects; the caller applies the outcome.
func Resolve(policy types.ConflictPolicy, local *types.ObjectRecord, in Incoming) Outcome {
	switch policy {
	case types.PolicyClient:
		if in.Deleted {
			return RemoveLocal{Bucket: local.Bucket, ObjectID: local.ObjectID}
		}
		rec := local.Clone()
		rec.State = local.State.Dirty()
		rec.ETag = in.ETag
		if in.Record != nil {
			rec.ServerTimestamp = in.Record.ServerTimestamp
		}
		if rec.Document != nil && !rec.State.IsDeletion() {
			rec.Document.Set(document.FieldETag, document.String(in.ETag))
		}
		return KeepLocal{Record: rec}

	case types.PolicyManual:
		rec := local.Clone()
		rec.State = local.State.Dirty().Conflicted()
		snap := &types.ConflictSnapshot{
			Bucket:        local.Bucket,
			ObjectID:      local.ObjectID,
			Server:        in.Record.Clone(),
			ServerDeleted: in.Deleted,
		}
		return MarkConflicted{Record: rec, Snapshot: snap}

	default:
		if in.Deleted || in.Record == nil {
			return RemoveLocal{Bucket: local.Bucket, ObjectID: local.ObjectID}
		}
		rec := in.Record.Clone()
		rec.Bucket = local.Bucket
		rec.ObjectID = local.ObjectID
		rec.State = types.StateSync
		return AcceptServer{Record: rec}
	}
}

// Incoming builds the server side of a snapshot.
func (c Conflict) Incoming() Incoming {
	in := Incoming{Deleted: c.Snapshot.ServerDeleted}
	if c.Snapshot.Server != nil {
		in.Record = c.Snapshot.Server
		in.ETag = c.Snapshot.Server.ETag
	}
	return in
}

// Conflict pairs a CONFLICTED* local record with the retained server side.
type Conflict struct {
	Local    *types.ObjectRecord
	Snapshot *types.ConflictSnapshot
}
