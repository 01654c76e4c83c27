// Package types contains the records and wire shapes shared by the sync
// engine, the object store adapter and the transports. It exists to prevent
// import cycles between synckit and its collaborators.
package types

import (
	"encoding/json"
	"time"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/storage"
)

// TimeLayout is the server timestamp format: UTC with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// SyncState is the replication state of one local record.
type SyncState string

const (
	StateNone             SyncState = "NONE"
	StateSync             SyncState = "SYNC"
	StateDirty            SyncState = "DIRTY"
	StateDirtyFull        SyncState = "DIRTY_FULL"
	StateSyncing          SyncState = "SYNCING"
	StateSyncingDelete    SyncState = "SYNCING_DELETE"
	StateDelete           SyncState = "DELETE"
	StateConflicted       SyncState = "CONFLICTED"
	StateConflictedFull   SyncState = "CONFLICTED_FULL"
	StateConflictedDelete SyncState = "CONFLICTED_DELETE"
)

// PendingStates are the states the push pipeline picks up.
var PendingStates = []SyncState{
	StateDirty, StateDirtyFull, StateDelete,
	StateSyncing, StateSyncingDelete,
	StateConflicted, StateConflictedFull, StateConflictedDelete,
}

// IsDirty reports unpushed local intent that is not in conflict.
func (s SyncState) IsDirty() bool {
	return s == StateDirty || s == StateDirtyFull || s == StateDelete
}

func (s SyncState) IsConflicted() bool {
	return s == StateConflicted || s == StateConflictedFull || s == StateConflictedDelete
}

func (s SyncState) IsSyncing() bool {
	return s == StateSyncing || s == StateSyncingDelete
}

// IsDeletion reports a logical tombstone awaiting push or resolution.
func (s SyncState) IsDeletion() bool {
	return s == StateDelete || s == StateSyncingDelete || s == StateConflictedDelete
}

// Conflicted maps a dirty flavor to its conflicted counterpart.
func (s SyncState) Conflicted() SyncState {
	switch s {
	case StateDirtyFull, StateSyncing:
		return StateConflictedFull
	case StateDelete, StateSyncingDelete:
		return StateConflictedDelete
	case StateDirty:
		return StateConflicted
	}
	return s
}

// Dirty maps a conflicted or in-flight state back to its dirty flavor. An
// interrupted SYNCING record cannot tell partial from full updates, so it
// becomes DIRTY_FULL.
func (s SyncState) Dirty() SyncState {
	switch s {
	case StateConflicted:
		return StateDirty
	case StateConflictedFull, StateSyncing:
		return StateDirtyFull
	case StateConflictedDelete, StateSyncingDelete:
		return StateDelete
	}
	return s
}

// Syncing is the in-flight state persisted while a push batch is pending.
func (s SyncState) Syncing() SyncState {
	if s.Dirty().IsDeletion() {
		return StateSyncingDelete
	}
	return StateSyncing
}

// ObjectRecord is one replicated object in the local store.
type ObjectRecord struct {
	Bucket   string
	ObjectID string
	Document *document.Object
	// ETag is empty until the server has acknowledged the object.
	ETag            string
	State           SyncState
	ServerTimestamp string
	Permission      json.RawMessage

	// Seq is the local store sequence, set by reads.
	Seq int64
}

// Deleted reports a local tombstone.
func (r *ObjectRecord) Deleted() bool { return r.State.IsDeletion() }

// Clone returns a deep copy.
func (r *ObjectRecord) Clone() *ObjectRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Document = r.Document.Clone()
	if r.Permission != nil {
		c.Permission = append(json.RawMessage(nil), r.Permission...)
	}
	return &c
}

// FromServer builds a SYNC record from a server document.
func FromServer(bucket string, doc *document.Object) *ObjectRecord {
	rec := &ObjectRecord{
		Bucket:          bucket,
		ObjectID:        doc.GetString(document.FieldID),
		Document:        doc,
		ETag:            doc.GetString(document.FieldETag),
		State:           StateSync,
		ServerTimestamp: doc.GetString(document.FieldUpdatedAt),
	}
	if acl, ok := doc.Get(document.FieldACL); ok && !acl.IsNull() {
		if data, err := acl.MarshalJSON(); err == nil {
			rec.Permission = data
		}
	}
	return rec
}

// ServerDeleted reports whether a server document carries the soft-delete mark.
func ServerDeleted(doc *document.Object) bool {
	return doc.GetBool(document.FieldDeleted)
}

// ConflictPolicy decides which side wins a write conflict.
type ConflictPolicy string

const (
	PolicyClient ConflictPolicy = "CLIENT"
	PolicyServer ConflictPolicy = "SERVER"
	PolicyManual ConflictPolicy = "MANUAL"
)

func (p ConflictPolicy) Valid() bool {
	return p == PolicyClient || p == PolicyServer || p == PolicyManual
}

// BucketMode is the server-side bucket mode. Buckets cached by a pull are
// always ModeReplica.
type BucketMode string

const (
	ModeReplica BucketMode = "replica"
	ModeLocal   BucketMode = "local"
	ModeOnline  BucketMode = "online"
)

// BucketRecord is the persisted sync metadata of one bucket.
type BucketRecord struct {
	Name       string
	ACL        json.RawMessage
	ContentACL json.RawMessage
	Policy     ConflictPolicy
	Mode       BucketMode
	// Scope restricts what is pulled. Nil means the whole bucket.
	Scope              *query.Query
	Indexes            storage.IndexDefinitions
	LastSyncTime       string
	LastPullServerTime string
}

// ConflictSnapshot is the server side of a CONFLICTED* record.
type ConflictSnapshot struct {
	Bucket   string
	ObjectID string
	Server   *ObjectRecord
	// ServerDeleted is set when the server removed the object.
	ServerDeleted bool
}

// BatchOpKind is the operation of one batch item.
type BatchOpKind string

const (
	OpInsert BatchOpKind = "insert"
	OpUpdate BatchOpKind = "update"
	OpDelete BatchOpKind = "delete"
)

// FullUpdateKey wraps a whole-document replacement inside an update op.
const FullUpdateKey = "$full_update"

// BatchOp is one operation of a push batch.
type BatchOp struct {
	Op   BatchOpKind      `json:"op"`
	ID   string           `json:"_id"`
	ETag string           `json:"etag,omitempty"`
	Data *document.Object `json:"data,omitempty"`
}

// FullUpdate returns the replacement document of a full-update op.
func (o BatchOp) FullUpdate() (*document.Object, bool) {
	v, ok := o.Data.Get(FullUpdateKey)
	if !ok || v.Kind() != document.KindObject {
		return nil, false
	}
	return v.Object(), true
}

// BatchRequest is the body of POST /objects/{bucket}/_batch.
type BatchRequest struct {
	Requests []BatchOp `json:"requests"`
}

// ResultCode is the outcome of one batch item.
type ResultCode string

const (
	ResultOK          ResultCode = "ok"
	ResultConflict    ResultCode = "conflict"
	ResultNotFound    ResultCode = "notFound"
	ResultForbidden   ResultCode = "forbidden"
	ResultBadRequest  ResultCode = "badRequest"
	ResultServerError ResultCode = "serverError"
)

// ReasonCode qualifies a conflict result.
type ReasonCode string

const (
	ReasonETagMismatch      ReasonCode = "etag_mismatch"
	ReasonDuplicateKey      ReasonCode = "duplicate_key"
	ReasonDuplicateID       ReasonCode = "duplicate_id"
	ReasonRequestConflicted ReasonCode = "request_conflicted"
	ReasonUnspecified       ReasonCode = "unspecified"
)

// BatchItemResult is the server's answer for one BatchOp.
type BatchItemResult struct {
	ID         string           `json:"id"`
	Result     ResultCode       `json:"result"`
	ReasonCode ReasonCode       `json:"reasonCode,omitempty"`
	ETag       string           `json:"etag,omitempty"`
	UpdatedAt  string           `json:"updatedAt,omitempty"`
	Data       *document.Object `json:"data,omitempty"`
}

// UnmarshalJSON also accepts the id under "_id", as some servers echo the
// request key.
func (r *BatchItemResult) UnmarshalJSON(data []byte) error {
	type plain BatchItemResult
	var aux struct {
		plain
		AltID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = BatchItemResult(aux.plain)
	if r.ID == "" {
		r.ID = aux.AltID
	}
	return nil
}

// BatchResponse is the body returned by the batch endpoint.
type BatchResponse struct {
	Results []BatchItemResult `json:"results"`
}

// PullResponse is the body returned by GET /objects/{bucket}.
type PullResponse struct {
	Results     []*document.Object `json:"results"`
	CurrentTime string             `json:"currentTime"`
	Count       *int               `json:"count,omitempty"`
}

// BucketInfo is the body returned by GET /buckets/object/{bucket}.
type BucketInfo struct {
	ACL         json.RawMessage `json:"ACL,omitempty"`
	ContentACL  json.RawMessage `json:"contentACL,omitempty"`
	Description string          `json:"description,omitempty"`
	BucketMode  BucketMode      `json:"bucketMode,omitempty"`
}
