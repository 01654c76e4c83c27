// Package storage defines the contract between the sync engine and the
// relational store that holds the local replica: row shapes, a small column
// predicate language, and transactional access.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by single-row reads when no row exists. It is an
// ordinary outcome, not a failure.
var ErrNotFound = errors.New("storage: not found")

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("storage: store is closed")

// ObjectRow is the persisted form of one replicated object.
type ObjectRow struct {
	// Seq is the store-assigned insertion sequence. It is stable across
	// updates and used as the scan cursor.
	Seq        int64
	Bucket     string
	ObjectID   string
	State      string
	Document   []byte
	Timestamp  string
	ETag       string
	Permission []byte
	Deleted    bool

	// Index holds values for index columns, keyed by column name. A nil
	// value clears the column. Only used on writes.
	Index map[string]any
}

// BucketRow is the persisted per-bucket sync metadata.
type BucketRow struct {
	Name               string
	ACL                []byte
	ContentACL         []byte
	Policy             string
	Mode               string
	Scope              []byte
	Indexes            []byte
	LastSyncTime       string
	LastPullServerTime string
}

// ConflictRow keeps the server side of a conflicted object.
type ConflictRow struct {
	Bucket   string
	ObjectID string
	Snapshot []byte
}

// ScanRequest describes one page of an object scan ordered by Seq.
type ScanRequest struct {
	Bucket         string
	Where          Predicate
	States         []string
	IncludeDeleted bool
	AfterSeq       int64
	Limit          int
}

// Querier is the row-level access shared by the store and its transactions.
type Querier interface {
	GetObject(ctx context.Context, bucket, objectID string) (*ObjectRow, error)
	PutObject(ctx context.Context, row *ObjectRow) error
	DeleteObject(ctx context.Context, bucket, objectID string) error
	ScanObjects(ctx context.Context, req ScanRequest) ([]ObjectRow, error)

	GetBucket(ctx context.Context, name string) (*BucketRow, error)
	PutBucket(ctx context.Context, row *BucketRow) error
	ListBuckets(ctx context.Context) ([]BucketRow, error)

	GetConflict(ctx context.Context, bucket, objectID string) (*ConflictRow, error)
	PutConflict(ctx context.Context, row *ConflictRow) error
	DeleteConflict(ctx context.Context, bucket, objectID string) error
	ListConflicts(ctx context.Context, bucket string) ([]ConflictRow, error)
}

// Tx is a Querier bound to one transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Store is the storage collaborator.
type Store interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	// EnsureIndexColumns adds any missing index columns.
	EnsureIndexColumns(ctx context.Context, columns map[string]IndexType) error
	Close() error
}

// InTx runs fn inside a transaction on s, committing on success and rolling
// back on error or panic.
func InTx(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
