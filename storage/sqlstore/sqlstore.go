// Package sqlstore implements storage.Store over database/sql. The SQLite and
// PostgreSQL packages supply a Dialect and a configured *sql.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/storage"
)

// Operation constants for consistent error reporting
const (
	opGetObject      = "sqlstore.GetObject"
	opPutObject      = "sqlstore.PutObject"
	opDeleteObject   = "sqlstore.DeleteObject"
	opScanObjects    = "sqlstore.ScanObjects"
	opGetBucket      = "sqlstore.GetBucket"
	opPutBucket      = "sqlstore.PutBucket"
	opListBuckets    = "sqlstore.ListBuckets"
	opConflict       = "sqlstore.Conflict"
	opBegin          = "sqlstore.Begin"
	opSchema         = "sqlstore.EnsureSchema"
	opIndexColumns   = "sqlstore.EnsureIndexColumns"
	defaultComponent = "storage/sql"
)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// SeqColumn is the DDL of the auto-increment primary key.
	SeqColumn string
	// ColumnType maps an index type to its column DDL.
	ColumnType func(t storage.IndexType) string
	// ListColumns returns a query yielding one column name per row for the
	// objects table.
	ListColumns string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a storage.Store backed by a *sql.DB.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	component string
	logger    *slog.Logger

	mu      stdSync.RWMutex
	closed  bool
	columns map[string]bool // known index columns
}

var _ storage.Store = (*Store)(nil)

// New wraps db and creates the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect, component string, logger *slog.Logger) (*Store, error) {
	if component == "" {
		component = defaultComponent
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:        db,
		dialect:   dialect,
		component: component,
		logger:    logger,
		columns:   make(map[string]bool),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS objects (
			%s,
			bucket      TEXT NOT NULL,
			object_id   TEXT NOT NULL,
			state       TEXT NOT NULL,
			document    TEXT NOT NULL,
			timestamp   TEXT NOT NULL DEFAULT '',
			etag        TEXT NOT NULL DEFAULT '',
			permission  TEXT,
			deleted     INTEGER NOT NULL DEFAULT 0,
			UNIQUE (bucket, object_id)
		)`, s.dialect.SeqColumn),
		`CREATE INDEX IF NOT EXISTS idx_objects_state ON objects (bucket, state)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			name                  TEXT PRIMARY KEY,
			acl                   TEXT,
			content_acl           TEXT,
			policy                TEXT NOT NULL DEFAULT '',
			mode                  TEXT NOT NULL DEFAULT '',
			scope                 TEXT,
			indexes               TEXT,
			last_sync_time        TEXT NOT NULL DEFAULT '',
			last_pull_server_time TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			bucket    TEXT NOT NULL,
			object_id TEXT NOT NULL,
			snapshot  TEXT NOT NULL,
			PRIMARY KEY (bucket, object_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return syncErrors.WrapOpComponentKind(err, opSchema, s.component, syncErrors.KindInternal)
		}
	}
	return s.loadColumns(ctx)
}

func (s *Store) loadColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.ListColumns)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, opSchema, s.component, syncErrors.KindInternal)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return syncErrors.WrapOpComponentKind(err, opSchema, s.component, syncErrors.KindInternal)
		}
		if storage.ValidIndexColumn(name) {
			s.columns[name] = true
		}
	}
	return rows.Err()
}

// EnsureIndexColumns adds the missing index columns to the objects table.
func (s *Store) EnsureIndexColumns(ctx context.Context, columns map[string]storage.IndexType) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for col, t := range columns {
		if s.columns[col] {
			continue
		}
		if !storage.ValidIndexColumn(col) || !t.Valid() {
			return syncErrors.Invalid(opIndexColumns, s.component, fmt.Sprintf("invalid index column %q", col))
		}
		stmt := fmt.Sprintf(`ALTER TABLE objects ADD COLUMN %s %s`, col, s.dialect.ColumnType(t))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return syncErrors.WrapOpComponentKind(err, opIndexColumns, s.component, syncErrors.KindInternal)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s ON objects (bucket, %s)`, col, col)); err != nil {
			return syncErrors.WrapOpComponentKind(err, opIndexColumns, s.component, syncErrors.KindInternal)
		}
		s.columns[col] = true
		s.logger.Debug("Added index column", "column", col, "type", string(t))
	}
	return nil
}

func (s *Store) hasColumn(col string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.columns[col]
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opBegin, s.component, syncErrors.KindInternal)
	}
	return &txQuerier{querier: querier{s: s, ex: tx}, tx: tx}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) q() querier { return querier{s: s, ex: s.db} }

func (s *Store) GetObject(ctx context.Context, bucket, objectID string) (*storage.ObjectRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().GetObject(ctx, bucket, objectID)
}

func (s *Store) PutObject(ctx context.Context, row *storage.ObjectRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.q().PutObject(ctx, row)
}

func (s *Store) DeleteObject(ctx context.Context, bucket, objectID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.q().DeleteObject(ctx, bucket, objectID)
}

func (s *Store) ScanObjects(ctx context.Context, req storage.ScanRequest) ([]storage.ObjectRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().ScanObjects(ctx, req)
}

func (s *Store) GetBucket(ctx context.Context, name string) (*storage.BucketRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().GetBucket(ctx, name)
}

func (s *Store) PutBucket(ctx context.Context, row *storage.BucketRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.q().PutBucket(ctx, row)
}

func (s *Store) ListBuckets(ctx context.Context) ([]storage.BucketRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().ListBuckets(ctx)
}

func (s *Store) GetConflict(ctx context.Context, bucket, objectID string) (*storage.ConflictRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().GetConflict(ctx, bucket, objectID)
}

func (s *Store) PutConflict(ctx context.Context, row *storage.ConflictRow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.q().PutConflict(ctx, row)
}

func (s *Store) DeleteConflict(ctx context.Context, bucket, objectID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.q().DeleteConflict(ctx, bucket, objectID)
}

func (s *Store) ListConflicts(ctx context.Context, bucket string) ([]storage.ConflictRow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.q().ListConflicts(ctx, bucket)
}

type txQuerier struct {
	querier
	tx *sql.Tx
}

func (t *txQuerier) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return syncErrors.WrapOpComponentKind(err, opBegin, t.s.component, syncErrors.KindInternal)
	}
	return nil
}

func (t *txQuerier) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// querier runs statements against either the pool or a transaction.
type querier struct {
	s  *Store
	ex execer
}

func (q querier) ph(n int) string { return q.s.dialect.Placeholder(n) }

func (q querier) wrap(err error, op string) error {
	return syncErrors.Storage(err, op, q.s.component)
}

// Booleans are stored as 0/1 on every engine.
func (q querier) boolArg(b bool) any {
	if b {
		return 1
	}
	return 0
}

const objectColumns = `seq, bucket, object_id, state, document, timestamp, etag, permission, deleted`

func scanObject(sc interface{ Scan(...any) error }) (storage.ObjectRow, error) {
	var (
		row        storage.ObjectRow
		doc        string
		permission sql.NullString
		deleted    int64
	)
	err := sc.Scan(&row.Seq, &row.Bucket, &row.ObjectID, &row.State, &doc, &row.Timestamp, &row.ETag, &permission, &deleted)
	if err != nil {
		return storage.ObjectRow{}, err
	}
	row.Document = []byte(doc)
	if permission.Valid {
		row.Permission = []byte(permission.String)
	}
	row.Deleted = deleted != 0
	return row, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (q querier) GetObject(ctx context.Context, bucket, objectID string) (*storage.ObjectRow, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM objects WHERE bucket = %s AND object_id = %s`, objectColumns, q.ph(1), q.ph(2))
	row, err := scanObject(q.ex.QueryRowContext(ctx, stmt, bucket, objectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, q.wrap(err, opGetObject)
	}
	return &row, nil
}

// PutObject inserts or updates the row keyed by (Bucket, ObjectID). Seq is
// assigned on insert and kept on update; row.Seq is refreshed either way.
func (q querier) PutObject(ctx context.Context, row *storage.ObjectRow) error {
	cols := []string{"bucket", "object_id", "state", "document", "timestamp", "etag", "permission", "deleted"}
	args := []any{row.Bucket, row.ObjectID, row.State, string(row.Document), row.Timestamp, row.ETag, nullable(row.Permission), q.boolArg(row.Deleted)}
	for col, val := range row.Index {
		if !q.s.hasColumn(col) {
			return q.wrap(fmt.Errorf("unknown index column %q", col), opPutObject)
		}
		if b, ok := val.(bool); ok {
			val = q.boolArg(b)
		}
		cols = append(cols, col)
		args = append(args, val)
	}

	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-2)
	for i, c := range cols {
		placeholders[i] = q.ph(i + 1)
		if i >= 2 {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	stmt := fmt.Sprintf(`INSERT INTO objects (%s) VALUES (%s) ON CONFLICT (bucket, object_id) DO UPDATE SET %s RETURNING seq`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if err := q.ex.QueryRowContext(ctx, stmt, args...).Scan(&row.Seq); err != nil {
		return q.wrap(err, opPutObject)
	}
	return nil
}

func (q querier) DeleteObject(ctx context.Context, bucket, objectID string) error {
	stmt := fmt.Sprintf(`DELETE FROM objects WHERE bucket = %s AND object_id = %s`, q.ph(1), q.ph(2))
	if _, err := q.ex.ExecContext(ctx, stmt, bucket, objectID); err != nil {
		return q.wrap(err, opDeleteObject)
	}
	return nil
}

func (q querier) ScanObjects(ctx context.Context, req storage.ScanRequest) ([]storage.ObjectRow, error) {
	args := []any{req.Bucket, req.AfterSeq}
	where := []string{"bucket = " + q.ph(1), "seq > " + q.ph(2)}
	if !req.IncludeDeleted {
		where = append(where, "deleted = "+q.ph(len(args)+1))
		args = append(args, q.boolArg(false))
	}
	if len(req.States) > 0 {
		ph := make([]string, len(req.States))
		for i, st := range req.States {
			args = append(args, st)
			ph[i] = q.ph(len(args))
		}
		where = append(where, "state IN ("+strings.Join(ph, ", ")+")")
	}
	if req.Where != nil {
		clause, err := q.render(req.Where, &args)
		if err != nil {
			return nil, q.wrap(err, opScanObjects)
		}
		where = append(where, clause)
	}
	stmt := fmt.Sprintf(`SELECT %s FROM objects WHERE %s ORDER BY seq`, objectColumns, strings.Join(where, " AND "))
	if req.Limit > 0 {
		args = append(args, req.Limit)
		stmt += " LIMIT " + q.ph(len(args))
	}

	rows, err := q.ex.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, q.wrap(err, opScanObjects)
	}
	defer rows.Close()

	var out []storage.ObjectRow
	for rows.Next() {
		row, err := scanObject(rows)
		if err != nil {
			return nil, q.wrap(err, opScanObjects)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, q.wrap(err, opScanObjects)
	}
	return out, nil
}

// render turns a predicate into SQL, appending bind values to args. A
// column that does not exist yet means no row can carry the value, so the
// comparison renders as false.
func (q querier) render(p storage.Predicate, args *[]any) (string, error) {
	bind := func(v any) string {
		if b, ok := v.(bool); ok {
			v = q.boolArg(b)
		}
		*args = append(*args, v)
		return q.ph(len(*args))
	}
	switch t := p.(type) {
	case storage.Compare:
		if !storage.ValidIndexColumn(t.Column) {
			return "", fmt.Errorf("invalid index column %q", t.Column)
		}
		if !q.s.hasColumn(t.Column) {
			return "1 = 0", nil
		}
		switch t.Op {
		case storage.OpEq, storage.OpGt, storage.OpGte, storage.OpLt, storage.OpLte:
		default:
			return "", fmt.Errorf("invalid operator %q", t.Op)
		}
		return fmt.Sprintf("%s %s %s", t.Column, t.Op, bind(t.Value)), nil
	case storage.In:
		if !storage.ValidIndexColumn(t.Column) {
			return "", fmt.Errorf("invalid index column %q", t.Column)
		}
		if !q.s.hasColumn(t.Column) {
			if t.OrNull {
				return "1 = 1", nil
			}
			return "1 = 0", nil
		}
		if len(t.Values) == 0 {
			if t.OrNull {
				return t.Column + " IS NULL", nil
			}
			return "1 = 0", nil
		}
		ph := make([]string, len(t.Values))
		for i, v := range t.Values {
			ph[i] = bind(v)
		}
		in := fmt.Sprintf("%s IN (%s)", t.Column, strings.Join(ph, ", "))
		if t.OrNull {
			return fmt.Sprintf("(%s OR %s IS NULL)", in, t.Column), nil
		}
		return in, nil
	case storage.And:
		parts := make([]string, 0, len(t))
		for _, m := range t {
			s, err := q.render(m, args)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return "1 = 1", nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

const bucketColumns = `name, acl, content_acl, policy, mode, scope, indexes, last_sync_time, last_pull_server_time`

func scanBucket(sc interface{ Scan(...any) error }) (storage.BucketRow, error) {
	var row storage.BucketRow
	var acl, contentACL, scope, indexes sql.NullString
	if err := sc.Scan(&row.Name, &acl, &contentACL, &row.Policy, &row.Mode, &scope, &indexes, &row.LastSyncTime, &row.LastPullServerTime); err != nil {
		return storage.BucketRow{}, err
	}
	if acl.Valid {
		row.ACL = []byte(acl.String)
	}
	if contentACL.Valid {
		row.ContentACL = []byte(contentACL.String)
	}
	if scope.Valid {
		row.Scope = []byte(scope.String)
	}
	if indexes.Valid {
		row.Indexes = []byte(indexes.String)
	}
	return row, nil
}

func (q querier) GetBucket(ctx context.Context, name string) (*storage.BucketRow, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM buckets WHERE name = %s`, bucketColumns, q.ph(1))
	row, err := scanBucket(q.ex.QueryRowContext(ctx, stmt, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, q.wrap(err, opGetBucket)
	}
	return &row, nil
}

func (q querier) PutBucket(ctx context.Context, row *storage.BucketRow) error {
	ph := make([]string, 9)
	for i := range ph {
		ph[i] = q.ph(i + 1)
	}
	stmt := fmt.Sprintf(`INSERT INTO buckets (%s) VALUES (%s)
		ON CONFLICT (name) DO UPDATE SET acl = excluded.acl, content_acl = excluded.content_acl,
		policy = excluded.policy, mode = excluded.mode, scope = excluded.scope, indexes = excluded.indexes,
		last_sync_time = excluded.last_sync_time, last_pull_server_time = excluded.last_pull_server_time`,
		bucketColumns, strings.Join(ph, ", "))
	_, err := q.ex.ExecContext(ctx, stmt, row.Name, nullable(row.ACL), nullable(row.ContentACL), row.Policy, row.Mode,
		nullable(row.Scope), nullable(row.Indexes), row.LastSyncTime, row.LastPullServerTime)
	if err != nil {
		return q.wrap(err, opPutBucket)
	}
	return nil
}

func (q querier) ListBuckets(ctx context.Context) ([]storage.BucketRow, error) {
	rows, err := q.ex.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM buckets ORDER BY name`, bucketColumns))
	if err != nil {
		return nil, q.wrap(err, opListBuckets)
	}
	defer rows.Close()
	var out []storage.BucketRow
	for rows.Next() {
		row, err := scanBucket(rows)
		if err != nil {
			return nil, q.wrap(err, opListBuckets)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, q.wrap(err, opListBuckets)
	}
	return out, nil
}

func (q querier) GetConflict(ctx context.Context, bucket, objectID string) (*storage.ConflictRow, error) {
	stmt := fmt.Sprintf(`SELECT bucket, object_id, snapshot FROM conflicts WHERE bucket = %s AND object_id = %s`, q.ph(1), q.ph(2))
	var (
		row      storage.ConflictRow
		snapshot string
	)
	err := q.ex.QueryRowContext(ctx, stmt, bucket, objectID).Scan(&row.Bucket, &row.ObjectID, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, q.wrap(err, opConflict)
	}
	row.Snapshot = []byte(snapshot)
	return &row, nil
}

func (q querier) PutConflict(ctx context.Context, row *storage.ConflictRow) error {
	stmt := fmt.Sprintf(`INSERT INTO conflicts (bucket, object_id, snapshot) VALUES (%s, %s, %s)
		ON CONFLICT (bucket, object_id) DO UPDATE SET snapshot = excluded.snapshot`, q.ph(1), q.ph(2), q.ph(3))
	if _, err := q.ex.ExecContext(ctx, stmt, row.Bucket, row.ObjectID, string(row.Snapshot)); err != nil {
		return q.wrap(err, opConflict)
	}
	return nil
}

func (q querier) DeleteConflict(ctx context.Context, bucket, objectID string) error {
	stmt := fmt.Sprintf(`DELETE FROM conflicts WHERE bucket = %s AND object_id = %s`, q.ph(1), q.ph(2))
	if _, err := q.ex.ExecContext(ctx, stmt, bucket, objectID); err != nil {
		return q.wrap(err, opConflict)
	}
	return nil
}

func (q querier) ListConflicts(ctx context.Context, bucket string) ([]storage.ConflictRow, error) {
	stmt := fmt.Sprintf(`SELECT bucket, object_id, snapshot FROM conflicts WHERE bucket = %s ORDER BY object_id`, q.ph(1))
	rows, err := q.ex.QueryContext(ctx, stmt, bucket)
	if err != nil {
		return nil, q.wrap(err, opConflict)
	}
	defer rows.Close()
	var out []storage.ConflictRow
	for rows.Next() {
		var (
			row      storage.ConflictRow
			snapshot string
		)
		if err := rows.Scan(&row.Bucket, &row.ObjectID, &snapshot); err != nil {
			return nil, q.wrap(err, opConflict)
		}
		row.Snapshot = []byte(snapshot)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, q.wrap(err, opConflict)
	}
	return out, nil
}
