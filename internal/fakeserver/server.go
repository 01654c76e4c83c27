// Package fakeserver is an in-memory implementation of the remote document
// store REST API, for tests and local experiments.
package fakeserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/go-offline-sync/document"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
	"github.com/c0deZ3R0/go-offline-sync/transport/httptransport"
)

// Server holds buckets of documents and serves the REST API.
type Server struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
	etags   int
	options *httptransport.ServerOptions
	logger  *slog.Logger

	faults  map[string][]int
	fetches []query.Query
	batches []types.BatchRequest
}

type bucket struct {
	info types.BucketInfo
	docs map[string]*document.Object
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithServerOptions sets the request/response limits.
func WithServerOptions(opts ...httptransport.ServerOption) Option {
	return func(s *Server) { s.options = httptransport.ApplyServerOptions(opts...) }
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
		options: httptransport.DefaultServerOptions(),
		logger:  logging.Discard().Logger,
		faults:  make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.injectFaults)

	r.Get("/objects/{bucket}", s.handleFind)
	r.Post("/objects/{bucket}/_batch", s.handleBatch)
	r.Get("/buckets/object/{bucket}", s.handleBucket)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// FailNext makes the next requests with method answer with the given
// statuses, one per request.
func (s *Server) FailNext(method string, statuses ...int) {
	s.mu.Lock()
	s.faults[method] = append(s.faults[method], statuses...)
	s.mu.Unlock()
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		if q := s.faults[r.Method]; len(q) > 0 {
			status, s.faults[r.Method] = q[0], q[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			httptransport.RespondError(w, r, status, "injected failure", s.options)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bucket(name string) *bucket {
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{
			info: types.BucketInfo{BucketMode: types.ModeReplica},
			docs: make(map[string]*document.Object),
		}
		s.buckets[name] = b
	}
	return b
}

func (s *Server) now() string {
	return types.FormatTime(s.clock())
}

func (s *Server) nextETag() string {
	s.etags++
	return fmt.Sprintf("e%06d", s.etags)
}

// stamp sets the server-managed fields of doc.
func (s *Server) stamp(doc *document.Object, created string) {
	now := s.now()
	if created == "" {
		created = now
	}
	doc.Set(document.FieldETag, document.String(s.nextETag()))
	doc.Set(document.FieldCreatedAt, document.String(created))
	doc.Set(document.FieldUpdatedAt, document.String(now))
}

// SetBucketInfo replaces the metadata of a bucket.
func (s *Server) SetBucketInfo(name string, info types.BucketInfo) {
	s.mu.Lock()
	s.bucket(name).info = info
	s.mu.Unlock()
}

// Put writes doc as if another client had saved it and returns the stored
// version. doc must carry an _id.
func (s *Server) Put(name string, doc *document.Object) *document.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(name)
	id := doc.GetString(document.FieldID)
	stored := document.NewObject().Set(document.FieldID, document.String(id)).
		Merge(doc.Without(document.FieldID, document.FieldETag, document.FieldCreatedAt, document.FieldUpdatedAt))
	var created string
	if prev, ok := b.docs[id]; ok {
		created = prev.GetString(document.FieldCreatedAt)
	}
	s.stamp(stored, created)
	b.docs[id] = stored
	return stored.Clone()
}

// PutRaw stores doc exactly as given, server fields included.
func (s *Server) PutRaw(name string, doc *document.Object) {
	s.mu.Lock()
	s.bucket(name).docs[doc.GetString(document.FieldID)] = doc.Clone()
	s.mu.Unlock()
}

// SoftDelete marks a document deleted.
func (s *Server) SoftDelete(name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.bucket(name).docs[id]
	if !ok {
		return false
	}
	doc.Set(document.FieldDeleted, document.Bool(true))
	s.stamp(doc, doc.GetString(document.FieldCreatedAt))
	return true
}

// Purge physically removes a document.
func (s *Server) Purge(name, id string) {
	s.mu.Lock()
	delete(s.bucket(name).docs, id)
	s.mu.Unlock()
}

// Get returns a copy of the stored document.
func (s *Server) Get(name, id string) (*document.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.bucket(name).docs[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Len counts the documents of a bucket, soft-deleted ones included.
func (s *Server) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bucket(name).docs)
}

// Fetches returns the queries received by GET /objects so far.
func (s *Server) Fetches() []query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]query.Query(nil), s.fetches...)
}

// Batches returns the batch requests received so far.
func (s *Server) Batches() []types.BatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.BatchRequest(nil), s.batches...)
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	info := s.bucket(chi.URLParam(r, "bucket")).info
	s.mu.Unlock()
	httptransport.RespondJSON(w, r, http.StatusOK, info, s.options)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	q, err := httptransport.DecodeQuery(r.URL.Query())
	if err != nil {
		httptransport.RespondError(w, r, http.StatusBadRequest, err.Error(), s.options)
		return
	}

	s.mu.Lock()
	s.fetches = append(s.fetches, q)
	b := s.bucket(chi.URLParam(r, "bucket"))
	var matched []*document.Object
	for _, doc := range b.docs {
		if !q.IncludeDeleted && types.ServerDeleted(doc) {
			continue
		}
		if query.Match(doc, q.Clause) {
			matched = append(matched, doc.Clone())
		}
	}
	now := s.now()
	s.mu.Unlock()

	// Map order is random; fall back to _id for a stable answer.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].GetString(document.FieldID) < matched[j].GetString(document.FieldID)
	})
	query.Sort(matched, q.SortKeys())

	resp := types.PullResponse{CurrentTime: now}
	if q.WantCount {
		n := len(matched)
		resp.Count = &n
	}
	resp.Results = query.Window(matched, q.Skip, q.Limit)
	if resp.Results == nil {
		resp.Results = []*document.Object{}
	}
	httptransport.RespondJSON(w, r, http.StatusOK, resp, s.options)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !httptransport.DecodeRequest(w, r, &req, s.options) {
		return
	}

	s.mu.Lock()
	s.batches = append(s.batches, req)
	b := s.bucket(chi.URLParam(r, "bucket"))
	resp := types.BatchResponse{Results: make([]types.BatchItemResult, 0, len(req.Requests))}
	seen := make(map[string]bool, len(req.Requests))
	for _, op := range req.Requests {
		if seen[op.ID] {
			resp.Results = append(resp.Results, types.BatchItemResult{
				ID: op.ID, Result: types.ResultConflict, ReasonCode: types.ReasonRequestConflicted,
			})
			continue
		}
		seen[op.ID] = true
		resp.Results = append(resp.Results, s.apply(b, op))
	}
	s.mu.Unlock()

	httptransport.RespondJSON(w, r, http.StatusOK, resp, s.options)
}

// apply executes one batch operation. Callers hold s.mu.
func (s *Server) apply(b *bucket, op types.BatchOp) types.BatchItemResult {
	res := types.BatchItemResult{ID: op.ID}
	if op.ID == "" {
		res.Result = types.ResultBadRequest
		return res
	}
	current, exists := b.docs[op.ID]

	switch op.Op {
	case types.OpInsert:
		if exists {
			res.Result = types.ResultConflict
			res.ReasonCode = types.ReasonDuplicateID
			res.Data = current.Clone()
			return res
		}
		doc := document.NewObject().Set(document.FieldID, document.String(op.ID)).
			Merge(op.Data.Without(document.FieldID, document.FieldETag, document.FieldCreatedAt, document.FieldUpdatedAt, document.FieldDeleted))
		s.stamp(doc, "")
		b.docs[op.ID] = doc

	case types.OpUpdate, types.OpDelete:
		if !exists || types.ServerDeleted(current) {
			res.Result = types.ResultNotFound
			return res
		}
		if op.ETag != current.GetString(document.FieldETag) {
			res.Result = types.ResultConflict
			res.ReasonCode = types.ReasonETagMismatch
			res.Data = current.Clone()
			return res
		}
		created := current.GetString(document.FieldCreatedAt)
		switch {
		case op.Op == types.OpDelete:
			current.Set(document.FieldDeleted, document.Bool(true))
		default:
			if full, ok := op.FullUpdate(); ok {
				doc := document.NewObject().Set(document.FieldID, document.String(op.ID))
				if acl, ok := current.Get(document.FieldACL); ok && !full.Has(document.FieldACL) {
					doc.Set(document.FieldACL, acl)
				}
				current = doc.Merge(full.Without(document.FieldID, document.FieldETag, document.FieldCreatedAt, document.FieldUpdatedAt, document.FieldDeleted))
				b.docs[op.ID] = current
			} else {
				current.Merge(op.Data.Without(document.FieldID, document.FieldETag, document.FieldCreatedAt, document.FieldUpdatedAt, document.FieldDeleted))
			}
		}
		s.stamp(current, created)

	default:
		res.Result = types.ResultBadRequest
		return res
	}

	doc := b.docs[op.ID]
	res.Result = types.ResultOK
	res.ETag = doc.GetString(document.FieldETag)
	res.UpdatedAt = doc.GetString(document.FieldUpdatedAt)
	if op.Op != types.OpDelete {
		res.Data = doc.Clone()
	}
	return res
}
