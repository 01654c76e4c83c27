// Package httptransport talks to the remote document store over its REST
// API. Client implements synckit.Transport; the server helpers are shared
// with the in-process fake server used by tests.
package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	syncErrors "github.com/c0deZ3R0/go-offline-sync/errors"
	"github.com/c0deZ3R0/go-offline-sync/logging"
	"github.com/c0deZ3R0/go-offline-sync/query"
	"github.com/c0deZ3R0/go-offline-sync/synckit/types"
)

const component = "transport"

// Client is the HTTP transport of the sync engine.
type Client struct {
	baseURL string
	http    *http.Client
	options *ClientOptions
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client for the REST API rooted at baseURL, e.g.
// "https://api.example.com/v1".
func New(baseURL string, opts ...ClientOption) (*Client, error) {
	options := applyClientOptions(opts...)
	if err := ValidateClientOptions(options); err != nil {
		return nil, syncErrors.E(
			syncErrors.Op("httptransport.New"),
			syncErrors.Component(component),
			syncErrors.KindInvalid,
			syncErrors.ErrCodeValidationFailure,
			err,
		)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, syncErrors.Invalid("httptransport.New", component, fmt.Sprintf("invalid base URL %q", baseURL))
	}

	client := options.HTTPClient
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// Responses are decompressed by createSafeResponseReader so both
		// size limits can be enforced.
		tr.DisableCompression = true
		client = &http.Client{Transport: tr, Timeout: options.RequestTimeout}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component)).Logger
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		options: options,
		logger:  logger,
	}
	if options.RateLimit > 0 {
		c.limiter = rate.NewLimiter(options.RateLimit, options.Burst)
	}
	return c, nil
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchObjects runs GET /objects/{bucket} with q.
func (c *Client) FetchObjects(ctx context.Context, bucket string, q query.Query) (*types.PullResponse, error) {
	params, err := EncodeQuery(q)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPull, component, err)
	}
	endpoint := c.baseURL + "/objects/" + url.PathEscape(bucket) + "?" + params.Encode()

	var resp types.PullResponse
	if err := c.do(ctx, syncErrors.OpPull, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	for i, doc := range resp.Results {
		if doc == nil {
			return nil, syncErrors.NewMalformedPayloadError(syncErrors.OpPull, fmt.Errorf("result %d is null", i))
		}
	}
	c.logger.Debug("Fetched objects",
		slog.String("bucket", bucket),
		slog.Int("count", len(resp.Results)),
		slog.String("current_time", resp.CurrentTime))
	return &resp, nil
}

// FetchBucket runs GET /buckets/object/{bucket}.
func (c *Client) FetchBucket(ctx context.Context, bucket string) (*types.BucketInfo, error) {
	endpoint := c.baseURL + "/buckets/object/" + url.PathEscape(bucket)
	var info types.BucketInfo
	if err := c.do(ctx, syncErrors.OpPull, http.MethodGet, endpoint, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Batch posts req to /objects/{bucket}/_batch.
func (c *Client) Batch(ctx context.Context, bucket string, req *types.BatchRequest) (*types.BatchResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, component, fmt.Errorf("failed to marshal batch: %w", err))
	}
	endpoint := c.baseURL + "/objects/" + url.PathEscape(bucket) + "/_batch"

	var resp types.BatchResponse
	if err := c.do(ctx, syncErrors.OpPush, http.MethodPost, endpoint, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(req.Requests) {
		return nil, syncErrors.NewMalformedPayloadError(syncErrors.OpPush,
			fmt.Errorf("batch returned %d results for %d requests", len(resp.Results), len(req.Requests)))
	}
	c.logger.Debug("Batch completed",
		slog.String("bucket", bucket),
		slog.Int("count", len(req.Requests)))
	return &resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, endpoint string, payload []byte, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return syncErrors.NewNetworkError(op, fmt.Errorf("rate limiter: %w", err))
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range c.options.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.options.CompressionEnabled && len(payload) > c.options.GzipMinBytes {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(payload); err != nil {
				return syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to compress request: %w", err))
			}
			if err := gw.Close(); err != nil {
				return syncErrors.NewWithComponent(op, component, fmt.Errorf("failed to close gzip writer: %w", err))
			}
			c.logger.Debug("Compressed request",
				slog.Int("original_size", len(payload)),
				slog.Int("compressed_size", buf.Len()))
			req.Body = io.NopCloser(&buf)
			req.ContentLength = int64(buf.Len())
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("Request failed",
			slog.String("method", method),
			slog.String("url", endpoint),
			slog.String("error", err.Error()))
		if errors.Is(err, context.DeadlineExceeded) {
			return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindTimeout, syncErrors.ErrCodeTimeout, err)
		}
		return syncErrors.NewNetworkError(op, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return syncErrors.NewMalformedPayloadError(op, err)
	}
	defer cleanup()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(reader, 4096))
		c.logger.Error("Request returned error status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("url", endpoint),
			slog.String("response_body", string(msg)))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(reader).Decode(out); err != nil {
		return syncErrors.NewMalformedPayloadError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// statusError classifies a non-200 response.
func statusError(op syncErrors.Operation, status int, body string) error {
	cause := fmt.Errorf("server error (status %d): %s", status, body)
	switch {
	case status == http.StatusNotFound:
		return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindNotFound, cause)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized ||
		status == http.StatusForbidden || status == http.StatusRequestEntityTooLarge:
		return syncErrors.E(syncErrors.Op(op), syncErrors.Component(component), syncErrors.KindInvalid, cause)
	default:
		return syncErrors.NewNetworkError(op, cause)
	}
}
