package httptransport

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ServerOptions configures the server-side request and response helpers.
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// This prevents zip-bomb attacks when handling gzip-compressed requests
	// If 0, defaults to 20MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression for responses
	// Responses larger than CompressionThreshold will be compressed
	CompressionEnabled bool

	// CompressionThreshold is the minimum size in bytes before responses are compressed
	CompressionThreshold int64
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024, // 1KB
	}
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// ApplyServerOptions creates a new ServerOptions with the given options applied
func ApplyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// ClientOptions configures the HTTP client.
type ClientOptions struct {
	// CompressionEnabled gzips request bodies above GzipMinBytes and asks for
	// gzip responses.
	CompressionEnabled bool

	// GzipMinBytes is the smallest request body that gets compressed.
	GzipMinBytes int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	MaxResponseSize int64

	// MaxDecompressedResponseSize is the maximum allowed size of decompressed response bodies
	MaxDecompressedResponseSize int64

	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration

	// RateLimit caps outgoing requests per second. Zero disables pacing.
	RateLimit rate.Limit
	// Burst is the limiter's bucket size.
	Burst int

	// Headers are added to every request, e.g. an Authorization header.
	Headers http.Header

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,             // 1KB
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 64 * 1024 * 1024, // 64MB
		RequestTimeout:              30 * time.Second,
		Burst:                       1,
	}
}

// ValidateClientOptions rejects nonsensical limits.
func ValidateClientOptions(o *ClientOptions) error {
	switch {
	case o.MaxResponseSize <= 0:
		return errors.New("max response size must be positive")
	case o.MaxDecompressedResponseSize < o.MaxResponseSize:
		return errors.New("max decompressed response size must not be smaller than max response size")
	case o.GzipMinBytes < 0:
		return errors.New("gzip min bytes must not be negative")
	case o.RequestTimeout < 0:
		return errors.New("request timeout must not be negative")
	case o.RateLimit < 0:
		return errors.New("rate limit must not be negative")
	case o.RateLimit > 0 && o.Burst < 1:
		return errors.New("burst must be positive when a rate limit is set")
	}
	return nil
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithGzipMinBytes sets the compression threshold for request bodies.
func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
		if opts.MaxDecompressedResponseSize < size {
			opts.MaxDecompressedResponseSize = size
		}
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithRateLimit paces requests to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(opts *ClientOptions) {
		opts.RateLimit = rate.Limit(perSecond)
		opts.Burst = burst
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) ClientOption {
	return func(opts *ClientOptions) {
		if opts.Headers == nil {
			opts.Headers = make(http.Header)
		}
		opts.Headers.Add(key, value)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
