package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP status codes for request body failures:
// - gzip invalid → 400 Bad Request
// - compressed limit exceeded → 413 Request Entity Too Large
// - decompressed limit exceeded → 413 Request Entity Too Large
// - unsupported media type or encoding → 415 Unsupported Media Type

// errDecompressedTooLarge is a sentinel error for decompressed size limit violations
var errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")

// errResponseTooLarge reports a response body above the client limits.
var errResponseTooLarge = errors.New("response exceeds maximum size limit")

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	tooLarge error
	// eof is set once the underlying reader is known to be drained.
	eof bool
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	if r.consumed >= r.limit {
		return 0, r.tooLarge
	}

	// Limit read size to prevent exceeding limit
	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	if err == io.EOF {
		r.eof = true
		return n, err
	}

	if r.consumed >= r.limit && err == nil {
		// Peek one byte to tell "exactly at the limit" from "over it".
		var dummy [1]byte
		peeked, peekErr := r.reader.Read(dummy[:])
		switch {
		case peeked > 0:
			return n, r.tooLarge
		case peekErr == io.EOF:
			r.eof = true
		case peekErr != nil:
			return n, peekErr
		}
	}

	return n, err
}

// createSafeRequestReader creates a reader that enforces both compressed and decompressed size limits
// Returns the reader, cleanup function, and error
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024 // 10MB default
	}

	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024 // 20MB default
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("unsupported media type: %s", contentType)
	}

	if r.ContentLength > 0 && r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("compressed request body too large: %d bytes (max %d)", r.ContentLength, maxRequestSize)
	}

	limitedReader := http.MaxBytesReader(w, r.Body, maxRequestSize)

	// Only identity and gzip are accepted.
	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	if contentEncoding != "" && contentEncoding != "gzip" {
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s (only gzip is supported)", contentEncoding)
	}

	if contentEncoding == "" {
		maxSize := maxRequestSize
		if maxDecompressedSize < maxSize {
			maxSize = maxDecompressedSize
		}
		if maxSize < maxRequestSize {
			_ = limitedReader.Close()
			limitedReader = http.MaxBytesReader(w, r.Body, maxSize)
		}
		return limitedReader, func() {}, nil
	}

	gzReader, err := gzip.NewReader(limitedReader)
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid gzip data: %w", err)
	}

	decompressedReader := &maxDecompressedReader{
		reader:   gzReader,
		limit:    maxDecompressedSize,
		tooLarge: errDecompressedTooLarge,
	}

	cleanup := func() {
		gzReader.Close()
	}

	return decompressedReader, cleanup, nil
}

// createSafeResponseReader enforces the client's compressed and
// decompressed response limits and undoes gzip content encoding.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	body := &maxDecompressedReader{
		reader:   resp.Body,
		limit:    options.MaxResponseSize,
		tooLarge: errResponseTooLarge,
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return body, func() {}, nil
	}
	gzReader, err := gzip.NewReader(body)
	if err != nil {
		return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
	}
	reader := &maxDecompressedReader{
		reader:   gzReader,
		limit:    options.MaxDecompressedResponseSize,
		tooLarge: errResponseTooLarge,
	}
	return reader, func() { gzReader.Close() }, nil
}

// mapErrorToHTTPStatus maps specific errors to appropriate HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if errors.Is(err, errDecompressedTooLarge) {
		return http.StatusRequestEntityTooLarge
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "unsupported media type") {
		return http.StatusUnsupportedMediaType
	}

	if strings.Contains(errMsg, "unsupported content encoding") {
		return http.StatusUnsupportedMediaType
	}

	if strings.Contains(errMsg, "compressed request body too large") {
		return http.StatusRequestEntityTooLarge
	}

	// Invalid gzip data and every other decode failure → 400
	return http.StatusBadRequest
}
