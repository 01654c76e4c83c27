package httptransport

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorBody is the JSON body of an error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// RespondJSON writes payload as JSON, gzip-compressed when the client accepts
// it and the body reaches the compression threshold.
func RespondJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}, options *ServerOptions) {
	response, err := json.Marshal(payload)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "failed to marshal response", options)
		return
	}

	useCompression := false
	if options != nil && options.CompressionEnabled &&
		len(response) >= int(options.CompressionThreshold) {
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			useCompression = true
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if useCompression {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)

		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = gz.Write(response)
	} else {
		w.WriteHeader(code)
		_, _ = w.Write(response)
	}
}

// RespondError writes an ErrorBody with the given status.
func RespondError(w http.ResponseWriter, r *http.Request, code int, message string, options *ServerOptions) {
	RespondJSON(w, r, code, ErrorBody{Error: message}, options)
}

// DecodeRequest decodes a JSON request body into v under the size and
// encoding limits of options. On failure it has already written the error
// response and returns false.
func DecodeRequest(w http.ResponseWriter, r *http.Request, v interface{}, options *ServerOptions) bool {
	if options == nil {
		options = DefaultServerOptions()
	}
	reader, cleanup, err := createSafeRequestReader(w, r, options)
	if err != nil {
		RespondError(w, r, mapErrorToHTTPStatus(err), err.Error(), options)
		return false
	}
	defer cleanup()

	if err := json.NewDecoder(reader).Decode(v); err != nil {
		RespondError(w, r, mapErrorToHTTPStatus(err), "invalid request body: "+err.Error(), options)
		return false
	}
	return true
}
