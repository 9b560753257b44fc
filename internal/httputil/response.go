// Package httputil writes HTTP and feed payloads as JSON or CBOR.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/sslvision/internal/monitoring"
)

var logf = monitoring.Component("http")

// Format is a payload encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCBOR {
		return "application/cbor"
	}
	return "application/json"
}

// ParseFormat accepts "json", "cbor" or an empty string (json).
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unsupported format %q: must be json or cbor", s)
}

// FormatFromRequest picks the response encoding from the "format" query
// parameter, falling back to an Accept header of application/cbor.
func FormatFromRequest(r *http.Request) (Format, error) {
	if q := r.URL.Query().Get("format"); q != "" {
		return ParseFormat(q)
	}
	if strings.Contains(r.Header.Get("Accept"), "application/cbor") {
		return FormatCBOR, nil
	}
	return FormatJSON, nil
}

// Marshal encodes v in format f.
func Marshal(f Format, v interface{}) ([]byte, error) {
	if f == FormatCBOR {
		return cbor.Marshal(v)
	}
	return json.Marshal(v)
}

// Write encodes data in the format the request asks for. An unsupported
// format is answered with 400.
func Write(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	format, err := FormatFromRequest(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	body, err := Marshal(format, data)
	if err != nil {
		logf("failed to encode %s response: %v", format, err)
		InternalServerError(w, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logf("failed to write response: %v", err)
	}
}

// WriteJSONError writes a JSON error response with the given status code and message.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logf("failed to encode json error response: %v", err)
	}
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// ServiceUnavailable writes a 503 response, used before the first frame arrives.
func ServiceUnavailable(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusServiceUnavailable, msg)
}
