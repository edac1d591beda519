// Package httputil holds shared JSON request/response helpers for the HTTP
// layer.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code. Status codes
// outside 100-599 are clamped to 500.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	if status < 100 || status > 599 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode failure here cannot be reported to
	// the client.
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError writes a structured JSON error with an error code and message.
func JSONError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// BindJSON decodes the request body as JSON into v, rejecting unknown fields.
// The returned error messages are safe to return to clients.
func BindJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	if r.ContentLength == 0 {
		return errors.New("request body is empty")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return parseJSONError(err)
	}
	if dec.More() {
		return errors.New("request body contains multiple JSON values")
	}
	return nil
}

// parseJSONError converts json decoding errors into user-friendly messages.
func parseJSONError(err error) error {
	if errors.Is(err, io.EOF) {
		return errors.New("request body is empty")
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("malformed JSON at position %d", syntaxErr.Offset)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Errorf("invalid value for field %q: expected %s", typeErr.Field, typeErr.Type.String())
	}

	if strings.HasPrefix(err.Error(), "json: unknown field") {
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return fmt.Errorf("unknown field %q", strings.Trim(field, "\""))
	}

	if err.Error() == "http: request body too large" {
		return errors.New("request body too large")
	}

	return errors.New("invalid JSON in request body")
}
