package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error                   string         `json:"error"`
	Code                    string         `json:"code,omitempty"`
	Details                 map[string]any `json:"details,omitempty"`
	StepSequence            int            `json:"step_sequence,omitempty"`
	OrchestrationInstanceID string         `json:"orchestration_instance_id,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeInvalidTransition, schema.ErrCodeConflict, schema.ErrCodeAlreadyExists:
		return http.StatusConflict
	case schema.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case schema.ErrCodeExecutor:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status matching its code.
func writeError(w http.ResponseWriter, err error) {
	writeInstanceError(w, err, uuid.Nil)
}

// writeInstanceError is writeError for commands that may fail after the
// instance was persisted; the id is included so the caller can follow up.
func writeInstanceError(w http.ResponseWriter, err error, id uuid.UUID) {
	body := errorBody{Error: err.Error()}
	var se *schema.Error
	if errors.As(err, &se) {
		body.Error = se.Message
		body.Code = se.Code
		body.Details = se.Details
		body.StepSequence = se.StepSequence
	}
	if id != uuid.Nil {
		body.OrchestrationInstanceID = id.String()
	}
	writeJSON(w, statusFor(body.Code), body)
}

func badRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeInvalidRequest, format, args...)
}

// decodeBody decodes the JSON request body into v. An empty body is allowed
// when optional is true.
func decodeBody(r *http.Request, v any, optional bool) error {
	if r.Body == nil || (optional && r.ContentLength == 0) {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

// callerIdentity reads the operating identity header.
func callerIdentity(r *http.Request) (identity.OperatingIdentity, error) {
	raw := r.Header.Get(IdentityHeader)
	if raw == "" {
		return nil, badRequest("%s header is required", IdentityHeader)
	}
	return identity.Parse(raw)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid %s %q", name, r.PathValue(name))
	}
	return id, nil
}

func pathInt(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, badRequest("invalid %s %q", name, r.PathValue(name))
	}
	return n, nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("query parameter %s must be an integer", key)
	}
	return n, nil
}

// queryTime parses an RFC 3339 query parameter; absent yields nil.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, badRequest("query parameter %s must be RFC 3339", key)
	}
	t = t.UTC()
	return &t, nil
}

func idResponse(id uuid.UUID) map[string]string {
	return map[string]string{"orchestration_instance_id": id.String()}
}

func okResponse(id uuid.UUID) map[string]string {
	return map[string]string{"ok": "true", "orchestration_instance_id": id.String()}
}
