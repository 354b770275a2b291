package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"agentdispatch/internal/domain"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error        string           `json:"error"`
	Code         domain.ErrorCode `json:"code"`
	RetryAfterMs int64            `json:"retryAfterMs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)}
	if d, ok := domain.RetryAfterOf(err); ok {
		body.RetryAfterMs = d.Milliseconds()
		w.Header().Set("Retry-After", formatRetryAfter(d.Milliseconds()))
	}
	writeJSON(w, httpStatus(err), body)
}

// formatRetryAfter renders a delay in whole seconds, rounded up.
func formatRetryAfter(ms int64) string {
	return strconv.FormatInt(max(1, (ms+999)/1000), 10)
}

// httpStatus maps domain errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNoAgentsAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewSubSystemError("gateway", "decode", domain.ErrInvalidInput, "empty request body")
		}
		return domain.NewSubSystemError("gateway", "decode", domain.ErrInvalidInput, fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}
