package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/llms"
	"github.com/morphik-org/morphik-core/pkg/query"
	"github.com/morphik-org/morphik-core/pkg/ratelimit"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &query.ValidationError{Field: "body", Message: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return nil
}

// writeError maps the error taxonomy onto HTTP statuses. Not-found and
// denied are indistinguishable on purpose; quota errors carry Retry-After.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := "internal server error"

	var ve *query.ValidationError
	var qe *ratelimit.QuotaError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		detail = ve.Error()
	case errors.As(err, &qe):
		status = http.StatusTooManyRequests
		detail = qe.Error()
		if qe.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(qe.RetryAfter.Seconds()))))
		}
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
		detail = "not found"
	case errors.Is(err, database.ErrForbidden):
		status = http.StatusForbidden
		detail = "forbidden"
	case errors.Is(err, database.ErrAlreadyExists):
		status = http.StatusConflict
		detail = err.Error()
	case errors.Is(err, database.ErrFolderNotEmpty):
		status = http.StatusConflict
		detail = err.Error()
	case llms.IsContextWindowExceeded(err):
		status = http.StatusBadRequest
		detail = err.Error()
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": detail})
}
