package dispatch_api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/pkg/errors"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
	// Head is set on gap_detected so the client knows where a resync lands.
	Head *uint64 `json:"head,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps domain errors onto HTTP. Anything unknown is a 500.
func statusOf(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var (
		ve *models.ValidationError
		it *models.IllegalTransitionError
		aa *models.AlreadyAssignedError
		na *models.NotAuthorizedError
		ap *models.AlreadyApprovedError
		st *models.InvalidStateError
		nf *models.NotFoundError
		rl *models.RateLimitedError
	)
	switch {
	case errors.As(err, &ve):
		body.Code, body.Field = "validation", ve.Field
		return http.StatusBadRequest, body
	case errors.As(err, &it):
		body.Code = "illegal_transition"
		if it.Reason == models.ReasonProviderMidService {
			body.Code = models.ReasonProviderMidService
		}
		return http.StatusConflict, body
	case errors.As(err, &aa):
		body.Code = "already_assigned"
		return http.StatusConflict, body
	case errors.As(err, &ap):
		body.Code = "already_approved"
		return http.StatusConflict, body
	case errors.As(err, &st):
		body.Code = "invalid_state"
		return http.StatusConflict, body
	case errors.Is(err, broadcast.ErrGapDetected):
		body.Code = "gap_detected"
		return http.StatusConflict, body
	case errors.As(err, &na):
		body.Code = "not_authorized"
		return http.StatusForbidden, body
	case errors.As(err, &nf):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.As(err, &rl):
		body.Code = "rate_limited"
		return http.StatusTooManyRequests, body
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body; an empty body leaves dst untouched. Unknown fields are
// ignored, including any client-computed totals.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return models.Invalid("", "malformed json: "+err.Error())
	}
	return nil
}
