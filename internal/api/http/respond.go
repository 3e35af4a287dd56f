package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error          string     `json:"error"`
	Message        string     `json:"message"`
	Reason         string     `json:"reason,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	AttemptID      string     `json:"attempt_id,omitempty"`
	Attempt        any        `json:"attempt,omitempty"`
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// writeError maps domain errors onto status codes. Anything unknown is a
// 500 and is logged; its text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var ie *exam.IneligibleError
	switch {
	case errors.As(err, &ie):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "ineligible", Message: ie.Error(), Reason: string(ie.Reason),
			NextEligibleAt: ie.NextEligibleAt, AttemptID: ie.AttemptID,
		})
	case errors.Is(err, exam.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid", Message: err.Error()})
	case errors.Is(err, exam.ErrNotFound), errors.Is(err, certificate.ErrNotFound), errors.Is(err, enrollment.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
	case errors.Is(err, exam.ErrAttemptClosed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "attempt_closed", Message: "the attempt is no longer open; reload it", Reason: "attempt-closed"})
	case errors.Is(err, certificate.ErrNotEligible):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "not_eligible", Message: err.Error()})
	case errors.Is(err, exam.ErrAssessmentUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "assessment_unavailable", Message: err.Error()})
	default:
		log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}
