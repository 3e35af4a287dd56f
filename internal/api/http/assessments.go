package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/rbac"
)

// POST /assessments
func PutAssessmentHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var as exam.Assessment
		if err := json.NewDecoder(r.Body).Decode(&as); err != nil {
			badRequest(w, "bad json")
			return
		}
		saved, err := d.Exams.PutAssessment(r.Context(), as)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

// GET /assessments/{assessmentID}
// Answer keys are stripped unless the caller may author assessments.
func GetAssessmentHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		as, err := d.Exams.GetAssessment(r.Context(), chi.URLParam(r, "assessmentID"))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if !rbac.Can(r.Context(), rbac.AssessmentCreate) {
			as = as.StudentView()
		}
		writeJSON(w, http.StatusOK, as)
	}
}

// GET /courses/{courseID}/eligibility
func EligibilityHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dec, err := d.Exams.CanAttempt(r.Context(), rbac.SubjectFromContext(r.Context()), chi.URLParam(r, "courseID"))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, dec)
	}
}
