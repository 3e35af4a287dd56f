package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/rbac"
	"github.com/luvvix/certify/internal/validate"
)

// GET /progress
// Callers with attempt:view-all may pass ?user_id= to read another user.
func ProgressHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := rbac.SubjectFromContext(r.Context())
		if other := strings.TrimSpace(r.URL.Query().Get("user_id")); other != "" && rbac.Can(r.Context(), rbac.AttemptViewAll) {
			userID = other
		}
		sum, err := d.Progress.Summary(r.Context(), userID)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// POST /admin/enrollments
// Feed from the course catalog. Completion is owned by certificate
// issuance and is never cleared here.
func PutEnrollmentHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e enrollment.Enrollment
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			badRequest(w, "bad json")
			return
		}
		e.UserID = strings.TrimSpace(e.UserID)
		e.CourseID = strings.TrimSpace(e.CourseID)
		if err := validate.Struct(e); err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if err := d.Enrollments.Upsert(r.Context(), e); err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		saved, err := d.Enrollments.Get(r.Context(), e.UserID, e.CourseID)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}
