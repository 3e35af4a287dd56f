package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/rbac"
)

// POST /attempts/{attemptID}/certificate
// 201 when a certificate was created, 200 when one already existed.
func IssueCertificateHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		a, err := d.Exams.GetAttempt(r.Context(), id)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if !owns(r.Context(), a.UserID) {
			writeError(w, r, d.log(), exam.ErrNotFound)
			return
		}
		c, outcome, err := d.Certs.Issue(r.Context(), id)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		status := http.StatusOK
		if outcome == certificate.OutcomeIssued {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"certificate": c, "outcome": outcome})
	}
}

// GET /courses/{courseID}/certificate
func GetCertificateHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := d.Certs.Get(r.Context(), rbac.SubjectFromContext(r.Context()), chi.URLParam(r, "courseID"))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// GET /certificates
func ListCertificatesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Certs.List(r.Context(), rbac.SubjectFromContext(r.Context()))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if list == nil {
			list = []certificate.Certificate{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// verifiedCertificate is the public face of a certificate. The holder's
// attempt id stays private.
type verifiedCertificate struct {
	Valid            bool                `json:"valid"`
	UserID           string              `json:"user_id"`
	CourseID         string              `json:"course_id"`
	Percentage       float64             `json:"percentage"`
	ScoreOn20        float64             `json:"score_on_20"`
	Mention          certificate.Mention `json:"mention"`
	IssuedAt         string              `json:"issued_at"`
	VerificationCode string              `json:"verification_code"`
	SignedBy         string              `json:"signed_by"`
	SignedTitle      string              `json:"signed_title"`
}

// GET /certificates/verify/{code}
func VerifyCertificateHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := d.Certs.Verify(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, verifiedCertificate{
			Valid:            true,
			UserID:           c.UserID,
			CourseID:         c.CourseID,
			Percentage:       c.Percentage,
			ScoreOn20:        c.ScoreOn20,
			Mention:          c.Mention,
			IssuedAt:         c.IssuedAt.UTC().Format("2006-01-02"),
			VerificationCode: c.VerificationCode,
			SignedBy:         c.SignedBy,
			SignedTitle:      c.SignedTitle,
		})
	}
}
