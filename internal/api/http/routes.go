package http

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/logger"
	"github.com/luvvix/certify/internal/progress"
	"github.com/luvvix/certify/internal/rbac"
	syncx "github.com/luvvix/certify/internal/sync"
)

// EventLister reads the domain event log.
type EventLister interface {
	List(ctx context.Context, after int64, limit int) ([]syncx.Event, error)
}

type Deps struct {
	Exams       *exam.Service
	Certs       *certificate.Issuer
	Progress    *progress.Aggregator
	Enrollments enrollment.Store
	Events      EventLister // optional; /admin/events answers 404 without it
	DB          *sql.DB     // pinged by /readyz; may be nil
	Log         *logger.Logger
	SweepBatch  int
}

func (d Deps) log() *logger.Logger {
	if d.Log == nil {
		return logger.Nop()
	}
	return d.Log
}

// MountPublic registers the routes that need no token.
func MountPublic(r chi.Router, d Deps) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", ReadyHandler(d))
	r.Get("/certificates/verify/{code}", VerifyCertificateHandler(d))
}

// Mount registers the authenticated API. The caller is expected to have
// installed the JWT middleware on r.
func Mount(r chi.Router, d Deps) {
	r.With(rbac.Require(rbac.AssessmentCreate)).Post("/assessments", PutAssessmentHandler(d))
	r.With(rbac.Require(rbac.AssessmentView)).Get("/assessments/{assessmentID}", GetAssessmentHandler(d))

	r.With(rbac.Require(rbac.AttemptCreate)).Get("/courses/{courseID}/eligibility", EligibilityHandler(d))
	r.With(rbac.Require(rbac.CertificateView)).Get("/courses/{courseID}/certificate", GetCertificateHandler(d))

	r.Route("/attempts", func(r chi.Router) {
		r.With(rbac.Require(rbac.AttemptCreate)).Post("/", StartAttemptHandler(d))
		r.With(rbac.RequireAny(rbac.AttemptViewOwn, rbac.AttemptViewAll)).Get("/", ListAttemptsHandler(d))
		r.With(rbac.RequireAny(rbac.AttemptViewOwn, rbac.AttemptViewAll)).Get("/{attemptID}", GetAttemptHandler(d))
		r.With(rbac.Require(rbac.AttemptSave)).Put("/{attemptID}/answers/{questionIndex}", UpsertAnswerHandler(d))
		r.With(rbac.Require(rbac.AttemptSubmit)).Post("/{attemptID}/submit", SubmitAttemptHandler(d))
		r.With(rbac.Require(rbac.CertificateIssue)).Post("/{attemptID}/certificate", IssueCertificateHandler(d))
	})

	r.With(rbac.Require(rbac.CertificateView)).Get("/certificates", ListCertificatesHandler(d))
	r.With(rbac.Require(rbac.ProgressViewOwn)).Get("/progress", ProgressHandler(d))

	r.Route("/admin", func(r chi.Router) {
		r.With(rbac.Require(rbac.AttemptSweep)).Post("/sweep", SweepHandler(d))
		r.With(rbac.Require(rbac.EnrollmentWrite)).Post("/enrollments", PutEnrollmentHandler(d))
		if d.Events != nil {
			r.With(rbac.Require(rbac.EventsRead)).Get("/events", ListEventsHandler(d))
		}
	})
}

// owns reports whether the caller may read a record owned by userID.
// Records of other users are reported as missing rather than forbidden.
func owns(ctx context.Context, userID string) bool {
	return rbac.SubjectFromContext(ctx) == userID || rbac.Can(ctx, rbac.AttemptViewAll)
}

// GET /readyz
func ReadyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			if err := d.DB.PingContext(r.Context()); err != nil {
				d.log().Warn("readiness check failed", "err", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// GET /admin/events?after=0&limit=100
func ListEventsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		if err != nil {
			after = 0
		}
		list, err := d.Events.List(r.Context(), after, parseIntDefault(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if list == nil {
			list = []syncx.Event{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}
