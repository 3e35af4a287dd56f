package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/rbac"
	"github.com/luvvix/certify/internal/validate"
)

// attemptView is what clients poll. RemainingSeconds is derived from the
// server clock so the countdown survives reloads.
type attemptView struct {
	exam.Attempt
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (d Deps) view(r *http.Request, a exam.Attempt) attemptView {
	if !rbac.Can(r.Context(), rbac.AttemptViewAll) {
		a = a.StudentView()
	}
	return attemptView{Attempt: a, RemainingSeconds: int64(a.Remaining(d.Exams.Now()).Seconds())}
}

// POST /attempts  {"assessment_id": "..."} or {"course_id": "...", "question_count": 10}
func StartAttemptHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AssessmentID  string `json:"assessment_id" validate:"required_without=CourseID"`
			CourseID      string `json:"course_id" validate:"required_without=AssessmentID"`
			QuestionCount int    `json:"question_count" validate:"min=0,max=200"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())

		var (
			a   exam.Attempt
			err error
		)
		if req.AssessmentID != "" {
			a, err = d.Exams.Start(r.Context(), sub, req.AssessmentID)
		} else {
			a, err = d.Exams.StartForCourse(r.Context(), sub, req.CourseID, req.QuestionCount)
		}
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusCreated, d.view(r, a))
	}
}

// GET /attempts?course_id=&user_id=&state=&limit=50&offset=0
// Without attempt:view-all the listing is forced onto the caller's own
// attempts.
func ListAttemptsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := exam.AttemptListOpts{
			UserID:   strings.TrimSpace(q.Get("user_id")),
			CourseID: strings.TrimSpace(q.Get("course_id")),
			State:    exam.State(strings.TrimSpace(q.Get("state"))),
			Limit:    parseIntDefault(q.Get("limit"), 50),
			Offset:   parseIntDefault(q.Get("offset"), 0),
		}
		if !rbac.Can(r.Context(), rbac.AttemptViewAll) {
			opts.UserID = rbac.SubjectFromContext(r.Context())
		}
		list, err := d.Exams.ListAttempts(r.Context(), opts)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		out := make([]attemptView, 0, len(list))
		for _, a := range list {
			out = append(out, d.view(r, a))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GET /attempts/{attemptID}
// Reading an attempt past its deadline submits it.
func GetAttemptHandler(d Deps) http.HandlerFunc {
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
		if a, err = d.Exams.Refresh(r.Context(), id); err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, d.view(r, a))
	}
}

// PUT /attempts/{attemptID}/answers/{questionIndex}
// {"kind": "single_choice", "option_index": 2} or {"kind": "open_response", "text": "..."}
func UpsertAnswerHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		idx, err := strconv.Atoi(chi.URLParam(r, "questionIndex"))
		if err != nil {
			badRequest(w, "question index must be an integer")
			return
		}
		var req struct {
			Kind   exam.QuestionType `json:"kind" validate:"omitempty,oneof=single_choice open_response"`
			Option *int              `json:"option_index" validate:"omitempty,min=0"`
			Text   *string           `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if req.Kind == "" {
			switch {
			case req.Option != nil:
				req.Kind = exam.SingleChoice
			case req.Text != nil:
				req.Kind = exam.OpenResponse
			}
		}
		ans, err := exam.DecodeAnswer(req.Kind, req.Option, req.Text)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}

		a, err := d.Exams.GetAttempt(r.Context(), id)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if a.UserID != rbac.SubjectFromContext(r.Context()) {
			writeError(w, r, d.log(), exam.ErrNotFound)
			return
		}
		saved, err := d.Exams.UpsertAnswer(r.Context(), id, idx, ans)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// POST /attempts/{attemptID}/submit
// A repeated submit answers 409 with the recorded attempt attached.
func SubmitAttemptHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		a, err := d.Exams.GetAttempt(r.Context(), id)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		if a.UserID != rbac.SubjectFromContext(r.Context()) {
			writeError(w, r, d.log(), exam.ErrNotFound)
			return
		}
		a, err = d.Exams.Submit(r.Context(), id, exam.TriggerManual)
		switch {
		case errors.Is(err, exam.ErrAttemptClosed) && a.ID != "":
			writeJSON(w, http.StatusConflict, errorBody{
				Error:   "attempt_closed",
				Message: "the attempt was already submitted",
				Reason:  "attempt-closed",
				Attempt: d.view(r, a),
			})
		case err != nil:
			writeError(w, r, d.log(), err)
		default:
			writeJSON(w, http.StatusOK, d.view(r, a))
		}
	}
}

// POST /admin/sweep?limit=200
func SweepHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntDefault(r.URL.Query().Get("limit"), d.SweepBatch)
		rep, err := d.Exams.SweepExpired(r.Context(), limit)
		if err != nil {
			writeError(w, r, d.log(), err)
			return
		}
		d.log().Info("manual sweep", "by", rbac.SubjectFromContext(r.Context()),
			"expired", rep.Expired, "recovered", rep.Recovered, "failed", rep.Failed)
		writeJSON(w, http.StatusOK, rep)
	}
}
