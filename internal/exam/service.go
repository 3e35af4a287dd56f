package exam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/luvvix/certify/internal/clock"
	"github.com/luvvix/certify/internal/grading"
	"github.com/luvvix/certify/internal/logger"
	syncx "github.com/luvvix/certify/internal/sync"
	"github.com/luvvix/certify/internal/validate"
)

// Service runs the attempt lifecycle: eligibility gate, timed session,
// submit and grading.
type Service struct {
	store    Store
	grader   grading.Grader
	policy   Policy
	clock    clock.Clock
	provider AssessmentProvider
	events   syncx.Recorder
	log      *logger.Logger
	newID    func() string

	submits singleflight.Group

	awaitPoll    time.Duration
	awaitMax     time.Duration
	staleAfter   time.Duration
	sweepWorkers int
}

type ServiceOption func(*Service)

func WithPolicy(p Policy) ServiceOption               { return func(s *Service) { s.policy = p } }
func WithClock(c clock.Clock) ServiceOption           { return func(s *Service) { s.clock = c } }
func WithProvider(p AssessmentProvider) ServiceOption { return func(s *Service) { s.provider = p } }
func WithEvents(r syncx.Recorder) ServiceOption       { return func(s *Service) { s.events = r } }
func WithLogger(l *logger.Logger) ServiceOption       { return func(s *Service) { s.log = l } }
func WithIDs(f func() string) ServiceOption           { return func(s *Service) { s.newID = f } }

// WithStaleAfter sets how long an attempt may sit in submitted before a
// sweep grades it again.
func WithStaleAfter(d time.Duration) ServiceOption { return func(s *Service) { s.staleAfter = d } }

func WithSweepWorkers(n int) ServiceOption { return func(s *Service) { s.sweepWorkers = n } }

func NewService(store Store, grader grading.Grader, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		grader:       grader,
		policy:       DefaultPolicy(),
		clock:        clock.System(),
		events:       syncx.Nop(),
		log:          logger.Nop(),
		newID:        uuid.NewString,
		awaitPoll:    25 * time.Millisecond,
		awaitMax:     5 * time.Second,
		staleAfter:   10 * time.Minute,
		sweepWorkers: 4,
	}
	for _, o := range opts {
		o(s)
	}
	if s.provider == nil {
		s.provider = StoredAssessments(store)
	}
	if s.sweepWorkers <= 0 {
		s.sweepWorkers = 1
	}
	return s
}

func (s *Service) PutAssessment(ctx context.Context, as Assessment) (Assessment, error) {
	if err := as.Validate(); err != nil {
		return Assessment{}, err
	}
	if as.CreatedAt.IsZero() {
		as.CreatedAt = s.clock.Now()
	}
	if err := s.store.PutAssessment(ctx, as); err != nil {
		return Assessment{}, err
	}
	s.log.Info("assessment stored", "assessment_id", as.ID, "course_id", as.CourseID, "questions", len(as.Questions))
	return as, nil
}

func (s *Service) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	return s.store.GetAssessment(ctx, id)
}

// CanAttempt reads the user's history for the course and applies the
// policy. An in_progress attempt whose deadline has passed is judged as
// the submitted attempt it is about to become.
func (s *Service) CanAttempt(ctx context.Context, userID, courseID string) (Decision, error) {
	if err := validate.Var("user_id", userID, "notblank"); err != nil {
		return Decision{}, err
	}
	if err := validate.Var("course_id", courseID, "notblank"); err != nil {
		return Decision{}, err
	}
	history, err := s.history(ctx, userID, courseID)
	if err != nil {
		return Decision{}, err
	}
	now := s.clock.Now()
	for i := range history {
		if history[i].State == StateInProgress && history[i].Expired(now) {
			history[i].State = StateSubmitted
		}
	}
	return s.policy.Evaluate(history, now), nil
}

func (s *Service) history(ctx context.Context, userID, courseID string) ([]Attempt, error) {
	return s.store.ListAttempts(ctx, AttemptListOpts{UserID: userID, CourseID: courseID})
}

// Start opens a timed attempt on a stored assessment.
func (s *Service) Start(ctx context.Context, userID, assessmentID string) (Attempt, error) {
	as, err := s.store.GetAssessment(ctx, assessmentID)
	if errors.Is(err, ErrNotFound) {
		return Attempt{}, fmt.Errorf("%w: %s", ErrAssessmentUnavailable, assessmentID)
	}
	if err != nil {
		return Attempt{}, err
	}
	return s.startFrom(ctx, userID, as)
}

// StartForCourse asks the provider for the course's question set and opens
// an attempt on it.
func (s *Service) StartForCourse(ctx context.Context, userID, courseID string, questionCount int) (Attempt, error) {
	as, err := s.provider.GenerateOrFetch(ctx, courseID, questionCount)
	if err != nil {
		return Attempt{}, fmt.Errorf("%w: %v", ErrAssessmentUnavailable, err)
	}
	if err := as.Validate(); err != nil {
		return Attempt{}, fmt.Errorf("%w: %v", ErrAssessmentUnavailable, err)
	}
	return s.startFrom(ctx, userID, as)
}

func (s *Service) startFrom(ctx context.Context, userID string, as Assessment) (Attempt, error) {
	if err := validate.Var("user_id", userID, "notblank"); err != nil {
		return Attempt{}, err
	}
	if len(as.Questions) == 0 || as.TimeLimitMinutes <= 0 {
		return Attempt{}, fmt.Errorf("%w: %s has no usable question set", ErrAssessmentUnavailable, as.ID)
	}
	if err := s.finalizeExpired(ctx, userID, as.CourseID); err != nil {
		return Attempt{}, err
	}

	history, err := s.history(ctx, userID, as.CourseID)
	if err != nil {
		return Attempt{}, err
	}
	now := s.clock.Now()
	if d := s.policy.Evaluate(history, now); !d.Allowed {
		s.log.Info("attempt refused", "user_id", userID, "course_id", as.CourseID, "reason", d.Reason)
		return Attempt{}, d.Err()
	}

	a := Attempt{
		ID:                  s.newID(),
		UserID:              userID,
		AssessmentID:        as.ID,
		CourseID:            as.CourseID,
		Title:               as.Title,
		Questions:           cloneQuestions(as.Questions),
		TimeLimitMinutes:    as.TimeLimitMinutes,
		PassingScorePercent: as.PassingScorePercent,
		StartedAt:           now,
		DeadlineAt:          now.Add(time.Duration(as.TimeLimitMinutes) * time.Minute),
		Answers:             map[int]AttemptAnswer{},
		State:               StateInProgress,
	}
	if err := s.store.CreateAttempt(ctx, a); err != nil {
		if errors.Is(err, errActiveAttempt) {
			return Attempt{}, &IneligibleError{Reason: ReasonInProgress}
		}
		return Attempt{}, err
	}
	s.log.Info("attempt started", "attempt_id", a.ID, "user_id", userID, "course_id", a.CourseID, "deadline", a.DeadlineAt)
	return a.Clone(), nil
}

// finalizeExpired submits, with the timeout trigger, any of the user's
// in_progress attempts on the course whose deadline has already passed.
func (s *Service) finalizeExpired(ctx context.Context, userID, courseID string) error {
	active, err := s.store.ListAttempts(ctx, AttemptListOpts{UserID: userID, CourseID: courseID, State: StateInProgress})
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, a := range active {
		if !a.Expired(now) {
			continue
		}
		if _, err := s.Submit(ctx, a.ID, TriggerTimeout); err != nil && !errors.Is(err, ErrAttemptClosed) {
			return err
		}
	}
	return nil
}

// Now is the service clock; views derive remaining time from it.
func (s *Service) Now() time.Time { return s.clock.Now() }

func (s *Service) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	return s.store.GetAttempt(ctx, id)
}

// Refresh returns the attempt after applying the deadline: an in_progress
// attempt past its deadline is submitted with the timeout trigger first.
// Pollers use this instead of a timer per attempt.
func (s *Service) Refresh(ctx context.Context, id string) (Attempt, error) {
	a, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	if a.State != StateInProgress || !a.Expired(s.clock.Now()) {
		return a, nil
	}
	a, err = s.Submit(ctx, id, TriggerTimeout)
	if errors.Is(err, ErrAttemptClosed) {
		return a, nil
	}
	return a, err
}

func (s *Service) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) {
	return s.store.ListAttempts(ctx, opts)
}

// UpsertAnswer saves one answer, replacing any earlier answer to the same
// question.
func (s *Service) UpsertAnswer(ctx context.Context, attemptID string, questionIndex int, ans Answer) (AttemptAnswer, error) {
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return AttemptAnswer{}, err
	}
	now := s.clock.Now()
	if a.State != StateInProgress || a.Expired(now) {
		return AttemptAnswer{}, ErrAttemptClosed
	}
	if err := validateAnswer(a.Questions, questionIndex, ans); err != nil {
		s.log.Debug("answer rejected", "attempt_id", attemptID, "question_index", questionIndex, "err", err)
		return AttemptAnswer{}, err
	}
	saved := AttemptAnswer{QuestionIndex: questionIndex, Answer: ans, SavedAt: now}
	if err := s.store.UpsertAnswer(ctx, attemptID, saved); err != nil {
		return AttemptAnswer{}, err
	}
	return saved, nil
}

// Submit moves an in_progress attempt to submitted and grades it. Exactly
// one caller performs the transition; concurrent callers in this process
// share its outcome. A caller that finds the attempt already closed gets
// the recorded result together with ErrAttemptClosed.
func (s *Service) Submit(ctx context.Context, attemptID string, trigger Trigger) (Attempt, error) {
	if err := validate.Var("trigger", trigger, "oneof=manual timeout"); err != nil {
		return Attempt{}, err
	}
	if trigger == TriggerTimeout {
		cur, err := s.store.GetAttempt(ctx, attemptID)
		if err != nil {
			return Attempt{}, err
		}
		if cur.State == StateInProgress && !cur.Expired(s.clock.Now()) {
			return Attempt{}, &ValidationError{Field: "trigger", Msg: "deadline not reached"}
		}
	}
	v, err, _ := s.submits.Do(attemptID, func() (any, error) {
		return s.submit(context.WithoutCancel(ctx), attemptID, trigger)
	})
	a, _ := v.(Attempt)
	return a.Clone(), err
}

func (s *Service) submit(ctx context.Context, id string, trigger Trigger) (Attempt, error) {
	cur, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	now := s.clock.Now()
	if cur.State == StateInProgress && cur.Expired(now) {
		// the deadline is authoritative even for a late manual click
		trigger = TriggerTimeout
	}

	won, err := s.store.MarkSubmitted(ctx, id, trigger, now)
	if err != nil {
		return Attempt{}, err
	}
	if !won {
		a, err := s.awaitGraded(ctx, id)
		if err != nil {
			return Attempt{}, err
		}
		return a, ErrAttemptClosed
	}

	a, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	s.log.Info("attempt submitted", "attempt_id", id, "trigger", trigger, "answers", len(a.Answers))
	return s.grade(ctx, a)
}

// awaitGraded waits a bounded time for another writer to finish grading.
// The attempt is returned as found when the wait runs out.
func (s *Service) awaitGraded(ctx context.Context, id string) (Attempt, error) {
	deadline := time.Now().Add(s.awaitMax)
	for {
		a, err := s.store.GetAttempt(ctx, id)
		if err != nil {
			return Attempt{}, err
		}
		if a.State == StateGraded || time.Now().After(deadline) {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, nil
		case <-time.After(s.awaitPoll):
		}
	}
}

func (s *Service) grade(ctx context.Context, a Attempt) (Attempt, error) {
	items, responses := gradingInput(a)
	gr := s.grader.Grade(ctx, items, responses)
	res := Result{
		Score:      gr.Score,
		MaxScore:   gr.MaxScore,
		Percentage: gr.Percentage,
		Passed:     gr.Percentage >= float64(a.PassingScorePercent),
		Questions:  gr.Questions,
	}

	saved, err := s.store.SaveGrade(ctx, a.ID, res, s.clock.Now())
	if err != nil {
		return Attempt{}, fmt.Errorf("save grade: %w", err)
	}
	out, err := s.store.GetAttempt(ctx, a.ID)
	if err != nil {
		return Attempt{}, err
	}
	if !saved {
		return out, nil
	}

	s.log.Info("attempt graded", "attempt_id", a.ID, "user_id", a.UserID, "course_id", a.CourseID,
		"score", res.Score, "max_score", res.MaxScore, "percentage", res.Percentage, "passed", res.Passed)
	if err := s.events.Record(ctx, syncx.TypeAttemptGraded, a.ID, map[string]any{
		"user_id":    a.UserID,
		"course_id":  a.CourseID,
		"percentage": res.Percentage,
		"passed":     res.Passed,
		"trigger":    out.Trigger,
	}); err != nil {
		s.log.Warn("event log append failed", "type", syncx.TypeAttemptGraded, "attempt_id", a.ID, "err", err)
	}
	return out, nil
}

// gradingInput maps the attempt snapshot and its saved answers onto the
// grading engine's view.
func gradingInput(a Attempt) ([]grading.Item, map[int]grading.Response) {
	items := make([]grading.Item, len(a.Questions))
	for i, q := range a.Questions {
		it := grading.Item{Index: i, Prompt: q.Prompt, Points: q.Points}
		switch q.Type {
		case SingleChoice:
			it.Kind = grading.KindSingleChoice
			it.CorrectOption = -1
			if q.CorrectOption != nil {
				it.CorrectOption = *q.CorrectOption
			}
		case OpenResponse:
			it.Kind = grading.KindOpenResponse
		}
		items[i] = it
	}
	responses := make(map[int]grading.Response, len(a.Answers))
	for idx, saved := range a.Answers {
		switch v := saved.Answer.(type) {
		case ChoiceAnswer:
			responses[idx] = grading.Response{Kind: grading.KindSingleChoice, Option: v.Option}
		case TextAnswer:
			responses[idx] = grading.Response{Kind: grading.KindOpenResponse, Text: v.Text}
		}
	}
	return items, responses
}

type SweepReport struct {
	Expired   int `json:"expired"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// SweepExpired submits every in_progress attempt past its deadline and
// regrades attempts left in submitted by an interrupted writer. Attempts
// are handled independently and in no particular order.
func (s *Service) SweepExpired(ctx context.Context, limit int) (SweepReport, error) {
	now := s.clock.Now()
	expired, err := s.store.ListExpired(ctx, now, limit)
	if err != nil {
		return SweepReport{}, err
	}
	stale, err := s.store.ListStaleSubmitted(ctx, now.Add(-s.staleAfter), limit)
	if err != nil {
		return SweepReport{}, err
	}

	type outcome struct {
		recovered bool
		err       error
	}
	results := make([]outcome, len(expired)+len(stale))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepWorkers)
	for i, id := range expired {
		g.Go(func() error {
			_, err := s.Submit(gctx, id, TriggerTimeout)
			if errors.Is(err, ErrAttemptClosed) {
				err = nil
			}
			results[i] = outcome{err: err}
			return nil
		})
	}
	for j, id := range stale {
		g.Go(func() error {
			results[len(expired)+j] = outcome{recovered: true, err: s.regrade(gctx, id)}
			return nil
		})
	}
	_ = g.Wait()

	var rep SweepReport
	for i, o := range results {
		switch {
		case o.err != nil:
			rep.Failed++
			var id string
			if i < len(expired) {
				id = expired[i]
			} else {
				id = stale[i-len(expired)]
			}
			s.log.Error("sweep failed", "attempt_id", id, "err", o.err)
		case o.recovered:
			rep.Recovered++
		default:
			rep.Expired++
		}
	}
	if rep.Expired+rep.Recovered+rep.Failed > 0 {
		s.log.Info("sweep finished", "expired", rep.Expired, "recovered", rep.Recovered, "failed", rep.Failed)
	}
	return rep, nil
}

func (s *Service) regrade(ctx context.Context, id string) error {
	_, err, _ := s.submits.Do(id, func() (any, error) {
		a, err := s.store.GetAttempt(context.WithoutCancel(ctx), id)
		if err != nil {
			return Attempt{}, err
		}
		if a.State != StateSubmitted {
			return a, nil
		}
		s.log.Warn("regrading stale submitted attempt", "attempt_id", id, "submitted_at", a.SubmittedAt)
		return s.grade(context.WithoutCancel(ctx), a)
	})
	if errors.Is(err, ErrAttemptClosed) {
		return nil
	}
	return err
}
