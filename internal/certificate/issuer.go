package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luvvix/certify/internal/clock"
	"github.com/luvvix/certify/internal/exam"
	"github.com/luvvix/certify/internal/logger"
	syncx "github.com/luvvix/certify/internal/sync"
)

type AttemptSource interface {
	GetAttempt(ctx context.Context, id string) (exam.Attempt, error)
	ListAttempts(ctx context.Context, opts exam.AttemptListOpts) ([]exam.Attempt, error)
}

type EnrollmentMarker interface {
	MarkCompleted(ctx context.Context, userID, courseID string, at time.Time) error
}

type Outcome string

const (
	OutcomeIssued   Outcome = "issued"
	OutcomeExisting Outcome = "existing"
	OutcomeUpdated  Outcome = "updated"
)

type Config struct {
	Policy      Policy
	SignedBy    string
	SignedTitle string
	CodePrefix  string
	// MaxCodeTries bounds regeneration after code collisions.
	MaxCodeTries int
}

type Issuer struct {
	store       Store
	attempts    AttemptSource
	enrollments EnrollmentMarker
	cfg         Config

	Codes  CodeGenerator
	Clock  clock.Clock
	Events syncx.Recorder
	Log    *logger.Logger
	NewID  func() string
}

func NewIssuer(store Store, attempts AttemptSource, enrollments EnrollmentMarker, cfg Config) *Issuer {
	if cfg.Policy == "" {
		cfg.Policy = FirstSuccess
	}
	if cfg.MaxCodeTries <= 0 {
		cfg.MaxCodeTries = 5
	}
	return &Issuer{
		store:       store,
		attempts:    attempts,
		enrollments: enrollments,
		cfg:         cfg,
		Codes:       RandomCodes{Prefix: cfg.CodePrefix},
		Clock:       clock.System(),
		Events:      syncx.Nop(),
		Log:         logger.Nop(),
		NewID:       uuid.NewString,
	}
}

// Issue returns the certificate of the attempt's (user, course), minting
// it on the first passing attempt. Repeated calls are safe.
func (is *Issuer) Issue(ctx context.Context, attemptID string) (Certificate, Outcome, error) {
	a, err := is.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return Certificate{}, "", err
	}
	mention, err := qualifies(a)
	if err != nil {
		return Certificate{}, "", err
	}

	existing, err := is.store.GetByUserCourse(ctx, a.UserID, a.CourseID)
	switch {
	case err == nil:
		return is.reuse(ctx, existing, a, mention)
	case !errors.Is(err, ErrNotFound):
		return Certificate{}, "", err
	}
	if is.cfg.Policy == FirstSuccess {
		// the certificate belongs to the earliest passing attempt even when
		// a later one is presented first
		if a, err = is.firstPassing(ctx, a); err != nil {
			return Certificate{}, "", err
		}
		mention, _ = MentionFor(a.Result.Percentage)
	}
	pct := a.Result.Percentage

	now := is.Clock.Now()
	c := Certificate{
		ID:          is.NewID(),
		UserID:      a.UserID,
		CourseID:    a.CourseID,
		AttemptID:   a.ID,
		Score:       a.Result.Score,
		MaxScore:    a.Result.MaxScore,
		Percentage:  pct,
		ScoreOn20:   ScoreOn20(pct),
		Mention:     mention,
		IssuedAt:    now,
		UpdatedAt:   now,
		SignedBy:    is.cfg.SignedBy,
		SignedTitle: is.cfg.SignedTitle,
	}
	for try := 1; ; try++ {
		code, err := is.Codes.Generate()
		if err != nil {
			return Certificate{}, "", fmt.Errorf("generate code: %w", err)
		}
		c.VerificationCode = code
		err = is.store.Create(ctx, c)
		if err == nil {
			break
		}
		if errors.Is(err, ErrExists) {
			// a concurrent issue for the same pair won
			cur, gerr := is.store.GetByUserCourse(ctx, a.UserID, a.CourseID)
			if gerr != nil {
				return Certificate{}, "", gerr
			}
			return is.reuse(ctx, cur, a, mention)
		}
		if !errors.Is(err, ErrCodeCollision) {
			return Certificate{}, "", err
		}
		is.Log.Warn("verification code collision, regenerating", "try", try, "user_id", a.UserID, "course_id", a.CourseID)
		if try >= is.cfg.MaxCodeTries {
			return Certificate{}, "", fmt.Errorf("no free verification code after %d tries: %w", try, err)
		}
	}

	if err := is.complete(ctx, c); err != nil {
		return c, OutcomeIssued, err
	}
	is.Log.Info("certificate issued", "certificate_id", c.ID, "user_id", c.UserID, "course_id", c.CourseID,
		"attempt_id", c.AttemptID, "mention", c.Mention, "percentage", c.Percentage)
	if err := is.Events.Record(ctx, syncx.TypeCertificateIssued, c.ID, c); err != nil {
		is.Log.Warn("event log append failed", "type", syncx.TypeCertificateIssued, "certificate_id", c.ID, "err", err)
	}
	return c, OutcomeIssued, nil
}

// qualifies reports the mention a graded attempt earns, or ErrNotEligible.
func qualifies(a exam.Attempt) (Mention, error) {
	if a.State != exam.StateGraded || a.Result == nil {
		return "", fmt.Errorf("%w: attempt is %s", ErrNotEligible, a.State)
	}
	pct := a.Result.Percentage
	if pct < float64(a.PassingScorePercent) {
		return "", fmt.Errorf("%w: %.2f%% is below the passing score of %d%%", ErrNotEligible, pct, a.PassingScorePercent)
	}
	mention, ok := MentionFor(pct)
	if !ok {
		return "", fmt.Errorf("%w: %.2f%% earns no mention", ErrNotEligible, pct)
	}
	return mention, nil
}

// firstPassing returns the earliest started attempt of a's (user, course)
// that qualifies for a certificate. a itself qualifies, so it is the
// fallback.
func (is *Issuer) firstPassing(ctx context.Context, a exam.Attempt) (exam.Attempt, error) {
	list, err := is.attempts.ListAttempts(ctx, exam.AttemptListOpts{
		UserID: a.UserID, CourseID: a.CourseID, State: exam.StateGraded, Limit: 500,
	})
	if err != nil {
		return exam.Attempt{}, fmt.Errorf("list attempts: %w", err)
	}
	first := a
	for _, c := range list {
		if _, err := qualifies(c); err != nil {
			continue
		}
		if c.StartedAt.Before(first.StartedAt) || (c.StartedAt.Equal(first.StartedAt) && c.ID < first.ID) {
			first = c
		}
	}
	if first.ID != a.ID {
		is.Log.Info("issuing from an earlier passing attempt", "requested_attempt_id", a.ID, "attempt_id", first.ID)
	}
	return first, nil
}

// reuse applies the policy to an existing certificate. The enrollment is
// marked again so a retry after a failed side effect converges.
func (is *Issuer) reuse(ctx context.Context, cur Certificate, a exam.Attempt, mention Mention) (Certificate, Outcome, error) {
	outcome := OutcomeExisting
	if is.cfg.Policy == BestScore && a.ID != cur.AttemptID && a.Result.Percentage > cur.Percentage {
		next := cur
		next.AttemptID = a.ID
		next.Score, next.MaxScore, next.Percentage = a.Result.Score, a.Result.MaxScore, a.Result.Percentage
		next.ScoreOn20 = ScoreOn20(next.Percentage)
		next.Mention = mention
		next.UpdatedAt = is.Clock.Now()
		promoted, err := is.store.Promote(ctx, next)
		if err != nil {
			return Certificate{}, "", err
		}
		if promoted {
			cur, outcome = next, OutcomeUpdated
			is.Log.Info("certificate updated to a better attempt", "certificate_id", cur.ID, "attempt_id", a.ID, "mention", mention)
			if err := is.Events.Record(ctx, syncx.TypeCertificateUpdated, cur.ID, cur); err != nil {
				is.Log.Warn("event log append failed", "type", syncx.TypeCertificateUpdated, "certificate_id", cur.ID, "err", err)
			}
		}
	}
	if err := is.complete(ctx, cur); err != nil {
		return cur, outcome, err
	}
	if outcome == OutcomeExisting {
		is.Log.Debug("certificate reused", "certificate_id", cur.ID, "attempt_id", a.ID)
	}
	return cur, outcome, nil
}

func (is *Issuer) complete(ctx context.Context, c Certificate) error {
	if is.enrollments == nil {
		return nil
	}
	if err := is.enrollments.MarkCompleted(ctx, c.UserID, c.CourseID, c.IssuedAt); err != nil {
		return fmt.Errorf("mark enrollment completed: %w", err)
	}
	return nil
}

func (is *Issuer) Get(ctx context.Context, userID, courseID string) (Certificate, error) {
	return is.store.GetByUserCourse(ctx, userID, courseID)
}

func (is *Issuer) List(ctx context.Context, userID string) ([]Certificate, error) {
	return is.store.ListByUser(ctx, userID)
}

// Verify is the public lookup by verification code.
func (is *Issuer) Verify(ctx context.Context, code string) (Certificate, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Certificate{}, ErrNotFound
	}
	return is.store.GetByCode(ctx, code)
}
