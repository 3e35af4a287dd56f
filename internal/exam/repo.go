package exam

import (
	"context"
	"time"
)

type AttemptListOpts struct {
	UserID   string
	CourseID string
	State    State // optional
	Limit    int
	Offset   int
}

// AnswerStore holds the in-progress answer cells of attempts. Writes are
// accepted only while the attempt is in_progress and before its deadline.
type AnswerStore interface {
	UpsertAnswer(ctx context.Context, attemptID string, ans AttemptAnswer) error
}

type Store interface {
	AnswerStore

	PutAssessment(ctx context.Context, as Assessment) error
	GetAssessment(ctx context.Context, id string) (Assessment, error)
	GetAssessmentByCourse(ctx context.Context, courseID string) (Assessment, error)

	// CreateAttempt inserts an in_progress attempt. It is the atomic gate on
	// (user, course): a second active attempt is refused.
	CreateAttempt(ctx context.Context, a Attempt) error
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error)

	// MarkSubmitted is the in_progress -> submitted check-and-set. It
	// reports whether this call performed the transition.
	MarkSubmitted(ctx context.Context, id string, trigger Trigger, at time.Time) (bool, error)
	// SaveGrade is the submitted -> graded check-and-set.
	SaveGrade(ctx context.Context, id string, res Result, at time.Time) (bool, error)

	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// AssessmentProvider obtains the question set for a course.
type AssessmentProvider interface {
	GenerateOrFetch(ctx context.Context, courseID string, questionCount int) (Assessment, error)
}

type storeProvider struct{ store Store }

// StoredAssessments serves the assessment already stored for a course.
// questionCount is a hint for generating providers and is ignored here.
func StoredAssessments(s Store) AssessmentProvider { return storeProvider{store: s} }

func (p storeProvider) GenerateOrFetch(ctx context.Context, courseID string, _ int) (Assessment, error) {
	return p.store.GetAssessmentByCourse(ctx, courseID)
}
