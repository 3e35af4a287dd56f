package exam

import (
	"errors"
	"fmt"
	"time"

	"github.com/luvvix/certify/internal/validate"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAttemptClosed         = errors.New("attempt closed")
	ErrAssessmentUnavailable = errors.New("assessment unavailable")
	ErrIneligible            = errors.New("ineligible attempt")
	ErrInvalid               = validate.ErrInvalid

	// returned by stores when (user, course) already holds an in_progress attempt
	errActiveAttempt = errors.New("active attempt exists")
	// an assessment id belongs to one course for good
	errAssessmentIDTaken = &ValidationError{Field: "id", Msg: "already used by another course"}
)

type Reason string

const (
	ReasonInProgress Reason = "attempt-in-progress"
	ReasonCooldown   Reason = "cooldown-active"
)

// IneligibleError carries the policy decision that refused a start.
type IneligibleError struct {
	Reason         Reason
	NextEligibleAt *time.Time
	AttemptID      string // the blocking attempt, when known
}

func (e *IneligibleError) Error() string {
	switch e.Reason {
	case ReasonInProgress:
		return "an attempt for this course is already in progress"
	case ReasonCooldown:
		if e.NextEligibleAt != nil {
			return fmt.Sprintf("you can retake this assessment from %s", e.NextEligibleAt.UTC().Format(time.RFC3339))
		}
		return "retake cooldown is active"
	default:
		return "attempt not allowed"
	}
}

func (e *IneligibleError) Is(target error) bool { return target == ErrIneligible }

// ValidationError is the field-level rejection shared with request
// validation; errors.Is(err, ErrInvalid) holds for it.
type ValidationError = validate.Error
