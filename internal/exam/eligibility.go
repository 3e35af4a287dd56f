package exam

import "time"

// DefaultCooldown is the wait between the start of a finished attempt and
// the next attempt on the same course.
const DefaultCooldown = 7 * 24 * time.Hour

type Policy struct {
	Cooldown time.Duration
}

func DefaultPolicy() Policy { return Policy{Cooldown: DefaultCooldown} }

type Decision struct {
	Allowed        bool       `json:"allowed"`
	Reason         Reason     `json:"reason,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	AttemptID      string     `json:"attempt_id,omitempty"`
}

// Err turns a refusal into an *IneligibleError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &IneligibleError{Reason: d.Reason, NextEligibleAt: d.NextEligibleAt, AttemptID: d.AttemptID}
}

// Evaluate decides over one user's attempt history for one course.
// It has no side effects.
func (p Policy) Evaluate(history []Attempt, now time.Time) Decision {
	var last *Attempt
	for i := range history {
		a := &history[i]
		if a.State == StateInProgress || a.State == StateCreated {
			return Decision{Reason: ReasonInProgress, AttemptID: a.ID}
		}
		// submitted is a transient step towards graded and counts as finished
		if a.State != StateGraded && a.State != StateSubmitted {
			continue
		}
		if last == nil || a.StartedAt.After(last.StartedAt) {
			last = a
		}
	}
	if last == nil {
		return Decision{Allowed: true}
	}
	next := last.StartedAt.Add(p.Cooldown)
	if now.Before(next) {
		return Decision{Reason: ReasonCooldown, NextEligibleAt: &next, AttemptID: last.ID}
	}
	return Decision{Allowed: true}
}
