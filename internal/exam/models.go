package exam

import (
	"time"

	"github.com/luvvix/certify/internal/grading"
	"github.com/luvvix/certify/internal/validate"
)

type QuestionType string

const (
	SingleChoice QuestionType = "single_choice"
	OpenResponse QuestionType = "open_response"
)

type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

type Question struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"type" validate:"oneof=single_choice open_response"`
	Prompt        string       `json:"prompt" validate:"notblank"`
	Options       []string     `json:"options,omitempty"`        // single_choice only
	CorrectOption *int         `json:"correct_option,omitempty"` // single_choice only; nil in student views
	Difficulty    Difficulty   `json:"difficulty" validate:"oneof=easy medium hard"`
	Points        int          `json:"points" validate:"gt=0"`
	Category      string       `json:"category,omitempty"`
}

type Assessment struct {
	ID                  string     `json:"id" validate:"notblank"`
	CourseID            string     `json:"course_id" validate:"notblank"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Questions           []Question `json:"questions" validate:"min=1,dive"`
	TimeLimitMinutes    int        `json:"time_limit_minutes" validate:"gt=0"`
	PassingScorePercent int        `json:"passing_score_percent" validate:"min=0,max=100"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

type State string

const (
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StateSubmitted  State = "submitted"
	StateGraded     State = "graded"
)

type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerTimeout Trigger = "timeout"
)

// Result is the recorded grade of an attempt. It is written once.
type Result struct {
	Score      float64                  `json:"score"`
	MaxScore   float64                  `json:"max_score"`
	Percentage float64                  `json:"percentage"`
	Passed     bool                     `json:"passed"`
	Questions  []grading.QuestionResult `json:"questions"`
}

type Attempt struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	AssessmentID string `json:"assessment_id"`
	CourseID     string `json:"course_id"`

	// Snapshot of the assessment at start time.
	Title               string     `json:"title"`
	Questions           []Question `json:"questions"`
	TimeLimitMinutes    int        `json:"time_limit_minutes"`
	PassingScorePercent int        `json:"passing_score_percent"`

	StartedAt  time.Time `json:"started_at"`
	DeadlineAt time.Time `json:"deadline_at"`

	Answers map[int]AttemptAnswer `json:"answers"`

	State       State      `json:"state"`
	Trigger     Trigger    `json:"trigger,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	GradedAt    *time.Time `json:"graded_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// Expired reports whether the deadline has passed at now.
func (a Attempt) Expired(now time.Time) bool { return !now.Before(a.DeadlineAt) }

// Remaining is the countdown projection of DeadlineAt; never negative.
func (a Attempt) Remaining(now time.Time) time.Duration {
	if a.State != StateInProgress || a.Expired(now) {
		return 0
	}
	return a.DeadlineAt.Sub(now)
}

func (a Attempt) Clone() Attempt {
	out := a
	out.Questions = cloneQuestions(a.Questions)
	out.Answers = make(map[int]AttemptAnswer, len(a.Answers))
	for k, v := range a.Answers {
		out.Answers[k] = v
	}
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		out.SubmittedAt = &t
	}
	if a.GradedAt != nil {
		t := *a.GradedAt
		out.GradedAt = &t
	}
	if a.Result != nil {
		r := *a.Result
		r.Questions = append([]grading.QuestionResult(nil), a.Result.Questions...)
		out.Result = &r
	}
	return out
}

// StudentView hides answer keys until the attempt is graded.
func (a Attempt) StudentView() Attempt {
	out := a.Clone()
	if out.State != StateGraded {
		for i := range out.Questions {
			out.Questions[i].CorrectOption = nil
		}
	}
	return out
}

func (as Assessment) StudentView() Assessment {
	out := as
	out.Questions = cloneQuestions(as.Questions)
	for i := range out.Questions {
		out.Questions[i].CorrectOption = nil
	}
	return out
}

func (as Assessment) MaxScore() int {
	total := 0
	for _, q := range as.Questions {
		total += q.Points
	}
	return total
}

// Validate checks an assessment before it is stored or issued.
func (as Assessment) Validate() error {
	return validate.Struct(as)
}

func cloneQuestions(in []Question) []Question {
	if in == nil {
		return nil
	}
	out := make([]Question, len(in))
	for i, q := range in {
		out[i] = q
		out[i].Options = append([]string(nil), q.Options...)
		if q.CorrectOption != nil {
			v := *q.CorrectOption
			out[i].CorrectOption = &v
		}
	}
	return out
}
