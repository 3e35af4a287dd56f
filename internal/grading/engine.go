package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luvvix/certify/internal/logger"
)

type Kind string

const (
	KindSingleChoice Kind = "single_choice"
	KindOpenResponse Kind = "open_response"
)

// Item is the minimal view of a question needed for grading.
type Item struct {
	Index         int
	Kind          Kind
	Prompt        string
	Points        int
	CorrectOption int // single_choice only
}

// Response is a saved answer. Absence from the response map means unanswered.
type Response struct {
	Kind   Kind
	Option int
	Text   string
}

type Status string

const (
	StatusCorrect    Status = "correct"
	StatusIncorrect  Status = "incorrect"
	StatusJudged     Status = "judged"
	StatusUngraded   Status = "ungraded"
	StatusUnanswered Status = "unanswered"
	StatusMismatch   Status = "mismatch"
)

const (
	FeedbackNoAnswer = "no answer submitted"
	FeedbackUngraded = "ungraded"
)

// QuestionResult is the outcome of grading a single question.
type QuestionResult struct {
	Index    int     `json:"question_index"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Status   Status  `json:"status"`
	Feedback string  `json:"feedback,omitempty"`
}

type Result struct {
	Questions  []QuestionResult `json:"questions"`
	Score      float64          `json:"score"`
	MaxScore   float64          `json:"max_score"`
	Percentage float64          `json:"percentage"`
}

// Judgment is what the external judge returns for an open response.
type Judgment struct {
	Score    float64
	Feedback string
}

// Judge scores open responses. Implementations must honour ctx.
type Judge interface {
	Judge(ctx context.Context, prompt, text string, maxPoints int) (Judgment, error)
}

var ErrJudgeTimeout = errors.New("judge timeout")

// Strategy grades a single question.
type Strategy interface {
	Grade(ctx context.Context, it Item, r Response) QuestionResult
}

// Grader maps an item list and its responses to a result.
type Grader interface {
	Grade(ctx context.Context, items []Item, responses map[int]Response) Result
}

type Option func(*config)

type config struct {
	JudgeTimeout time.Duration
	Concurrency  int
	Log          *logger.Logger
}

func WithJudgeTimeout(d time.Duration) Option { return func(c *config) { c.JudgeTimeout = d } }
func WithConcurrency(n int) Option           { return func(c *config) { c.Concurrency = n } }
func WithLogger(l *logger.Logger) Option      { return func(c *config) { c.Log = l } }

type Engine struct {
	strategies  map[Kind]Strategy
	concurrency int
}

// NewEngine installs the built-in strategies. judge may be nil, in which
// case every open response is recorded as ungraded.
func NewEngine(judge Judge, opts ...Option) *Engine {
	cfg := &config{
		JudgeTimeout: 20 * time.Second,
		Concurrency:  4,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{
		strategies: map[Kind]Strategy{
			KindSingleChoice: singleChoiceStrategy{},
			KindOpenResponse: openResponseStrategy{judge: judge, timeout: cfg.JudgeTimeout, log: cfg.Log},
		},
		concurrency: cfg.Concurrency,
	}
}

// Grade scores every item. It never fails as a whole: a question that
// cannot be scored contributes 0 with a note.
func (e *Engine) Grade(ctx context.Context, items []Item, responses map[int]Response) Result {
	results := make([]QuestionResult, len(items))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, it := range items {
		r, answered := responses[it.Index]
		if !answered {
			results[i] = QuestionResult{Index: it.Index, MaxScore: float64(it.Points), Status: StatusUnanswered, Feedback: FeedbackNoAnswer}
			continue
		}
		if r.Kind != it.Kind {
			results[i] = QuestionResult{Index: it.Index, MaxScore: float64(it.Points), Status: StatusMismatch, Feedback: "answer does not match question type"}
			continue
		}
		s, ok := e.strategies[it.Kind]
		if !ok {
			results[i] = QuestionResult{Index: it.Index, MaxScore: float64(it.Points), Status: StatusUngraded, Feedback: FeedbackUngraded}
			continue
		}
		g.Go(func() error {
			results[i] = s.Grade(ctx, it, r)
			return nil
		})
	}
	_ = g.Wait()

	return summarize(results)
}

func summarize(qs []QuestionResult) Result {
	res := Result{Questions: qs}
	for _, q := range qs {
		res.Score += q.Score
		res.MaxScore += q.MaxScore
	}
	if res.Score > res.MaxScore {
		res.Score = res.MaxScore
	}
	if res.MaxScore > 0 {
		res.Percentage = 100 * res.Score / res.MaxScore
	}
	return res
}

// --- Strategies ---

type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Grade(_ context.Context, it Item, r Response) QuestionResult {
	res := QuestionResult{Index: it.Index, MaxScore: float64(it.Points), Status: StatusIncorrect}
	if r.Option == it.CorrectOption {
		res.Score = float64(it.Points)
		res.Status = StatusCorrect
	}
	return res
}

type openResponseStrategy struct {
	judge   Judge
	timeout time.Duration
	log     *logger.Logger
}

func (s openResponseStrategy) Grade(ctx context.Context, it Item, r Response) QuestionResult {
	res := QuestionResult{Index: it.Index, MaxScore: float64(it.Points), Status: StatusUngraded, Feedback: FeedbackUngraded}
	if strings.TrimSpace(r.Text) == "" {
		res.Status = StatusUnanswered
		res.Feedback = FeedbackNoAnswer
		return res
	}
	if s.judge == nil {
		return res
	}

	j, err := s.callJudge(ctx, it, r.Text)
	if err != nil {
		s.log.Warn("open response left ungraded", "question_index", it.Index, "error", err)
		return res
	}
	res.Score = clamp(j.Score, 0, float64(it.Points))
	res.Status = StatusJudged
	res.Feedback = j.Feedback
	return res
}

// callJudge bounds the judge call even if the implementation ignores ctx.
func (s openResponseStrategy) callJudge(ctx context.Context, it Item, text string) (Judgment, error) {
	jctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type reply struct {
		j   Judgment
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		j, err := s.judge.Judge(jctx, it.Prompt, text, it.Points)
		ch <- reply{j, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil && errors.Is(rep.err, context.DeadlineExceeded) {
			return Judgment{}, fmt.Errorf("%w: %v", ErrJudgeTimeout, rep.err)
		}
		return rep.j, rep.err
	case <-jctx.Done():
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			return Judgment{}, ErrJudgeTimeout
		}
		return Judgment{}, jctx.Err()
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
