package progress

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/clock"
	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/exam"
)

// Fixed thresholds on a category's average progress.
const (
	StrongThreshold      = 75.0
	ImprovementThreshold = 50.0
	TopCategories        = 3
)

const uncategorized = "general"

type EnrollmentSource interface {
	ListByUser(ctx context.Context, userID string) ([]enrollment.Enrollment, error)
}

type AttemptSource interface {
	ListAttempts(ctx context.Context, opts exam.AttemptListOpts) ([]exam.Attempt, error)
}

type CertificateSource interface {
	ListByUser(ctx context.Context, userID string) ([]certificate.Certificate, error)
}

type TimeSpent struct {
	Total  time.Duration
	Weekly time.Duration
}

// TimeSource is the external analytics counter of learning time.
type TimeSource interface {
	TimeSpent(ctx context.Context, userID string, now time.Time) (TimeSpent, error)
}

type CategoryStat struct {
	Category        string  `json:"category"`
	Courses         int     `json:"courses"`
	AverageProgress float64 `json:"average_progress"`
}

type Summary struct {
	UserID            string         `json:"user_id"`
	EnrolledCourses   int            `json:"enrolled_courses"`
	CompletedCourses  int            `json:"completed_courses"`
	CompletionRate    float64        `json:"completion_rate"`
	TotalTimeSeconds  int64          `json:"total_time_seconds"`
	WeeklyTimeSeconds int64          `json:"weekly_time_seconds"`
	Categories        []CategoryStat `json:"categories"`
	StrongSubjects    []string       `json:"strong_subjects"`
	ImprovementAreas  []string       `json:"improvement_areas"`

	AttemptsTaken      int     `json:"attempts_taken"`
	CertificatesEarned int     `json:"certificates_earned"`
	AveragePercentage  float64 `json:"average_percentage"`
}

type Aggregator struct {
	enrollments  EnrollmentSource
	attempts     AttemptSource
	certificates CertificateSource
	time         TimeSource
	clock        clock.Clock
}

func NewAggregator(e EnrollmentSource, a AttemptSource, c CertificateSource, ts TimeSource, clk clock.Clock) *Aggregator {
	if ts == nil {
		ts = NopTime{}
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Aggregator{enrollments: e, attempts: a, certificates: c, time: ts, clock: clk}
}

// Summary reads the four sources in parallel. It performs no writes and
// fails only when a source does.
func (ag *Aggregator) Summary(ctx context.Context, userID string) (Summary, error) {
	var (
		enrolls []enrollment.Enrollment
		atts    []exam.Attempt
		certs   []certificate.Certificate
		spent   TimeSpent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		enrolls, err = ag.enrollments.ListByUser(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		atts, err = ag.attempts.ListAttempts(gctx, exam.AttemptListOpts{UserID: userID})
		return err
	})
	g.Go(func() (err error) {
		certs, err = ag.certificates.ListByUser(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		spent, err = ag.time.TimeSpent(gctx, userID, ag.clock.Now())
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	s := Summary{
		UserID:             userID,
		EnrolledCourses:    len(enrolls),
		TotalTimeSeconds:   int64(spent.Total / time.Second),
		WeeklyTimeSeconds:  int64(spent.Weekly / time.Second),
		AttemptsTaken:      len(atts),
		CertificatesEarned: len(certs),
	}
	for _, e := range enrolls {
		if e.Completed {
			s.CompletedCourses++
		}
	}
	if s.EnrolledCourses > 0 {
		s.CompletionRate = round2(100 * float64(s.CompletedCourses) / float64(s.EnrolledCourses))
	}

	var graded int
	var sum float64
	for _, a := range atts {
		if a.State == exam.StateGraded && a.Result != nil {
			graded++
			sum += a.Result.Percentage
		}
	}
	if graded > 0 {
		s.AveragePercentage = round2(sum / float64(graded))
	}

	s.Categories = categoryStats(enrolls)
	s.StrongSubjects, s.ImprovementAreas = rankCategories(s.Categories)
	return s, nil
}

func categoryStats(enrolls []enrollment.Enrollment) []CategoryStat {
	type acc struct {
		n   int
		sum float64
	}
	by := map[string]*acc{}
	for _, e := range enrolls {
		cat := strings.TrimSpace(e.Category)
		if cat == "" {
			cat = uncategorized
		}
		a := by[cat]
		if a == nil {
			a = &acc{}
			by[cat] = a
		}
		a.n++
		a.sum += e.ProgressPercentage
	}
	out := make([]CategoryStat, 0, len(by))
	for cat, a := range by {
		out = append(out, CategoryStat{Category: cat, Courses: a.n, AverageProgress: round2(a.sum / float64(a.n))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// rankCategories returns the best categories above StrongThreshold and the
// weakest below ImprovementThreshold, at most TopCategories each.
func rankCategories(stats []CategoryStat) (strong, weak []string) {
	hi := make([]CategoryStat, 0)
	lo := make([]CategoryStat, 0)
	for _, c := range stats {
		switch {
		case c.AverageProgress > StrongThreshold:
			hi = append(hi, c)
		case c.AverageProgress < ImprovementThreshold:
			lo = append(lo, c)
		}
	}
	sort.SliceStable(hi, func(i, j int) bool { return hi[i].AverageProgress > hi[j].AverageProgress })
	sort.SliceStable(lo, func(i, j int) bool { return lo[i].AverageProgress < lo[j].AverageProgress })
	return names(hi), names(lo)
}

func names(cs []CategoryStat) []string {
	if len(cs) > TopCategories {
		cs = cs[:TopCategories]
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Category
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// NopTime reports zero time spent; used when no analytics backend is set.
type NopTime struct{}

func (NopTime) TimeSpent(context.Context, string, time.Time) (TimeSpent, error) {
	return TimeSpent{}, nil
}
