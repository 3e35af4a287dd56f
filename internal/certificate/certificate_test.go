package certificate_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/luvvix/certify/internal/certificate"
	"github.com/luvvix/certify/internal/clock"
	"github.com/luvvix/certify/internal/db"
	"github.com/luvvix/certify/internal/enrollment"
	"github.com/luvvix/certify/internal/exam"
)

func TestMentionFor(t *testing.T) {
	cases := []struct {
		pct  float64
		want certificate.Mention
		ok   bool
	}{
		{100, certificate.TresBien, true},
		{90, certificate.TresBien, true},
		{89.99, certificate.Bien, true},
		{75, certificate.Bien, true},
		{60, certificate.AssezBien, true},
		{59.5, certificate.Passable, true},
		{50, certificate.Passable, true},
		{40, certificate.Passable, true},
		{39.99, "", false},
		{0, "", false},
	}
	for _, tc := range cases {
		got, ok := certificate.MentionFor(tc.pct)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MentionFor(%v) = %q,%v want %q,%v", tc.pct, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMentionMonotonic(t *testing.T) {
	rank := map[certificate.Mention]int{"": 0, certificate.Passable: 1, certificate.AssezBien: 2, certificate.Bien: 3, certificate.TresBien: 4}
	prev := -1
	for p := 0.0; p <= 100; p += 0.25 {
		m, _ := certificate.MentionFor(p)
		if rank[m] < prev {
			t.Fatalf("mention drops at %v", p)
		}
		prev = rank[m]
	}
}

func TestScoreOn20(t *testing.T) {
	for pct, want := range map[float64]float64{100: 20, 50: 10, 87.5: 17.5, 33.333: 6.67, 0: 0} {
		if got := certificate.ScoreOn20(pct); got != want {
			t.Errorf("ScoreOn20(%v) = %v want %v", pct, got, want)
		}
	}
}

func TestRandomCodes(t *testing.T) {
	g := certificate.RandomCodes{Prefix: "LVX"}
	re := regexp.MustCompile(`^LVX(-[0-9A-HJKMNP-TV-Z]{4}){4}$`)
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		c, err := g.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !re.MatchString(c) {
			t.Fatalf("bad code %q", c)
		}
		if seen[c] {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = true
	}
}

type attemptMap map[string]exam.Attempt

func (m attemptMap) GetAttempt(_ context.Context, id string) (exam.Attempt, error) {
	a, ok := m[id]
	if !ok {
		return exam.Attempt{}, exam.ErrNotFound
	}
	return a, nil
}

func (m attemptMap) ListAttempts(_ context.Context, opts exam.AttemptListOpts) ([]exam.Attempt, error) {
	var out []exam.Attempt
	for _, a := range m {
		if a.UserID == opts.UserID && a.CourseID == opts.CourseID && (opts.State == "" || a.State == opts.State) {
			out = append(out, a)
		}
	}
	return out, nil
}

func graded(id, user string, pct float64, started time.Time) exam.Attempt {
	return exam.Attempt{
		ID: id, UserID: user, CourseID: "go-101", AssessmentID: "as-go-101",
		PassingScorePercent: 50,
		StartedAt:           started,
		State:               exam.StateGraded,
		Result:              &exam.Result{Score: pct / 25, MaxScore: 4, Percentage: pct, Passed: pct >= 50},
	}
}

// seqCodes hands out codes in order.
type seqCodes struct {
	mu    sync.Mutex
	codes []string
}

func (s *seqCodes) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		return "", errors.New("out of codes")
	}
	c := s.codes[0]
	s.codes = s.codes[1:]
	return c, nil
}

type fixture struct {
	issuer   *certificate.Issuer
	store    certificate.Store
	attempts attemptMap
	enroll   enrollment.Store
	clk      *clock.Manual
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func certStores(t *testing.T) map[string]certificate.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cert.db") + "?_pragma=busy_timeout(5000)"
	h, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return map[string]certificate.Store{
		"memory": certificate.NewInMemoryStore(),
		"sqlite": certificate.NewSQLStore(h),
	}
}

func eachStore(t *testing.T, policy certificate.Policy, fn func(t *testing.T, f *fixture)) {
	for name, s := range certStores(t) {
		t.Run(name, func(t *testing.T) {
			f := &fixture{store: s, attempts: attemptMap{}, enroll: enrollment.NewInMemoryStore(), clk: clock.NewManual(t0)}
			f.issuer = certificate.NewIssuer(s, f.attempts, f.enroll, certificate.Config{
				Policy: policy, SignedBy: "A. Dupont", SignedTitle: "Directrice pédagogique", CodePrefix: "LVX",
			})
			f.issuer.Clock = f.clk
			fn(t, f)
		})
	}
}

func TestIssueFirstPassingAttempt(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.attempts["a1"] = graded("a1", "u1", 100, t0)

		c, outcome, err := f.issuer.Issue(ctx, "a1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if outcome != certificate.OutcomeIssued || c.Mention != certificate.TresBien || c.Score != 4 || c.ScoreOn20 != 20 {
			t.Fatalf("certificate = %+v (%s)", c, outcome)
		}
		if c.SignedBy != "A. Dupont" || c.VerificationCode == "" {
			t.Fatalf("certificate = %+v", c)
		}
		e, err := f.enroll.Get(ctx, "u1", "go-101")
		if err != nil || !e.Completed {
			t.Fatalf("enrollment = %+v, %v", e, err)
		}

		again, outcome, err := f.issuer.Issue(ctx, "a1")
		if err != nil || outcome != certificate.OutcomeExisting || again.ID != c.ID || again.VerificationCode != c.VerificationCode {
			t.Fatalf("reissue = %+v %s %v", again, outcome, err)
		}

		got, err := f.issuer.Verify(ctx, "  "+c.VerificationCode+" ")
		if err != nil || got.ID != c.ID {
			t.Fatalf("verify = %+v, %v", got, err)
		}
		if _, err := f.issuer.Verify(ctx, "LVX-0000-0000-0000-0000"); !errors.Is(err, certificate.ErrNotFound) {
			t.Fatalf("verify unknown err = %v", err)
		}
		list, _ := f.issuer.List(ctx, "u1")
		if len(list) != 1 {
			t.Fatalf("list = %d", len(list))
		}
	})
}

func TestHalfScoreMention(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		f.attempts["a1"] = graded("a1", "u1", 50, t0)
		c, _, err := f.issuer.Issue(context.Background(), "a1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if c.Mention != certificate.Passable || c.ScoreOn20 != 10 {
			t.Fatalf("certificate = %+v", c)
		}
	})
}

func TestIssueRefusesIneligible(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.attempts["fail"] = graded("fail", "u1", 25, t0)
		inProgress := graded("open", "u1", 0, t0)
		inProgress.State, inProgress.Result = exam.StateInProgress, nil
		f.attempts["open"] = inProgress
		low := graded("low", "u2", 35, t0)
		low.PassingScorePercent = 30
		f.attempts["low"] = low

		for _, id := range []string{"fail", "open", "low"} {
			if _, _, err := f.issuer.Issue(ctx, id); !errors.Is(err, certificate.ErrNotEligible) {
				t.Fatalf("%s: err = %v", id, err)
			}
		}
		if _, _, err := f.issuer.Issue(ctx, "missing"); !errors.Is(err, exam.ErrNotFound) {
			t.Fatalf("missing err = %v", err)
		}
		if _, err := f.issuer.Get(ctx, "u1", "go-101"); !errors.Is(err, certificate.ErrNotFound) {
			t.Fatalf("certificate created for a failing attempt")
		}
		if e, err := f.enroll.Get(ctx, "u1", "go-101"); err == nil && e.Completed {
			t.Fatalf("enrollment completed without a certificate")
		}
	})
}

func TestLaterBetterAttemptKeepsFirstCertificate(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.attempts["a1"] = graded("a1", "u1", 60, t0)
		first, _, err := f.issuer.Issue(ctx, "a1")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}

		f.clk.Advance(8 * 24 * time.Hour)
		f.attempts["a2"] = graded("a2", "u1", 95, t0.Add(8*24*time.Hour))
		second, outcome, err := f.issuer.Issue(ctx, "a2")
		if err != nil {
			t.Fatalf("issue a2: %v", err)
		}
		if outcome != certificate.OutcomeExisting || second.VerificationCode != first.VerificationCode ||
			second.AttemptID != "a1" || second.Mention != certificate.AssezBien {
			t.Fatalf("second issue = %+v (%s)", second, outcome)
		}
	})
}

func TestFirstPassingAttemptWinsWhateverIssueOrder(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		// a1 passed at 50% but was never issued; a2 scored 100% after the cooldown
		f.attempts["a1"] = graded("a1", "u1", 50, t0)
		f.attempts["a2"] = graded("a2", "u1", 100, t0.Add(8*24*time.Hour))
		f.attempts["other"] = graded("other", "u2", 40, t0.Add(-time.Hour))
		f.clk.Advance(8 * 24 * time.Hour)

		c, outcome, err := f.issuer.Issue(ctx, "a2")
		if err != nil {
			t.Fatalf("issue a2: %v", err)
		}
		if outcome != certificate.OutcomeIssued || c.AttemptID != "a1" || c.Mention != certificate.Passable || c.ScoreOn20 != 10 {
			t.Fatalf("certificate = %+v (%s)", c, outcome)
		}

		again, outcome, err := f.issuer.Issue(ctx, "a1")
		if err != nil || outcome != certificate.OutcomeExisting || again.ID != c.ID || again.AttemptID != "a1" {
			t.Fatalf("issue a1 = %+v %s %v", again, outcome, err)
		}
	})
}

func TestBestScorePolicyPromotes(t *testing.T) {
	eachStore(t, certificate.BestScore, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.attempts["a1"] = graded("a1", "u1", 60, t0)
		f.attempts["a2"] = graded("a2", "u1", 95, t0.Add(8*24*time.Hour))
		f.attempts["a3"] = graded("a3", "u1", 70, t0.Add(16*24*time.Hour))

		first, _, _ := f.issuer.Issue(ctx, "a1")
		f.clk.Advance(time.Hour)
		up, outcome, err := f.issuer.Issue(ctx, "a2")
		if err != nil || outcome != certificate.OutcomeUpdated {
			t.Fatalf("promote = %s, %v", outcome, err)
		}
		if up.ID != first.ID || up.VerificationCode != first.VerificationCode || up.AttemptID != "a2" ||
			up.Mention != certificate.TresBien || !up.IssuedAt.Equal(first.IssuedAt) {
			t.Fatalf("promoted = %+v", up)
		}

		kept, outcome, err := f.issuer.Issue(ctx, "a3")
		if err != nil || outcome != certificate.OutcomeExisting || kept.AttemptID != "a2" {
			t.Fatalf("worse attempt = %+v %s %v", kept, outcome, err)
		}
		stored, _ := f.issuer.Get(ctx, "u1", "go-101")
		if stored.Percentage != 95 || stored.ScoreOn20 != 19 {
			t.Fatalf("stored = %+v", stored)
		}
	})
}

func TestCodeCollisionRegenerates(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		codes := &seqCodes{codes: []string{"V1", "V1", "V1", "V2"}}
		f.issuer.Codes = codes

		f.attempts["a1"] = graded("a1", "u1", 80, t0)
		f.attempts["b1"] = graded("b1", "u2", 80, t0)
		c1, _, err := f.issuer.Issue(ctx, "a1")
		if err != nil || c1.VerificationCode != "V1" {
			t.Fatalf("first = %+v, %v", c1, err)
		}
		c2, _, err := f.issuer.Issue(ctx, "b1")
		if err != nil || c2.VerificationCode != "V2" {
			t.Fatalf("second = %+v, %v", c2, err)
		}
		owner, _ := f.issuer.Verify(ctx, "V1")
		if owner.UserID != "u1" {
			t.Fatalf("V1 now belongs to %s", owner.UserID)
		}
	})
}

func TestCodeCollisionGivesUp(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.issuer.Codes = &seqCodes{codes: []string{"V1", "V1", "V1", "V1", "V1", "V1", "V1"}}
		f.attempts["a1"] = graded("a1", "u1", 80, t0)
		f.attempts["b1"] = graded("b1", "u2", 80, t0)
		if _, _, err := f.issuer.Issue(ctx, "a1"); err != nil {
			t.Fatalf("first: %v", err)
		}
		_, _, err := f.issuer.Issue(ctx, "b1")
		if !errors.Is(err, certificate.ErrCodeCollision) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestConcurrentIssueOneCertificate(t *testing.T) {
	eachStore(t, certificate.FirstSuccess, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		ids := []string{"a1", "a2", "a3", "a4"}
		for i, id := range ids {
			f.attempts[id] = graded(id, "u1", float64(60+i*10), t0.Add(time.Duration(i)*8*24*time.Hour))
		}
		var wg sync.WaitGroup
		codes := make([]string, len(ids))
		for i, id := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, _, err := f.issuer.Issue(ctx, id)
				if err != nil {
					t.Errorf("issue %s: %v", id, err)
				}
				codes[i] = c.VerificationCode
			}()
		}
		wg.Wait()
		for _, c := range codes[1:] {
			if c != codes[0] {
				t.Fatalf("codes differ: %v", codes)
			}
		}
		list, _ := f.issuer.List(ctx, "u1")
		if len(list) != 1 {
			t.Fatalf("certificates = %d", len(list))
		}
	})
}
