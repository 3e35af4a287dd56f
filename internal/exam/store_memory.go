package exam

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memAttempt struct {
	mu sync.Mutex
	a  Attempt
}

type memoryStore struct {
	mu          sync.RWMutex
	assessments map[string]Assessment
	byCourse    map[string]string // courseID -> assessmentID
	attempts    map[string]*memAttempt
	active      map[string]string // user|course -> attemptID
}

// NewInMemoryStore keeps everything in process memory. Each attempt has its
// own lock so work on different attempts never contends.
func NewInMemoryStore() Store {
	return &memoryStore{
		assessments: map[string]Assessment{},
		byCourse:    map[string]string{},
		attempts:    map[string]*memAttempt{},
		active:      map[string]string{},
	}
}

func activeKey(userID, courseID string) string { return userID + "|" + courseID }

func (m *memoryStore) PutAssessment(_ context.Context, as Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.assessments[as.ID]; ok && other.CourseID != as.CourseID {
		return errAssessmentIDTaken
	}
	if prev, ok := m.byCourse[as.CourseID]; ok && prev != as.ID {
		delete(m.assessments, prev)
	}
	as.Questions = cloneQuestions(as.Questions)
	m.assessments[as.ID] = as
	m.byCourse[as.CourseID] = as.ID
	return nil
}

func (m *memoryStore) GetAssessment(_ context.Context, id string) (Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.assessments[id]
	if !ok {
		return Assessment{}, ErrNotFound
	}
	as.Questions = cloneQuestions(as.Questions)
	return as, nil
}

func (m *memoryStore) GetAssessmentByCourse(ctx context.Context, courseID string) (Assessment, error) {
	m.mu.RLock()
	id, ok := m.byCourse[courseID]
	m.mu.RUnlock()
	if !ok {
		return Assessment{}, ErrNotFound
	}
	return m.GetAssessment(ctx, id)
}

func (m *memoryStore) CreateAttempt(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activeKey(a.UserID, a.CourseID)
	if _, busy := m.active[key]; busy {
		return errActiveAttempt
	}
	if _, dup := m.attempts[a.ID]; dup {
		return errActiveAttempt
	}
	m.attempts[a.ID] = &memAttempt{a: a.Clone()}
	m.active[key] = a.ID
	return nil
}

func (m *memoryStore) entry(id string) (*memAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) GetAttempt(_ context.Context, id string) (Attempt, error) {
	e, err := m.entry(id)
	if err != nil {
		return Attempt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a.Clone(), nil
}

func (m *memoryStore) ListAttempts(_ context.Context, opts AttemptListOpts) ([]Attempt, error) {
	m.mu.RLock()
	entries := make([]*memAttempt, 0, len(m.attempts))
	for _, e := range m.attempts {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Attempt, 0)
	for _, e := range entries {
		e.mu.Lock()
		a := e.a.Clone()
		e.mu.Unlock()
		if opts.UserID != "" && a.UserID != opts.UserID {
			continue
		}
		if opts.CourseID != "" && a.CourseID != opts.CourseID {
			continue
		}
		if opts.State != "" && a.State != opts.State {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, opts.Offset, opts.Limit), nil
}

func (m *memoryStore) UpsertAnswer(_ context.Context, attemptID string, ans AttemptAnswer) error {
	e, err := m.entry(attemptID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.State != StateInProgress || !ans.SavedAt.Before(e.a.DeadlineAt) {
		return ErrAttemptClosed
	}
	e.a.Answers[ans.QuestionIndex] = ans
	return nil
}

func (m *memoryStore) MarkSubmitted(_ context.Context, id string, trigger Trigger, at time.Time) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	if e.a.State != StateInProgress {
		e.mu.Unlock()
		return false, nil
	}
	e.a.State = StateSubmitted
	e.a.Trigger = trigger
	e.a.SubmittedAt = &at
	key := activeKey(e.a.UserID, e.a.CourseID)
	e.mu.Unlock()

	m.mu.Lock()
	if m.active[key] == id {
		delete(m.active, key)
	}
	m.mu.Unlock()
	return true, nil
}

func (m *memoryStore) SaveGrade(_ context.Context, id string, res Result, at time.Time) (bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.State != StateSubmitted {
		return false, nil
	}
	e.a.State = StateGraded
	e.a.GradedAt = &at
	r := res
	e.a.Result = &r
	return true, nil
}

func (m *memoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	return m.collect(limit, func(a Attempt) bool {
		return a.State == StateInProgress && !now.Before(a.DeadlineAt)
	}), nil
}

func (m *memoryStore) ListStaleSubmitted(_ context.Context, before time.Time, limit int) ([]string, error) {
	return m.collect(limit, func(a Attempt) bool {
		return a.State == StateSubmitted && a.SubmittedAt != nil && !a.SubmittedAt.After(before)
	}), nil
}

func (m *memoryStore) collect(limit int, match func(Attempt) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.attempts {
		e.mu.Lock()
		ok := match(e.a)
		e.mu.Unlock()
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func page(in []Attempt, offset, limit int) []Attempt {
	if offset < 0 {
		offset = 0
	}
	if offset > len(in) {
		return []Attempt{}
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
