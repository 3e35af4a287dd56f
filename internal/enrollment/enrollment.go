package enrollment

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("enrollment not found")

// Enrollment is owned by the course catalog. This service only reads it
// and flips Completed once a certificate is issued.
type Enrollment struct {
	UserID             string     `json:"user_id" validate:"notblank"`
	CourseID           string     `json:"course_id" validate:"notblank"`
	Category           string     `json:"category"`
	ProgressPercentage float64    `json:"progress_percentage" validate:"min=0,max=100"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

type Store interface {
	Upsert(ctx context.Context, e Enrollment) error
	Get(ctx context.Context, userID, courseID string) (Enrollment, error)
	ListByUser(ctx context.Context, userID string) ([]Enrollment, error)
	// MarkCompleted sets completed=true, creating the row when the catalog
	// has not synced it yet. An earlier completion time is kept.
	MarkCompleted(ctx context.Context, userID, courseID string, at time.Time) error
}

type memoryStore struct {
	mu   sync.RWMutex
	rows map[string]Enrollment
}

func NewInMemoryStore() Store {
	return &memoryStore{rows: map[string]Enrollment{}}
}

func key(userID, courseID string) string { return userID + "|" + courseID }

func (m *memoryStore) Upsert(_ context.Context, e Enrollment) error {
	if strings.TrimSpace(e.UserID) == "" || strings.TrimSpace(e.CourseID) == "" {
		return errors.New("enrollment needs user and course")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rows[key(e.UserID, e.CourseID)]; ok && prev.Completed && !e.Completed {
		// completion is sticky
		e.Completed, e.CompletedAt = true, prev.CompletedAt
	}
	m.rows[key(e.UserID, e.CourseID)] = e
	return nil
}

func (m *memoryStore) Get(_ context.Context, userID, courseID string) (Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rows[key(userID, courseID)]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (m *memoryStore) ListByUser(_ context.Context, userID string) ([]Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Enrollment, 0)
	for _, e := range m.rows {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (m *memoryStore) MarkCompleted(_ context.Context, userID, courseID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, courseID)
	e, ok := m.rows[k]
	if !ok {
		e = Enrollment{UserID: userID, CourseID: courseID}
	}
	if !e.Completed {
		e.Completed = true
		t := at
		e.CompletedAt = &t
	}
	m.rows[k] = e
	return nil
}
