package certificate

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/luvvix/certify/internal/db"
)

type Store interface {
	// Create inserts a new certificate. It returns ErrExists when the
	// (user, course) pair is taken and ErrCodeCollision when only the
	// verification code is.
	Create(ctx context.Context, c Certificate) error
	GetByUserCourse(ctx context.Context, userID, courseID string) (Certificate, error)
	GetByCode(ctx context.Context, code string) (Certificate, error)
	ListByUser(ctx context.Context, userID string) ([]Certificate, error)
	// Promote moves an existing certificate to a better attempt. The write
	// only happens when c.Percentage beats the stored value.
	Promote(ctx context.Context, c Certificate) (bool, error)
}

type memoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Certificate
	byCode map[string]string
	byPair map[string]string
}

func NewInMemoryStore() Store {
	return &memoryStore{
		byID:   map[string]Certificate{},
		byCode: map[string]string{},
		byPair: map[string]string{},
	}
}

func pair(userID, courseID string) string { return userID + "|" + courseID }

func (m *memoryStore) Create(_ context.Context, c Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPair[pair(c.UserID, c.CourseID)]; ok {
		return ErrExists
	}
	if _, ok := m.byCode[c.VerificationCode]; ok {
		return ErrCodeCollision
	}
	m.byID[c.ID] = c
	m.byCode[c.VerificationCode] = c.ID
	m.byPair[pair(c.UserID, c.CourseID)] = c.ID
	return nil
}

func (m *memoryStore) lookup(index map[string]string, k string) (Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := index[k]
	if !ok {
		return Certificate{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memoryStore) GetByUserCourse(_ context.Context, userID, courseID string) (Certificate, error) {
	return m.lookup(m.byPair, pair(userID, courseID))
}

func (m *memoryStore) GetByCode(_ context.Context, code string) (Certificate, error) {
	return m.lookup(m.byCode, code)
}

func (m *memoryStore) ListByUser(_ context.Context, userID string) ([]Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Certificate, 0)
	for _, c := range m.byID {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (m *memoryStore) Promote(_ context.Context, c Certificate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[c.ID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Percentage <= cur.Percentage {
		return false, nil
	}
	cur.AttemptID = c.AttemptID
	cur.Score, cur.MaxScore, cur.Percentage, cur.ScoreOn20 = c.Score, c.MaxScore, c.Percentage, c.ScoreOn20
	cur.Mention = c.Mention
	cur.UpdatedAt = c.UpdatedAt
	m.byID[c.ID] = cur
	return true, nil
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(h *sql.DB) *SQLStore { return &SQLStore{db: h} }

func (s *SQLStore) Create(ctx context.Context, c Certificate) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO certificates
		(id, user_id, course_id, attempt_id, score, max_score, percentage, mention,
		 issued_at, updated_at, verification_code, signed_by, signed_title)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.UserID, c.CourseID, c.AttemptID, c.Score, c.MaxScore, c.Percentage, string(c.Mention),
		c.IssuedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), c.VerificationCode, c.SignedBy, c.SignedTitle)
	if !db.IsUniqueViolation(err) {
		return err
	}
	// tell the two unique keys apart
	if _, gerr := s.GetByUserCourse(ctx, c.UserID, c.CourseID); gerr == nil {
		return ErrExists
	} else if !errors.Is(gerr, ErrNotFound) {
		return gerr
	}
	return ErrCodeCollision
}

const certCols = `id, user_id, course_id, attempt_id, score, max_score, percentage, mention,
	issued_at, updated_at, verification_code, signed_by, signed_title`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCert(r rowScanner) (Certificate, error) {
	var (
		c                 Certificate
		mention           string
		issued, updatedAt int64
	)
	err := r.Scan(&c.ID, &c.UserID, &c.CourseID, &c.AttemptID, &c.Score, &c.MaxScore, &c.Percentage, &mention,
		&issued, &updatedAt, &c.VerificationCode, &c.SignedBy, &c.SignedTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return Certificate{}, ErrNotFound
	}
	if err != nil {
		return Certificate{}, err
	}
	c.Mention = Mention(mention)
	c.ScoreOn20 = ScoreOn20(c.Percentage)
	c.IssuedAt = time.UnixMilli(issued).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return c, nil
}

func (s *SQLStore) GetByUserCourse(ctx context.Context, userID, courseID string) (Certificate, error) {
	return scanCert(s.db.QueryRowContext(ctx,
		`SELECT `+certCols+` FROM certificates WHERE user_id=$1 AND course_id=$2`, userID, courseID))
}

func (s *SQLStore) GetByCode(ctx context.Context, code string) (Certificate, error) {
	return scanCert(s.db.QueryRowContext(ctx,
		`SELECT `+certCols+` FROM certificates WHERE verification_code=$1`, code))
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+certCols+` FROM certificates WHERE user_id=$1 ORDER BY issued_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Certificate, 0)
	for rows.Next() {
		c, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Promote(ctx context.Context, c Certificate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE certificates SET
		attempt_id=$2, score=$3, max_score=$4, percentage=$5, mention=$6, updated_at=$7
		WHERE id=$1 AND percentage < $5`,
		c.ID, c.AttemptID, c.Score, c.MaxScore, c.Percentage, string(c.Mention), c.UpdatedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
