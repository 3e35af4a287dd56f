package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Upsert(ctx context.Context, e Enrollment) error {
	var completedAt sql.NullInt64
	if e.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: e.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO enrollments
		(user_id, course_id, category, progress_percentage, completed, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
		  category=EXCLUDED.category,
		  progress_percentage=EXCLUDED.progress_percentage,
		  completed=(enrollments.completed OR EXCLUDED.completed),
		  completed_at=COALESCE(enrollments.completed_at, EXCLUDED.completed_at)`,
		e.UserID, e.CourseID, e.Category, e.ProgressPercentage, e.Completed, completedAt)
	return err
}

const cols = `user_id, course_id, category, progress_percentage, completed, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Enrollment, error) {
	var (
		e           Enrollment
		completedAt sql.NullInt64
	)
	if err := r.Scan(&e.UserID, &e.CourseID, &e.Category, &e.ProgressPercentage, &e.Completed, &completedAt); err != nil {
		return Enrollment{}, err
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		e.CompletedAt = &t
	}
	return e, nil
}

func (s *SQLStore) Get(ctx context.Context, userID, courseID string) (Enrollment, error) {
	e, err := scan(s.db.QueryRowContext(ctx, `SELECT `+cols+` FROM enrollments WHERE user_id=$1 AND course_id=$2`, userID, courseID))
	if errors.Is(err, sql.ErrNoRows) {
		return Enrollment{}, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM enrollments WHERE user_id=$1 ORDER BY course_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Enrollment, 0)
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkCompleted(ctx context.Context, userID, courseID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO enrollments (user_id, course_id, completed, completed_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, course_id) DO UPDATE SET
		  completed=EXCLUDED.completed,
		  completed_at=COALESCE(enrollments.completed_at, EXCLUDED.completed_at)`,
		userID, courseID, true, at.UnixMilli())
	return err
}
