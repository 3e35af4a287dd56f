package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luvvix/certify/internal/db"
)

type SQLStore struct {
	db     *sql.DB
	driver db.Driver
}

func NewSQLStore(h *sql.DB, driver db.Driver) *SQLStore {
	return &SQLStore{db: h, driver: driver}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func (s *SQLStore) PutAssessment(ctx context.Context, as Assessment) error {
	qj, err := json.Marshal(as.Questions)
	if err != nil {
		return err
	}
	created := as.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO assessments
		(id, course_id, title, description, time_limit_minutes, passing_score_percent, questions_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (course_id) DO UPDATE SET
		  id=EXCLUDED.id, title=EXCLUDED.title, description=EXCLUDED.description,
		  time_limit_minutes=EXCLUDED.time_limit_minutes, passing_score_percent=EXCLUDED.passing_score_percent,
		  questions_json=EXCLUDED.questions_json, created_at=EXCLUDED.created_at`,
		as.ID, as.CourseID, as.Title, as.Description, as.TimeLimitMinutes, as.PassingScorePercent, string(qj), ms(created))
	if db.IsUniqueViolation(err) {
		return errAssessmentIDTaken
	}
	return err
}

const assessmentCols = `id, course_id, title, description, time_limit_minutes, passing_score_percent, questions_json, created_at`

func scanAssessment(row *sql.Row) (Assessment, error) {
	var (
		as      Assessment
		qjson   string
		created int64
	)
	if err := row.Scan(&as.ID, &as.CourseID, &as.Title, &as.Description, &as.TimeLimitMinutes, &as.PassingScorePercent, &qjson, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assessment{}, ErrNotFound
		}
		return Assessment{}, err
	}
	if err := json.Unmarshal([]byte(qjson), &as.Questions); err != nil {
		return Assessment{}, fmt.Errorf("decode questions: %w", err)
	}
	as.CreatedAt = fromMS(created)
	return as, nil
}

func (s *SQLStore) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	return scanAssessment(s.db.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE id=$1`, id))
}

func (s *SQLStore) GetAssessmentByCourse(ctx context.Context, courseID string) (Assessment, error) {
	return scanAssessment(s.db.QueryRowContext(ctx, `SELECT `+assessmentCols+` FROM assessments WHERE course_id=$1`, courseID))
}

func (s *SQLStore) CreateAttempt(ctx context.Context, a Attempt) error {
	qj, err := json.Marshal(a.Questions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO attempts
		(id, user_id, assessment_id, course_id, title, state, questions_json, time_limit_minutes, passing_score_percent, started_at, deadline_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.UserID, a.AssessmentID, a.CourseID, a.Title, string(StateInProgress), string(qj),
		a.TimeLimitMinutes, a.PassingScorePercent, ms(a.StartedAt), ms(a.DeadlineAt))
	if db.IsUniqueViolation(err) {
		return errActiveAttempt
	}
	return err
}

const attemptCols = `id, user_id, assessment_id, course_id, title, state, trigger_kind, questions_json,
	time_limit_minutes, passing_score_percent, started_at, deadline_at, submitted_at, graded_at, result_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (Attempt, error) {
	var (
		a                 Attempt
		state, trigger    string
		qjson             string
		started, deadline int64
		submitted, graded sql.NullInt64
		resultJSON        sql.NullString
	)
	if err := r.Scan(&a.ID, &a.UserID, &a.AssessmentID, &a.CourseID, &a.Title, &state, &trigger, &qjson,
		&a.TimeLimitMinutes, &a.PassingScorePercent, &started, &deadline, &submitted, &graded, &resultJSON); err != nil {
		return Attempt{}, err
	}
	a.State = State(state)
	a.Trigger = Trigger(trigger)
	a.StartedAt = fromMS(started)
	a.DeadlineAt = fromMS(deadline)
	a.SubmittedAt = nullTime(submitted)
	a.GradedAt = nullTime(graded)
	if err := json.Unmarshal([]byte(qjson), &a.Questions); err != nil {
		return Attempt{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return Attempt{}, fmt.Errorf("decode result: %w", err)
		}
		a.Result = &res
	}
	a.Answers = map[int]AttemptAnswer{}
	return a, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, err
	}
	if err := s.loadAnswers(ctx, &a); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func (s *SQLStore) loadAnswers(ctx context.Context, a *Attempt) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_index, kind, option_index, text_value, saved_at FROM attempt_answers WHERE attempt_id=$1`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			idx   int
			kind  string
			opt   sql.NullInt64
			txt   sql.NullString
			saved int64
		)
		if err := rows.Scan(&idx, &kind, &opt, &txt, &saved); err != nil {
			return err
		}
		var optPtr *int
		var txtPtr *string
		if opt.Valid {
			v := int(opt.Int64)
			optPtr = &v
		}
		if txt.Valid {
			v := txt.String
			txtPtr = &v
		}
		ans, err := DecodeAnswer(QuestionType(kind), optPtr, txtPtr)
		if err != nil {
			return fmt.Errorf("decode answer %d: %w", idx, err)
		}
		a.Answers[idx] = AttemptAnswer{QuestionIndex: idx, Answer: ans, SavedAt: fromMS(saved)}
	}
	return rows.Err()
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.UserID != "" {
		add("user_id=$%d", opts.UserID)
	}
	if opts.CourseID != "" {
		add("course_id=$%d", opts.CourseID)
	}
	if opts.State != "" {
		add("state=$%d", string(opts.State))
	}
	q := `SELECT ` + attemptCols + ` FROM attempts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	q += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if err := s.loadAnswers(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func answerColumns(ans Answer) (kind string, opt sql.NullInt64, txt sql.NullString) {
	switch v := ans.(type) {
	case ChoiceAnswer:
		return string(SingleChoice), sql.NullInt64{Int64: int64(v.Option), Valid: true}, sql.NullString{}
	case TextAnswer:
		return string(OpenResponse), sql.NullInt64{}, sql.NullString{String: v.Text, Valid: true}
	}
	return "", sql.NullInt64{}, sql.NullString{}
}

const upsertAnswerSQL = `INSERT INTO attempt_answers (attempt_id, question_index, kind, option_index, text_value, saved_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (attempt_id, question_index) DO UPDATE SET
	  kind=EXCLUDED.kind, option_index=EXCLUDED.option_index, text_value=EXCLUDED.text_value, saved_at=EXCLUDED.saved_at`

// UpsertAnswer writes one answer cell. On postgres the attempt row is share
// locked so a concurrent submit waits for the write; sqlite serializes
// writers and gets the same effect from a single guarded statement.
func (s *SQLStore) UpsertAnswer(ctx context.Context, attemptID string, ans AttemptAnswer) error {
	kind, opt, txt := answerColumns(ans.Answer)
	if kind == "" {
		return &ValidationError{Field: "answer", Msg: "required"}
	}
	if s.driver == db.DriverPostgres {
		return s.upsertAnswerLocked(ctx, attemptID, ans, kind, opt, txt)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO attempt_answers (attempt_id, question_index, kind, option_index, text_value, saved_at)
		SELECT $1,$2,$3,$4,$5,$6 WHERE EXISTS (
		  SELECT 1 FROM attempts WHERE id=$1 AND state='in_progress' AND deadline_at > $6)
		ON CONFLICT (attempt_id, question_index) DO UPDATE SET
		  kind=excluded.kind, option_index=excluded.option_index, text_value=excluded.text_value, saved_at=excluded.saved_at`,
		attemptID, ans.QuestionIndex, kind, opt, txt, ms(ans.SavedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.closedOrMissing(ctx, attemptID)
	}
	return nil
}

func (s *SQLStore) upsertAnswerLocked(ctx context.Context, attemptID string, ans AttemptAnswer, kind string, opt sql.NullInt64, txt sql.NullString) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		state    string
		deadline int64
	)
	err = tx.QueryRowContext(ctx, `SELECT state, deadline_at FROM attempts WHERE id=$1 FOR SHARE`, attemptID).Scan(&state, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if State(state) != StateInProgress || ms(ans.SavedAt) >= deadline {
		return ErrAttemptClosed
	}
	if _, err := tx.ExecContext(ctx, upsertAnswerSQL, attemptID, ans.QuestionIndex, kind, opt, txt, ms(ans.SavedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) closedOrMissing(ctx context.Context, attemptID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM attempts WHERE id=$1`, attemptID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAttemptClosed
}

func (s *SQLStore) MarkSubmitted(ctx context.Context, id string, trigger Trigger, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET state='submitted', trigger_kind=$2, submitted_at=$3 WHERE id=$1 AND state='in_progress'`,
		id, string(trigger), ms(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.existsOrNotFound(ctx, id)
	}
	return true, nil
}

func (s *SQLStore) SaveGrade(ctx context.Context, id string, r Result, at time.Time) (bool, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET state='graded', result_json=$2, graded_at=$3 WHERE id=$1 AND state='submitted'`,
		id, string(buf), ms(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.existsOrNotFound(ctx, id)
	}
	return true, nil
}

func (s *SQLStore) existsOrNotFound(ctx context.Context, id string) error {
	err := s.closedOrMissing(ctx, id)
	if errors.Is(err, ErrAttemptClosed) {
		return nil
	}
	return err
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM attempts WHERE state='in_progress' AND deadline_at <= $1 ORDER BY deadline_at LIMIT $2`, ms(now), limit)
}

func (s *SQLStore) ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM attempts WHERE state='submitted' AND submitted_at <= $1 ORDER BY submitted_at LIMIT $2`, ms(before), limit)
}

func (s *SQLStore) ids(ctx context.Context, q string, at int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, q, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
