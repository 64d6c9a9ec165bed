package mtask

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed db/init.sql
var initSQL string

const uniqueViolation = "23505"

// PGStore keeps users, tasks and notifications in PostgreSQL. The embedded
// task sequences live in JSONB columns so a task is still written as one row.
type PGStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func pgDSN(user, password, address, name string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", user, password, address, name)
}

// NewPGStore connects, pings and applies the schema. initPath overrides the
// embedded schema when set.
func NewPGStore(ctx context.Context, dsn, initPath string, log zerolog.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping the db: %w", err)
	}

	schema := initSQL
	if initPath != "" {
		b, err := os.ReadFile(initPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to open and read the init sql file: %w", err)
		}
		schema = string(b)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to execute init sql: %w", err)
	}

	log.Info().Msg("postgres store ready")
	return &PGStore{pool: pool, log: log}, nil
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PGStore) Close()                         { s.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const taskColumns = `taskid, title, description, due_date, priority, status, tags, created_by,
	collaborators, comments, activity_log, reminder_sent, version, created_at, updated_at`

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                                    Task
		tags, collabs, comments, activityLog []byte
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.DueDate, &t.Priority, &t.Status, &tags,
		&t.CreatedBy, &collabs, &comments, &activityLog, &t.ReminderSent, &t.Version,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{tags, &t.Tags},
		{collabs, &t.Collaborators},
		{comments, &t.Comments},
		{activityLog, &t.ActivityLog},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func (s *PGStore) FindTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE taskid = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDocument
	}
	return t, err
}

// taskWhere renders the WHERE clause for f. Placeholders start at $1.
func taskWhere(f TaskFilter) (string, []any) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	i := 1

	if f.MemberID != "" {
		where = append(where, fmt.Sprintf(
			"(created_by = $%d OR collaborators @> jsonb_build_array(jsonb_build_object('userId', $%d::text)))", i, i))
		args = append(args, f.MemberID)
		i++
	}
	if f.EmailPending {
		cond := "c->>'emailStatus' IN ('pending', 'failed')"
		if f.MaxEmailAttempts > 0 {
			cond += fmt.Sprintf(" AND COALESCE((c->>'emailAttempts')::int, 0) < $%d", i)
			args = append(args, f.MaxEmailAttempts)
			i++
		}
		where = append(where, "EXISTS (SELECT 1 FROM jsonb_array_elements(collaborators) c WHERE "+cond+")")
	}
	if !f.DueBefore.IsZero() {
		where = append(where, fmt.Sprintf("status <> 'Completed' AND NOT reminder_sent AND due_date < $%d", i))
		args = append(args, f.DueBefore)
		i++
		if !f.DueAfter.IsZero() {
			where = append(where, fmt.Sprintf("due_date >= $%d", i))
			args = append(args, f.DueAfter)
		}
	}

	if len(where) == 0 {
		return "TRUE", args
	}
	return strings.Join(where, " AND "), args
}

func (s *PGStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int64, error) {
	where, args := taskWhere(f)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = maxPageSize
	}
	n := len(args)
	q := fmt.Sprintf(`
		SELECT %s
		FROM tasks
		WHERE %s
		ORDER BY created_at DESC, taskid DESC
		OFFSET $%d LIMIT $%d
	`, taskColumns, where, n+1, n+2)
	args = append(args, max(f.Skip, 0), limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *PGStore) SaveTask(ctx context.Context, t *Task) error {
	tags, err := jsonArg(t.Tags)
	if err != nil {
		return err
	}
	collabs, err := jsonArg(t.Collaborators)
	if err != nil {
		return err
	}
	comments, err := jsonArg(t.Comments)
	if err != nil {
		return err
	}
	activity, err := jsonArg(t.ActivityLog)
	if err != nil {
		return err
	}

	if t.Version == 0 {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO tasks (taskid, title, description, due_date, priority, status, tags, created_by,
			                   collaborators, comments, activity_log, reminder_sent, version, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9::jsonb,$10::jsonb,$11::jsonb,$12,1,$13,$14)
		`, t.ID, t.Title, t.Description, t.DueDate, t.Priority, t.Status, tags, t.CreatedBy,
			collabs, comments, activity, t.ReminderSent, t.CreatedAt, t.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		t.Version = 1
		return nil
	}

	ct, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET title = $2, description = $3, due_date = $4, priority = $5, status = $6, tags = $7::jsonb,
		    collaborators = $8::jsonb, comments = $9::jsonb, activity_log = $10::jsonb,
		    reminder_sent = $11, updated_at = $12, version = version + 1
		WHERE taskid = $1 AND version = $13
	`, t.ID, t.Title, t.Description, t.DueDate, t.Priority, t.Status, tags,
		collabs, comments, activity, t.ReminderSent, t.UpdatedAt, t.Version)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

func (s *PGStore) DeleteTask(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE taskid = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNoDocument
	}
	return nil
}

const userColumns = `userid, username, email, password_hash, email_notifications, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Preferences.EmailNotifications, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) findUser(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDocument
	}
	return u, err
}

func (s *PGStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, "userid = $1", id)
}

func (s *PGStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, "username = $1", username)
}

func (s *PGStore) FindUsersByIDs(ctx context.Context, ids []string) (map[string]*User, error) {
	out := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE userid = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// escapeLike makes a user-supplied fragment literal inside ILIKE.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *PGStore) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username ILIKE '%' || $1 || '%' AND userid <> $2
		ORDER BY username ASC
		LIMIT $3
	`, escapeLike(query), excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (userid, username, email, password_hash, email_notifications, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (userid) DO UPDATE
		SET username = EXCLUDED.username,
		    email = EXCLUDED.email,
		    password_hash = EXCLUDED.password_hash,
		    email_notifications = EXCLUDED.email_notifications
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Preferences.EmailNotifications, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (notificationid, userid, taskid, type, message, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, n.ID, n.UserID, n.TaskID, n.Type, n.Message, n.IsRead, n.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT notificationid, userid, taskid, type, message, is_read, created_at
		FROM notifications
		WHERE userid = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Type, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE notificationid = $1 AND userid = $2`, id, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNoDocument
	}
	return nil
}
