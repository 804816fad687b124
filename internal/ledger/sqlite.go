package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "rolemail/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also serializes recorder writes against dispatch reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- transitions ----

func (s *sqliteStore) RecordTransition(ctx context.Context, userID int64, oldRole, newRole string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transitions WHERE user_id = ?`, userID); err != nil {
		return err
	}
	// The role changed again: recurring events become eligible again.
	// One-time markers stay forever.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processed_events WHERE user_id = ? AND one_time = 0`, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions(user_id, old_role, new_role, change_timestamp) VALUES(?,?,?,?)`,
		userID, oldRole, newRole, at.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Transition(ctx context.Context, userID int64) (Transition, bool, error) {
	if s == nil || s.db == nil {
		return Transition{}, false, ErrClosed
	}
	var (
		t  Transition
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, old_role, new_role, change_timestamp FROM transitions WHERE user_id = ?`,
		userID).Scan(&t.UserID, &t.OldRole, &t.NewRole, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Transition{}, false, nil
	}
	if err != nil {
		return Transition{}, false, err
	}
	t.ChangedAt = time.Unix(ts, 0)
	return t, true, nil
}

// ---- due computation ----

func (s *sqliteStore) DueUsers(ctx context.Context, oldRole, newRole, event string, cutoff time.Time) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.user_id FROM transitions AS t
		 WHERE t.old_role = ? AND t.new_role = ? AND t.change_timestamp <= ?
		   AND NOT EXISTS (
			   SELECT 1 FROM processed_events AS p
			   WHERE p.user_id = t.user_id AND p.event = ?
		   )
		 ORDER BY t.user_id`,
		oldRole, newRole, cutoff.Unix(), event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- processed markers ----

// markChunk bounds bind variables per statement; sqlite caps them well above
// this, chunking just keeps huge due batches from ever hitting the limit.
const markChunk = 500

func (s *sqliteStore) MarkProcessed(ctx context.Context, event string, userIDs []int64, oneTime bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ot := 0
	if oneTime {
		ot = 1
	}
	for start := 0; start < len(userIDs); start += markChunk {
		chunk := userIDs[start:min(start+markChunk, len(userIDs))]

		// Delete-then-insert keeps the one_time flag in sync with the
		// current event definition even when a marker already exists.
		ph := placeholders(len(chunk))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, event)
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM processed_events WHERE event = ? AND user_id IN (`+ph+`)`, args...); err != nil {
			return err
		}

		var (
			sb  strings.Builder
			ins []any
			sep string
		)
		sb.WriteString(`INSERT INTO processed_events(user_id, event, one_time) VALUES `)
		for _, id := range chunk {
			sb.WriteString(sep)
			sb.WriteString("(?,?,?)")
			sep = ","
			ins = append(ins, id, event, ot)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), ins...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) IsProcessed(ctx context.Context, userID int64, event string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE user_id = ? AND event = ?`, userID, event).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- tokens ----

func (s *sqliteStore) TokenFor(ctx context.Context, userID int64) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	candidate, err := newToken()
	if err != nil {
		return "", err
	}
	// First writer wins; later calls observe the stored token.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO nonces(user_id, token) VALUES(?,?) ON CONFLICT(user_id) DO NOTHING`,
		userID, candidate); err != nil {
		return "", err
	}
	var token string
	if err := s.db.QueryRowContext(ctx,
		`SELECT token FROM nonces WHERE user_id = ?`, userID).Scan(&token); err != nil {
		return "", err
	}
	return token, nil
}

func (s *sqliteStore) UserByToken(ctx context.Context, token string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrClosed
	}
	if strings.TrimSpace(token) == "" {
		return 0, false, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM nonces WHERE token = ?`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ---- user directory ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, email, display_name, login, role) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
			 email = excluded.email,
			 display_name = excluded.display_name,
			 login = excluded.login,
			 role = excluded.role`,
		u.ID, u.Email, u.DisplayName, u.Login, u.Role)
	return err
}

func (s *sqliteStore) UserInfo(ctx context.Context, userID int64) (User, bool, error) {
	if s == nil || s.db == nil {
		return User{}, false, ErrClosed
	}
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, display_name, login, role FROM users WHERE user_id = ?`,
		userID).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Login, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, user_id, category, message, run_id) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.UserID, e.Category, e.Message, nullStr(e.RunID))
	return err
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(name, holder, expires_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// ---- helpers ----

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
