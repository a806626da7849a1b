package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		container_id TEXT,
		status TEXT NOT NULL,
		last_active_at INTEGER NOT NULL,
		idle_deadline INTEGER NOT NULL,
		provision_request_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(last_active_at) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		balance_after_cents INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance_cents INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		kind TEXT NOT NULL,
		at_ts INTEGER,
		every_ns INTEGER,
		cron_expr TEXT,
		description TEXT,
		status TEXT NOT NULL,
		next_fire_at INTEGER NOT NULL,
		last_fired_at INTEGER,
		fail_count INTEGER NOT NULL DEFAULT 0,
		conversation_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(next_fire_at, id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Timestamps are stored as Unix nanoseconds so that activity ordering and
// due-reminder tie-breaks survive the round trip at full precision.

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, timezone, active, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &user.Timezone, &user.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = fromNano(createdAt)
	user.UpdatedAt = fromNano(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user profile.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, timezone, active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		timezone = excluded.timezone,
		active = excluded.active,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.Timezone, user.Active,
		toNano(user.CreatedAt), toNano(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var sess domain.Session
	var containerID, provisionReqID sql.NullString
	var lastActive, idleDeadline, createdAt, updatedAt int64

	err := scan(
		&sess.UserID, &containerID, &sess.Status,
		&lastActive, &idleDeadline, &provisionReqID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.ContainerID = containerID.String
	sess.ProvisionRequestID = provisionReqID.String
	sess.LastActiveAt = fromNano(lastActive)
	sess.IdleDeadline = fromNano(idleDeadline)
	sess.CreatedAt = fromNano(createdAt)
	sess.UpdatedAt = fromNano(updatedAt)
	return &sess, nil
}

const sessionColumns = `user_id, container_id, status, last_active_at, idle_deadline, provision_request_id, created_at, updated_at`

// GetSession retrieves the session row for a user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)

	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// UpsertSession creates or replaces the session row for a user.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (user_id, container_id, status, last_active_at, idle_deadline, provision_request_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		container_id = excluded.container_id,
		status = excluded.status,
		last_active_at = excluded.last_active_at,
		idle_deadline = excluded.idle_deadline,
		provision_request_id = excluded.provision_request_id,
		updated_at = excluded.updated_at`

	var containerID, provisionReqID any
	if sess.ContainerID != "" {
		containerID = sess.ContainerID
	}
	if sess.ProvisionRequestID != "" {
		provisionReqID = sess.ProvisionRequestID
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.UserID, containerID, sess.Status,
		toNano(sess.LastActiveAt), toNano(sess.IdleDeadline), provisionReqID,
		toNano(sess.CreatedAt), toNano(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TransitionSession moves a session from one status to another with an
// optimistic guard on the expected current status.
func (s *SQLiteStore) TransitionSession(ctx context.Context, userID string, from, to domain.SessionStatus, containerID string) error {
	query := `UPDATE sessions SET status = ?, container_id = ?, updated_at = ? WHERE user_id = ? AND status = ?`

	var cid any
	if containerID != "" {
		cid = containerID
	}

	result, err := s.db.ExecContext(ctx, query, to, cid, time.Now().UnixNano(), userID, from)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TransitionSession affected 0 rows", "user_id", userID, "from", from, "to", to)
		return fmt.Errorf("transition %s -> %s for %s: %w", from, to, userID, domain.ErrConflict)
	}
	return nil
}

// UpdateLastActive bumps last_active_at and the idle deadline for a running
// session. The guard keeps last_active_at monotonically non-decreasing.
func (s *SQLiteStore) UpdateLastActive(ctx context.Context, userID string, activeAt, deadline time.Time) error {
	query := `
		UPDATE sessions SET last_active_at = ?, idle_deadline = ?, updated_at = ?
		WHERE user_id = ? AND status = ? AND last_active_at <= ?`

	result, err := s.db.ExecContext(ctx, query,
		toNano(activeAt), toNano(deadline), time.Now().UnixNano(),
		userID, domain.StatusRunning, toNano(activeAt),
	)
	if err != nil {
		return fmt.Errorf("update last_active: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("UpdateLastActive affected 0 rows", "user_id", userID)
	}
	return nil
}

// MarkSleeping transitions a running session to sleeping only if no
// activity was recorded after the cutoff. The deadline is evaluated
// against the live last_active_at column, never a stale read.
func (s *SQLiteStore) MarkSleeping(ctx context.Context, userID string, cutoff time.Time) error {
	query := `
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = ? AND last_active_at <= ?`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusSleeping, time.Now().UnixNano(),
		userID, domain.StatusRunning, toNano(cutoff),
	)
	if err != nil {
		return fmt.Errorf("mark sleeping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sleep %s: %w", userID, domain.ErrConflict)
	}
	return nil
}

// IdleSessions returns running sessions with no activity since the cutoff.
func (s *SQLiteStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ? AND last_active_at <= ?`

	rows, err := s.db.QueryContext(ctx, query, domain.StatusRunning, toNano(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// ApplyLedgerEntry atomically inserts a ledger entry and updates the
// running balance. Duplicate idempotency keys return the stored entry.
// Concurrent entries for the same user must be serialized by the caller;
// the ledger service holds a per-user mutex around this call.
func (s *SQLiteStore) ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Duplicate call with the same key is a no-op returning the prior result.
	existing, err := s.ledgerEntryByKey(ctx, tx, entry.UserID, entry.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var balance int64
	row := tx.QueryRowContext(ctx, `SELECT balance_cents FROM balances WHERE user_id = ?`, entry.UserID)
	if err := row.Scan(&balance); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		balance = 0
	}

	newBalance := balance + entry.AmountCents
	if newBalance < 0 {
		return nil, fmt.Errorf("debit %d cents from balance %d for %s: %w",
			-entry.AmountCents, balance, entry.UserID, domain.ErrInsufficientCredit)
	}

	applied := *entry
	applied.BalanceAfterCents = newBalance
	if applied.CreatedAt.IsZero() {
		applied.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount_cents, reason, idempotency_key, balance_after_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		applied.ID, applied.UserID, applied.AmountCents, applied.Reason,
		applied.IdempotencyKey, applied.BalanceAfterCents, toNano(applied.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance_cents, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance_cents = excluded.balance_cents,
			updated_at = excluded.updated_at`,
		applied.UserID, newBalance, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return &applied, nil
}

func (s *SQLiteStore) ledgerEntryByKey(ctx context.Context, tx *sql.Tx, userID, key string) (*domain.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount_cents, reason, idempotency_key, balance_after_cents, created_at
		FROM ledger_entries WHERE user_id = ? AND idempotency_key = ?`, userID, key)

	entry, err := scanLedgerEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry by key: %w", err)
	}
	return entry, nil
}

func scanLedgerEntry(scan func(dest ...any) error) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var createdAt int64

	err := scan(
		&entry.ID, &entry.UserID, &entry.AmountCents, &entry.Reason,
		&entry.IdempotencyKey, &entry.BalanceAfterCents, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	entry.CreatedAt = fromNano(createdAt)
	return &entry, nil
}

// GetBalance returns the running balance for a user in cents.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	row := s.db.QueryRowContext(ctx, `SELECT balance_cents FROM balances WHERE user_id = ?`, userID)
	if err := row.Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// SumLedger recomputes the balance by replaying all entries for a user.
func (s *SQLiteStore) SumLedger(ctx context.Context, userID string) (int64, error) {
	var sum sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount_cents) FROM ledger_entries WHERE user_id = ?`, userID)
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum.Int64, nil
}

// LedgerEntries returns the most recent entries for a user, newest first.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, userID string, limit int) ([]*domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount_cents, reason, idempotency_key, balance_after_cents, created_at
		FROM ledger_entries WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close ledger rows", "error", closeErr)
		}
	}()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry row: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

const reminderColumns = `id, user_id, payload, kind, at_ts, every_ns, cron_expr, description, status, next_fire_at, last_fired_at, fail_count, conversation_id, created_at, updated_at`

func scanReminder(scan func(dest ...any) error) (*domain.Reminder, error) {
	var rem domain.Reminder
	var atTS, lastFired sql.NullInt64
	var everyNS sql.NullInt64
	var cronExpr, description, conversationID sql.NullString
	var nextFire, createdAt, updatedAt int64

	err := scan(
		&rem.ID, &rem.UserID, &rem.Payload, &rem.Schedule.Kind,
		&atTS, &everyNS, &cronExpr, &description,
		&rem.Status, &nextFire, &lastFired, &rem.FailCount,
		&conversationID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if atTS.Valid {
		rem.Schedule.At = fromNano(atTS.Int64)
	}
	if everyNS.Valid {
		rem.Schedule.Every = time.Duration(everyNS.Int64)
	}
	rem.Schedule.CronExpr = cronExpr.String
	rem.Schedule.Description = description.String
	rem.NextFireAt = fromNano(nextFire)
	if lastFired.Valid {
		t := fromNano(lastFired.Int64)
		rem.LastFiredAt = &t
	}
	rem.ConversationID = conversationID.String
	rem.CreatedAt = fromNano(createdAt)
	rem.UpdatedAt = fromNano(updatedAt)
	return &rem, nil
}

// UpsertReminder creates or updates a reminder by ID.
func (s *SQLiteStore) UpsertReminder(ctx context.Context, rem *domain.Reminder) error {
	query := `
	INSERT INTO reminders (` + reminderColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		kind = excluded.kind,
		at_ts = excluded.at_ts,
		every_ns = excluded.every_ns,
		cron_expr = excluded.cron_expr,
		description = excluded.description,
		status = excluded.status,
		next_fire_at = excluded.next_fire_at,
		last_fired_at = excluded.last_fired_at,
		fail_count = excluded.fail_count,
		conversation_id = excluded.conversation_id,
		updated_at = excluded.updated_at`

	var atTS, everyNS, lastFired any
	if !rem.Schedule.At.IsZero() {
		atTS = toNano(rem.Schedule.At)
	}
	if rem.Schedule.Every > 0 {
		everyNS = int64(rem.Schedule.Every)
	}
	if rem.LastFiredAt != nil {
		lastFired = toNano(*rem.LastFiredAt)
	}

	var cronExpr, description, conversationID any
	if rem.Schedule.CronExpr != "" {
		cronExpr = rem.Schedule.CronExpr
	}
	if rem.Schedule.Description != "" {
		description = rem.Schedule.Description
	}
	if rem.ConversationID != "" {
		conversationID = rem.ConversationID
	}

	_, err := s.db.ExecContext(ctx, query,
		rem.ID, rem.UserID, rem.Payload, rem.Schedule.Kind,
		atTS, everyNS, cronExpr, description,
		rem.Status, toNano(rem.NextFireAt), lastFired, rem.FailCount,
		conversationID, toNano(rem.CreatedAt), toNano(rem.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert reminder: %w", err)
	}
	return nil
}

// GetReminder retrieves a reminder by ID.
func (s *SQLiteStore) GetReminder(ctx context.Context, id string) (*domain.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)

	rem, err := scanReminder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder row: %w", err)
	}
	return rem, nil
}

// ListReminders returns all reminders for a user, newest first.
func (s *SQLiteStore) ListReminders(ctx context.Context, userID string) ([]*domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close reminder rows", "error", closeErr)
		}
	}()

	var reminders []*domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		reminders = append(reminders, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return reminders, nil
}

// DeleteReminder removes a reminder by ID.
func (s *SQLiteStore) DeleteReminder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}

// DueReminders returns active reminders due before the given time in fire
// order: ascending next_fire_at, stable tie-break by ID.
func (s *SQLiteStore) DueReminders(ctx context.Context, before time.Time) ([]*domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = ? AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC, id ASC`,
		domain.ReminderActive, toNano(before))
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close due reminder rows", "error", closeErr)
		}
	}()

	var due []*domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due reminder row: %w", err)
		}
		due = append(due, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due reminders: %w", err)
	}
	return due, nil
}
