// Package sqlite provides a SQLite-backed duel storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/duelground/duelground/internal/platform/storage/sqlitemigrate"
	"github.com/duelground/duelground/internal/services/duel/domain"
	"github.com/duelground/duelground/internal/services/duel/storage"
	"github.com/duelground/duelground/internal/services/duel/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists duel coordination state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Open opens a SQLite duel store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutInvite inserts a new pending invite.
func (s *Store) PutInvite(ctx context.Context, invite domain.Invite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(invite.ID) == "" {
		return fmt.Errorf("invite id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO invites (id, from_user_id, to_user_id, status, created_at, updated_at, response_deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		invite.ID,
		invite.FromUserID,
		invite.ToUserID,
		domain.InviteStatusLabel(invite.Status),
		toMillis(invite.CreatedAt),
		toMillis(invite.UpdatedAt),
		toMillis(invite.ResponseDeadline),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrPendingInviteExists
		}
		return fmt.Errorf("put invite: %w", err)
	}
	return nil
}

// GetInvite returns one invite by ID.
func (s *Store) GetInvite(ctx context.Context, inviteID string) (domain.Invite, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invite{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Invite{}, fmt.Errorf("storage is not configured")
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return domain.Invite{}, fmt.Errorf("invite id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, from_user_id, to_user_id, status, created_at, updated_at, response_deadline
		 FROM invites
		 WHERE id = ?`,
		inviteID,
	)
	invite, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invite{}, storage.ErrNotFound
		}
		return domain.Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return invite, nil
}

// TransitionInvite moves an invite between statuses with a guarded write.
func (s *Store) TransitionInvite(ctx context.Context, inviteID string, from, to domain.InviteStatus, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return fmt.Errorf("invite id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE invites
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InviteStatusLabel(to),
		toMillis(updatedAt),
		inviteID,
		domain.InviteStatusLabel(from),
	)
	if err != nil {
		return fmt.Errorf("transition invite: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition invite: %w", err)
	}
	if affected == 0 {
		return s.inviteMissReason(ctx, inviteID)
	}
	return nil
}

// inviteMissReason distinguishes a missing invite from a lost race after a
// guarded update matched zero rows.
func (s *Store) inviteMissReason(ctx context.Context, inviteID string) error {
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM invites WHERE id = ?`, inviteID)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("transition invite: %w", err)
	}
	return storage.ErrStaleTransition
}

// SupersedePendingInvite retires any pending invite for the replacement's
// ordered pair and inserts the replacement in one transaction.
func (s *Store) SupersedePendingInvite(ctx context.Context, replacement domain.Invite) (*domain.Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(replacement.ID) == "" {
		return nil, fmt.Errorf("invite id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("supersede invite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, from_user_id, to_user_id, status, created_at, updated_at, response_deadline
		 FROM invites
		 WHERE from_user_id = ? AND to_user_id = ? AND status = 'PENDING'`,
		replacement.FromUserID,
		replacement.ToUserID,
	)
	var superseded *domain.Invite
	previous, err := scanInvite(row)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE invites
			 SET status = ?, updated_at = ?
			 WHERE id = ? AND status = 'PENDING'`,
			domain.InviteStatusLabel(domain.InviteStatusSuperseded),
			toMillis(replacement.CreatedAt),
			previous.ID,
		); err != nil {
			return nil, fmt.Errorf("supersede invite: %w", err)
		}
		previous.Status = domain.InviteStatusSuperseded
		previous.UpdatedAt = replacement.CreatedAt.UTC()
		superseded = &previous
	case errors.Is(err, sql.ErrNoRows):
		// Nothing pending for the pair; plain insert below.
	default:
		return nil, fmt.Errorf("supersede invite: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO invites (id, from_user_id, to_user_id, status, created_at, updated_at, response_deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		replacement.ID,
		replacement.FromUserID,
		replacement.ToUserID,
		domain.InviteStatusLabel(replacement.Status),
		toMillis(replacement.CreatedAt),
		toMillis(replacement.UpdatedAt),
		toMillis(replacement.ResponseDeadline),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrPendingInviteExists
		}
		return nil, fmt.Errorf("supersede invite: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("supersede invite: %w", err)
	}
	return superseded, nil
}

// ListPendingInviteDeadlines returns response deadlines for pending invites.
func (s *Store) ListPendingInviteDeadlines(ctx context.Context) ([]storage.Deadline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, response_deadline
		 FROM invites
		 WHERE status = 'PENDING'
		 ORDER BY response_deadline ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending invite deadlines: %w", err)
	}
	defer rows.Close()
	return scanDeadlines(rows, "list pending invite deadlines")
}

// CreateSessionFromInvite accepts the invite and inserts the session in one
// transaction.
func (s *Store) CreateSessionFromInvite(ctx context.Context, inviteID string, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	inviteID = strings.TrimSpace(inviteID)
	if inviteID == "" {
		return fmt.Errorf("invite id is required")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE invites
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		domain.InviteStatusLabel(domain.InviteStatusAccepted),
		toMillis(session.StartedAt),
		inviteID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if affected == 0 {
		return s.inviteMissReason(ctx, inviteID)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO sessions (id, invite_id, user_a_id, user_b_id, status, started_at, updated_at, duration_ms, end_deadline, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		session.ID,
		session.InviteID,
		session.UserAID,
		session.UserBID,
		domain.SessionStatusLabel(session.Status),
		toMillis(session.StartedAt),
		toMillis(session.UpdatedAt),
		session.Duration.Milliseconds(),
		toMillis(session.EndDeadline),
	); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	for _, userID := range []string{session.UserAID, session.UserBID} {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO session_participants (user_id, session_id) VALUES (?, ?)`,
			userID,
			session.ID,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrActiveSessionExists
			}
			return fmt.Errorf("create session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, invite_id, user_a_id, user_b_id, status, started_at, updated_at, duration_ms, end_deadline, ended_at
		 FROM sessions
		 WHERE id = ?`,
		sessionID,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetActiveSessionForUser returns the active session the user participates in.
func (s *Store) GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT s.id, s.invite_id, s.user_a_id, s.user_b_id, s.status, s.started_at, s.updated_at, s.duration_ms, s.end_deadline, s.ended_at
		 FROM sessions s
		 JOIN session_participants p ON p.session_id = s.id
		 WHERE p.user_id = ?`,
		userID,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("get active session: %w", err)
	}
	return session, nil
}

// EndSession moves an active session to a terminal status with a guarded
// write and releases both participant slots.
func (s *Store) EndSession(ctx context.Context, sessionID string, to domain.SessionStatus, endedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !to.IsTerminal() {
		return fmt.Errorf("end status must be terminal")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE sessions
		 SET status = ?, updated_at = ?, ended_at = ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		domain.SessionStatusLabel(to),
		toMillis(endedAt),
		toMillis(endedAt),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if affected == 0 {
		var found int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID)
		if err := row.Scan(&found); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("end session: %w", err)
		}
		return storage.ErrStaleTransition
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM session_participants WHERE session_id = ?`,
		sessionID,
	); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ListActiveSessionDeadlines returns end deadlines for active sessions.
func (s *Store) ListActiveSessionDeadlines(ctx context.Context) ([]storage.Deadline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, end_deadline
		 FROM sessions
		 WHERE status = 'ACTIVE'
		 ORDER BY end_deadline ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active session deadlines: %w", err)
	}
	defer rows.Close()
	return scanDeadlines(rows, "list active session deadlines")
}

// UpsertPresence records or refreshes a user's presence heartbeat.
func (s *Store) UpsertPresence(ctx context.Context, presence storage.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID := strings.TrimSpace(presence.UserID)
	handleID := strings.TrimSpace(presence.HandleID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if handleID == "" {
		return fmt.Errorf("handle id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO presence (user_id, handle_id, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id, handle_id) DO UPDATE SET
		   updated_at = excluded.updated_at`,
		userID,
		handleID,
		toMillis(presence.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// DeletePresence removes a presence record. Absent records are a no-op.
func (s *Store) DeletePresence(ctx context.Context, userID string, handleID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	handleID = strings.TrimSpace(handleID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if handleID == "" {
		return fmt.Errorf("handle id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM presence WHERE user_id = ? AND handle_id = ?`,
		userID,
		handleID,
	)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// ListActiveUsers returns user IDs with a heartbeat at or after cutoff.
func (s *Store) ListActiveUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	// Opportunistic reap: stale rows are gone the next time anyone asks.
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM presence WHERE updated_at < ?`,
		toMillis(cutoff),
	); err != nil {
		return nil, fmt.Errorf("reap stale presence: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT user_id
		 FROM presence
		 WHERE updated_at >= ?
		 ORDER BY user_id ASC`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("list active users: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return users, nil
}

// AppendTelemetryEvent persists one telemetry record.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(evt.EventName) == "" {
		return fmt.Errorf("event name is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO telemetry_events (timestamp, event_name, severity, invite_id, session_id, user_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toMillis(evt.Timestamp),
		evt.EventName,
		evt.Severity,
		evt.InviteID,
		evt.SessionID,
		evt.UserID,
		evt.Detail,
	)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (domain.Invite, error) {
	var (
		invite           domain.Invite
		status           string
		createdAt        int64
		updatedAt        int64
		responseDeadline int64
	)
	if err := row.Scan(
		&invite.ID,
		&invite.FromUserID,
		&invite.ToUserID,
		&status,
		&createdAt,
		&updatedAt,
		&responseDeadline,
	); err != nil {
		return domain.Invite{}, err
	}
	invite.Status = domain.InviteStatusFromLabel(status)
	invite.CreatedAt = fromMillis(createdAt)
	invite.UpdatedAt = fromMillis(updatedAt)
	invite.ResponseDeadline = fromMillis(responseDeadline)
	return invite, nil
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session     domain.Session
		status      string
		startedAt   int64
		updatedAt   int64
		durationMS  int64
		endDeadline int64
		endedAt     sql.NullInt64
	)
	if err := row.Scan(
		&session.ID,
		&session.InviteID,
		&session.UserAID,
		&session.UserBID,
		&status,
		&startedAt,
		&updatedAt,
		&durationMS,
		&endDeadline,
		&endedAt,
	); err != nil {
		return domain.Session{}, err
	}
	session.Status = domain.SessionStatusFromLabel(status)
	session.StartedAt = fromMillis(startedAt)
	session.UpdatedAt = fromMillis(updatedAt)
	session.Duration = time.Duration(durationMS) * time.Millisecond
	session.EndDeadline = fromMillis(endDeadline)
	if endedAt.Valid {
		value := fromMillis(endedAt.Int64)
		session.EndedAt = &value
	}
	return session, nil
}

func scanDeadlines(rows *sql.Rows, op string) ([]storage.Deadline, error) {
	var deadlines []storage.Deadline
	for rows.Next() {
		var (
			deadline storage.Deadline
			at       int64
		)
		if err := rows.Scan(&deadline.ID, &at); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		deadline.Deadline = fromMillis(at)
		deadlines = append(deadlines, deadline)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return deadlines, nil
}

var _ storage.InviteStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.PresenceStore = (*Store)(nil)
var _ storage.TelemetryStore = (*Store)(nil)
