// Package storage defines persistence contracts for duel coordination state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/duelground/duelground/internal/services/duel/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrStaleTransition indicates a guarded transition matched zero rows because
// the record already left the expected state. Callers treat it as a lost race,
// not a failure.
var ErrStaleTransition = errors.New("record already left expected state")

// ErrPendingInviteExists indicates the ordered (from, to) pair already has a
// pending invite. Callers supersede the old invite instead of inserting.
var ErrPendingInviteExists = errors.New("pending invite already exists for pair")

// ErrActiveSessionExists indicates a participant is already in an active
// session, so a second one cannot start.
var ErrActiveSessionExists = errors.New("participant already has an active session")

// Deadline pairs a record ID with the absolute instant its timer fires.
type Deadline struct {
	ID       string
	Deadline time.Time
}

// InviteStore persists duel invites and their guarded status transitions.
type InviteStore interface {
	// PutInvite inserts a new pending invite. Returns ErrPendingInviteExists
	// when the ordered (from, to) pair already has one pending.
	PutInvite(ctx context.Context, invite domain.Invite) error
	GetInvite(ctx context.Context, inviteID string) (domain.Invite, error)
	// TransitionInvite moves an invite from one status to another with a
	// compare-and-set write. Returns ErrStaleTransition when the invite is no
	// longer in the from status, ErrNotFound when it does not exist.
	TransitionInvite(ctx context.Context, inviteID string, from, to domain.InviteStatus, updatedAt time.Time) error
	// SupersedePendingInvite marks any pending invite for the ordered
	// (from, to) pair superseded and inserts the replacement, in one
	// transaction. It returns the superseded invite when one existed.
	SupersedePendingInvite(ctx context.Context, replacement domain.Invite) (*domain.Invite, error)
	// ListPendingInviteDeadlines returns response deadlines for all pending
	// invites, used to rearm expiry timers on startup.
	ListPendingInviteDeadlines(ctx context.Context) ([]Deadline, error)
}

// SessionStore persists duel sessions and their guarded status transitions.
type SessionStore interface {
	// CreateSessionFromInvite accepts the invite and inserts the session in
	// one transaction. Returns ErrStaleTransition when the invite already
	// left pending, ErrActiveSessionExists when either participant is already
	// in an active session; in both cases nothing is written.
	CreateSessionFromInvite(ctx context.Context, inviteID string, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	// GetActiveSessionForUser returns the active session the user participates
	// in, or ErrNotFound when they are not in one.
	GetActiveSessionForUser(ctx context.Context, userID string) (domain.Session, error)
	// EndSession moves an active session to a terminal status with a
	// compare-and-set write. Returns ErrStaleTransition when the session
	// already ended, ErrNotFound when it does not exist.
	EndSession(ctx context.Context, sessionID string, to domain.SessionStatus, endedAt time.Time) error
	// ListActiveSessionDeadlines returns end deadlines for all active
	// sessions, used to rearm expiry timers on startup.
	ListActiveSessionDeadlines(ctx context.Context) ([]Deadline, error)
}

// Presence stores one user's last observed connection heartbeat.
type Presence struct {
	UserID    string
	HandleID  string
	UpdatedAt time.Time
}

// PresenceStore persists connection presence records.
type PresenceStore interface {
	// UpsertPresence records or refreshes a user's presence heartbeat.
	UpsertPresence(ctx context.Context, presence Presence) error
	// DeletePresence removes a user's presence record. Deleting an absent
	// record is a no-op.
	DeletePresence(ctx context.Context, userID string, handleID string) error
	// ListActiveUsers returns user IDs with a heartbeat at or after cutoff.
	ListActiveUsers(ctx context.Context, cutoff time.Time) ([]string, error)
}

// TelemetryEvent captures operational observations emitted during coordination.
type TelemetryEvent struct {
	Timestamp time.Time
	EventName string
	Severity  string
	InviteID  string
	SessionID string
	UserID    string
	Detail    string
}

// TelemetryStore persists operational telemetry records for audits and
// incident analysis. Duplicate and late events the engine absorbs silently
// still land here.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, evt TelemetryEvent) error
}
