package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/duelground/duelground/internal/id"
	apperrors "github.com/duelground/duelground/internal/platform/errors"
)

var (
	// ErrEmptySessionUser indicates a missing participant user ID.
	ErrEmptySessionUser = apperrors.New(apperrors.CodeSessionEmptyUser, "both participant user ids are required")
	// ErrSameSessionUser indicates a session with a single participant.
	ErrSameSessionUser = apperrors.New(apperrors.CodeSessionSameUser, "participants must be distinct users")
)

// DefaultSessionDuration bounds how long a duel runs before expiring.
const DefaultSessionDuration = 600 * time.Second

// SessionStatus describes the lifecycle state of a duel session.
type SessionStatus int

const (
	// SessionStatusUnspecified represents an invalid session status value.
	SessionStatusUnspecified SessionStatus = iota
	// SessionStatusActive indicates the duel is in progress.
	SessionStatusActive
	// SessionStatusStopped indicates a participant ended the duel early.
	SessionStatusStopped
	// SessionStatusExpired indicates the duel ran its full duration.
	SessionStatusExpired
	// SessionStatusAborted indicates the engine ended the duel on disconnect.
	SessionStatusAborted
)

// IsTerminal reports whether no further transition is possible from status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusStopped, SessionStatusExpired, SessionStatusAborted:
		return true
	default:
		return false
	}
}

// Session represents an accepted duel in progress between two users.
// InviteID is provenance only; it is never used to resolve ownership.
type Session struct {
	ID          string
	InviteID    string
	UserAID     string
	UserBID     string
	Status      SessionStatus
	StartedAt   time.Time
	UpdatedAt   time.Time
	Duration    time.Duration
	EndDeadline time.Time
	EndedAt     *time.Time // nil while the session is active
}

// HasParticipant reports whether userID is one of the two duel participants.
func (s Session) HasParticipant(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && (userID == s.UserAID || userID == s.UserBID)
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	InviteID string
	UserAID  string
	UserBID  string
	Duration time.Duration
}

// CreateSession creates a new session with a generated ID and timestamps.
// The session is created ACTIVE with an absolute end deadline so both
// participants count down against the same epoch.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	startedAt := now().UTC()
	return Session{
		ID:          sessionID,
		InviteID:    normalized.InviteID,
		UserAID:     normalized.UserAID,
		UserBID:     normalized.UserBID,
		Status:      SessionStatusActive,
		StartedAt:   startedAt,
		UpdatedAt:   startedAt,
		Duration:    normalized.Duration,
		EndDeadline: startedAt.Add(normalized.Duration),
		EndedAt:     nil,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.InviteID = strings.TrimSpace(input.InviteID)
	input.UserAID = strings.TrimSpace(input.UserAID)
	input.UserBID = strings.TrimSpace(input.UserBID)
	if input.UserAID == "" || input.UserBID == "" {
		return CreateSessionInput{}, ErrEmptySessionUser
	}
	if input.UserAID == input.UserBID {
		return CreateSessionInput{}, ErrSameSessionUser
	}
	if input.Duration <= 0 {
		input.Duration = DefaultSessionDuration
	}
	return input, nil
}

// SessionStatusLabel returns the string label for a session status.
func SessionStatusLabel(status SessionStatus) string {
	switch status {
	case SessionStatusActive:
		return "ACTIVE"
	case SessionStatusStopped:
		return "STOPPED"
	case SessionStatusExpired:
		return "EXPIRED"
	case SessionStatusAborted:
		return "ABORTED"
	default:
		return "UNSPECIFIED"
	}
}

// SessionStatusFromLabel converts a status label to a SessionStatus value.
func SessionStatusFromLabel(label string) SessionStatus {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "ACTIVE":
		return SessionStatusActive
	case "STOPPED":
		return SessionStatusStopped
	case "EXPIRED":
		return SessionStatusExpired
	case "ABORTED":
		return SessionStatusAborted
	default:
		return SessionStatusUnspecified
	}
}

// EndReason is the terminal cause reported to both participants.
type EndReason string

const (
	// EndReasonStopped reports an explicit stop by a participant.
	EndReasonStopped EndReason = "stopped"
	// EndReasonExpired reports the duration deadline firing.
	EndReasonExpired EndReason = "expired"
	// EndReasonAborted reports an engine-initiated end on disconnect.
	EndReasonAborted EndReason = "aborted"
)

// ReasonForStatus maps a terminal session status to its reported end reason.
func ReasonForStatus(status SessionStatus) (EndReason, bool) {
	switch status {
	case SessionStatusStopped:
		return EndReasonStopped, true
	case SessionStatusExpired:
		return EndReasonExpired, true
	case SessionStatusAborted:
		return EndReasonAborted, true
	default:
		return "", false
	}
}
