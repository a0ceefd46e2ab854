package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/duelground/duelground/internal/id"
	apperrors "github.com/duelground/duelground/internal/platform/errors"
)

var (
	// ErrEmptyFromUser indicates a missing challenger user ID.
	ErrEmptyFromUser = apperrors.New(apperrors.CodeInviteEmptyFromUser, "from user id is required")
	// ErrEmptyToUser indicates a missing challenged user ID.
	ErrEmptyToUser = apperrors.New(apperrors.CodeInviteEmptyToUser, "to user id is required")
	// ErrSelfInvite indicates a user challenging themselves.
	ErrSelfInvite = apperrors.New(apperrors.CodeInviteSelfTarget, "to user must differ from from user")
)

// DefaultResponseWindow bounds how long the challenged user may take to respond.
const DefaultResponseWindow = 60 * time.Second

// InviteStatus represents the lifecycle status of a duel invite.
type InviteStatus int

const (
	// InviteStatusUnspecified represents an invalid invite status.
	InviteStatusUnspecified InviteStatus = iota
	// InviteStatusPending indicates an invite is awaiting a response.
	InviteStatusPending
	// InviteStatusAccepted indicates the challenged user accepted.
	InviteStatusAccepted
	// InviteStatusRejected indicates the challenged user declined.
	InviteStatusRejected
	// InviteStatusExpired indicates the response window elapsed.
	InviteStatusExpired
	// InviteStatusSuperseded indicates a newer invite replaced this one.
	InviteStatusSuperseded
)

// IsTerminal reports whether no further transition is possible from status.
func (s InviteStatus) IsTerminal() bool {
	switch s {
	case InviteStatusAccepted, InviteStatusRejected, InviteStatusExpired, InviteStatusSuperseded:
		return true
	default:
		return false
	}
}

// Invite represents a proposed duel from one user to another.
type Invite struct {
	ID               string
	FromUserID       string
	ToUserID         string
	Status           InviteStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResponseDeadline time.Time
}

// CreateInviteInput describes the metadata needed to create an invite.
type CreateInviteInput struct {
	FromUserID     string
	ToUserID       string
	ResponseWindow time.Duration
}

// CreateInvite creates a new pending invite with a generated ID and timestamps.
// The response deadline is an absolute instant so every consumer agrees on the
// same expiry regardless of delivery latency.
func CreateInvite(input CreateInviteInput, now func() time.Time, idGenerator func() (string, error)) (Invite, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInviteInput(input)
	if err != nil {
		return Invite{}, err
	}

	inviteID, err := idGenerator()
	if err != nil {
		return Invite{}, fmt.Errorf("generate invite id: %w", err)
	}

	createdAt := now().UTC()
	return Invite{
		ID:               inviteID,
		FromUserID:       normalized.FromUserID,
		ToUserID:         normalized.ToUserID,
		Status:           InviteStatusPending,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
		ResponseDeadline: createdAt.Add(normalized.ResponseWindow),
	}, nil
}

// NormalizeCreateInviteInput trims and validates invite input metadata.
func NormalizeCreateInviteInput(input CreateInviteInput) (CreateInviteInput, error) {
	input.FromUserID = strings.TrimSpace(input.FromUserID)
	if input.FromUserID == "" {
		return CreateInviteInput{}, ErrEmptyFromUser
	}
	input.ToUserID = strings.TrimSpace(input.ToUserID)
	if input.ToUserID == "" {
		return CreateInviteInput{}, ErrEmptyToUser
	}
	if input.FromUserID == input.ToUserID {
		return CreateInviteInput{}, ErrSelfInvite
	}
	if input.ResponseWindow <= 0 {
		input.ResponseWindow = DefaultResponseWindow
	}
	return input, nil
}

// InviteStatusLabel returns the string label for an invite status.
func InviteStatusLabel(status InviteStatus) string {
	switch status {
	case InviteStatusPending:
		return "PENDING"
	case InviteStatusAccepted:
		return "ACCEPTED"
	case InviteStatusRejected:
		return "REJECTED"
	case InviteStatusExpired:
		return "EXPIRED"
	case InviteStatusSuperseded:
		return "SUPERSEDED"
	default:
		return "UNSPECIFIED"
	}
}

// InviteStatusFromLabel converts a status label to an InviteStatus value.
func InviteStatusFromLabel(label string) InviteStatus {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return InviteStatusPending
	case "ACCEPTED":
		return InviteStatusAccepted
	case "REJECTED":
		return InviteStatusRejected
	case "EXPIRED":
		return InviteStatusExpired
	case "SUPERSEDED":
		return InviteStatusSuperseded
	default:
		return InviteStatusUnspecified
	}
}

// InviteOutcome is the terminal result reported back to the challenger.
type InviteOutcome string

const (
	// InviteOutcomeRejected reports an explicit decline.
	InviteOutcomeRejected InviteOutcome = "rejected"
	// InviteOutcomeExpired reports an elapsed response window.
	InviteOutcomeExpired InviteOutcome = "expired"
	// InviteOutcomeSuperseded reports replacement by a newer invite.
	InviteOutcomeSuperseded InviteOutcome = "superseded"
)

// OutcomeForStatus maps a terminal invite status to its reported outcome.
// Accepted invites report no outcome: they produce a session start instead.
func OutcomeForStatus(status InviteStatus) (InviteOutcome, bool) {
	switch status {
	case InviteStatusRejected:
		return InviteOutcomeRejected, true
	case InviteStatusExpired:
		return InviteOutcomeExpired, true
	case InviteStatusSuperseded:
		return InviteOutcomeSuperseded, true
	default:
		return "", false
	}
}
