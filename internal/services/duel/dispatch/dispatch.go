// Package dispatch delivers duel notifications to live connections.
//
// Delivery is best effort: a failed or offline recipient never blocks a
// state transition, it is recorded in telemetry instead.
package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/duelground/duelground/internal/services/duel/domain"
	"github.com/duelground/duelground/internal/services/duel/registry"
	"github.com/duelground/duelground/internal/services/duel/storage"
	"github.com/duelground/duelground/internal/telemetry"
)

// Outbound message types pushed to clients.
const (
	TypeInvited       = "duel.invited"
	TypeInviteOutcome = "duel.invite_outcome"
	TypeSessionStart  = "duel.session_start"
	TypeSessionEnd    = "duel.session_end"
)

// InvitedPayload notifies the challenged user of a new pending invite.
type InvitedPayload struct {
	InviteID         string `json:"invite_id"`
	FromUserID       string `json:"from_user_id"`
	ResponseDeadline int64  `json:"response_deadline_ms"`
}

// InviteOutcomePayload reports a terminal invite outcome to the challenger.
// Rejections are echoed to the challenged user as well so their UI settles.
type InviteOutcomePayload struct {
	InviteID string `json:"invite_id"`
	Outcome  string `json:"outcome"`
}

// SessionStartPayload carries the shared countdown epoch. Both participants
// receive the same absolute start and deadline so their timers agree.
type SessionStartPayload struct {
	SessionID   string `json:"session_id"`
	OpponentID  string `json:"opponent_id"`
	StartedAt   int64  `json:"started_at_ms"`
	DurationMS  int64  `json:"duration_ms"`
	EndDeadline int64  `json:"end_deadline_ms"`
}

// SessionEndPayload reports the single terminal session outcome.
type SessionEndPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	EndedAt   int64  `json:"ended_at_ms"`
}

// Dispatcher fans duel notifications out to every live handle of a user.
type Dispatcher struct {
	registry *registry.Registry
	emitter  *telemetry.Emitter
}

// New creates a dispatcher over the given registry.
func New(reg *registry.Registry, emitter *telemetry.Emitter) *Dispatcher {
	return &Dispatcher{registry: reg, emitter: emitter}
}

// InviteCreated notifies the challenged user of a new pending invite.
func (d *Dispatcher) InviteCreated(ctx context.Context, invite domain.Invite) {
	d.send(ctx, invite.ToUserID, TypeInvited, InvitedPayload{
		InviteID:         invite.ID,
		FromUserID:       invite.FromUserID,
		ResponseDeadline: invite.ResponseDeadline.UnixMilli(),
	}, invite.ID, "")
}

// InviteOutcome reports a terminal outcome to the challenger. Explicit
// rejections are also echoed to the challenged user.
func (d *Dispatcher) InviteOutcome(ctx context.Context, invite domain.Invite, outcome domain.InviteOutcome) {
	payload := InviteOutcomePayload{
		InviteID: invite.ID,
		Outcome:  string(outcome),
	}
	d.send(ctx, invite.FromUserID, TypeInviteOutcome, payload, invite.ID, "")
	if outcome == domain.InviteOutcomeRejected {
		d.send(ctx, invite.ToUserID, TypeInviteOutcome, payload, invite.ID, "")
	}
}

// SessionStarted notifies both participants of the shared countdown epoch.
func (d *Dispatcher) SessionStarted(ctx context.Context, session domain.Session) {
	base := SessionStartPayload{
		SessionID:   session.ID,
		StartedAt:   session.StartedAt.UnixMilli(),
		DurationMS:  session.Duration.Milliseconds(),
		EndDeadline: session.EndDeadline.UnixMilli(),
	}

	forA := base
	forA.OpponentID = session.UserBID
	d.send(ctx, session.UserAID, TypeSessionStart, forA, "", session.ID)

	forB := base
	forB.OpponentID = session.UserAID
	d.send(ctx, session.UserBID, TypeSessionStart, forB, "", session.ID)
}

// SessionEnded notifies both participants of the terminal session outcome.
func (d *Dispatcher) SessionEnded(ctx context.Context, session domain.Session, reason domain.EndReason, endedAt time.Time) {
	payload := SessionEndPayload{
		SessionID: session.ID,
		Reason:    string(reason),
		EndedAt:   endedAt.UnixMilli(),
	}
	d.send(ctx, session.UserAID, TypeSessionEnd, payload, "", session.ID)
	d.send(ctx, session.UserBID, TypeSessionEnd, payload, "", session.ID)
}

func (d *Dispatcher) send(ctx context.Context, userID string, messageType string, payload any, inviteID string, sessionID string) {
	if d == nil || d.registry == nil {
		return
	}
	conns := d.registry.ConnsFor(userID)
	if len(conns) == 0 {
		d.record(ctx, "duel.notify_offline", messageType, userID, inviteID, sessionID)
		return
	}
	for _, conn := range conns {
		if err := conn.Send(ctx, messageType, payload); err != nil {
			log.Printf("duel: dispatch %s to user=%q handle=%q failed: %v", messageType, userID, conn.HandleID(), err)
			d.record(ctx, "duel.notify_failed", messageType, userID, inviteID, sessionID)
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, eventName string, messageType string, userID string, inviteID string, sessionID string) {
	if err := d.emitter.Emit(ctx, storage.TelemetryEvent{
		EventName: eventName,
		Severity:  string(telemetry.SeverityWarn),
		InviteID:  inviteID,
		SessionID: sessionID,
		UserID:    userID,
		Detail:    messageType,
	}); err != nil {
		log.Printf("duel: emit telemetry %s: %v", eventName, err)
	}
}
