// Package engine coordinates duel invites and sessions.
//
// Every transition out of a live state goes through a guarded storage write,
// so no matter how requests, disconnects, and timer fires race, each invite
// and each session observes exactly one terminal outcome. Losing racers are
// absorbed silently and recorded in telemetry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/duelground/duelground/internal/id"
	apperrors "github.com/duelground/duelground/internal/platform/errors"
	"github.com/duelground/duelground/internal/services/duel/dispatch"
	"github.com/duelground/duelground/internal/services/duel/domain"
	"github.com/duelground/duelground/internal/services/duel/registry"
	"github.com/duelground/duelground/internal/services/duel/storage"
	"github.com/duelground/duelground/internal/services/duel/timer"
	"github.com/duelground/duelground/internal/telemetry"
)

// Policy carries the tunable coordination parameters.
type Policy struct {
	ResponseWindow    time.Duration
	SessionDuration   time.Duration
	AbortOnDisconnect bool
}

// Scheduler is the deadline timer surface the engine drives.
type Scheduler interface {
	ScheduleOnce(kind timer.Kind, id string, at time.Time)
	Cancel(kind timer.Kind, id string)
}

// Config wires the engine's collaborators.
type Config struct {
	Invites  storage.InviteStore
	Sessions storage.SessionStore
	Registry *registry.Registry
	Emitter  *telemetry.Emitter
	Policy   Policy

	// Scheduler is optional; when nil the engine owns a timer.Scheduler
	// firing back into HandleDeadline.
	Scheduler Scheduler
	// Now and IDGenerator are optional clock and ID injection points.
	Now         func() time.Time
	IDGenerator func() (string, error)
}

// Engine is the duel coordination core.
type Engine struct {
	invites    storage.InviteStore
	sessions   storage.SessionStore
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  Scheduler
	emitter    *telemetry.Emitter
	policy     Policy

	now         func() time.Time
	idGenerator func() (string, error)
	keys        *keyedMutex

	ownedScheduler *timer.Scheduler
}

// New creates an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Invites == nil {
		return nil, fmt.Errorf("invite store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Policy.ResponseWindow <= 0 {
		cfg.Policy.ResponseWindow = domain.DefaultResponseWindow
	}
	if cfg.Policy.SessionDuration <= 0 {
		cfg.Policy.SessionDuration = domain.DefaultSessionDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}

	e := &Engine{
		invites:     cfg.Invites,
		sessions:    cfg.Sessions,
		registry:    cfg.Registry,
		dispatcher:  dispatch.New(cfg.Registry, cfg.Emitter),
		emitter:     cfg.Emitter,
		policy:      cfg.Policy,
		now:         cfg.Now,
		idGenerator: cfg.IDGenerator,
		keys:        newKeyedMutex(),
	}
	if cfg.Scheduler != nil {
		e.scheduler = cfg.Scheduler
	} else {
		e.ownedScheduler = timer.New(func(kind timer.Kind, entityID string) {
			e.HandleDeadline(context.Background(), kind, entityID)
		})
		e.scheduler = e.ownedScheduler
	}
	return e, nil
}

// Close stops the engine's owned timers.
func (e *Engine) Close() {
	if e.ownedScheduler != nil {
		e.ownedScheduler.Stop()
	}
}

// Connect registers a live connection for a user.
func (e *Engine) Connect(ctx context.Context, conn registry.Conn) error {
	return e.registry.Register(ctx, conn)
}

// Disconnect unregisters a live connection. When abort-on-disconnect is
// enabled and the user has no remaining handles, their active session ends
// with reason aborted.
func (e *Engine) Disconnect(ctx context.Context, conn registry.Conn) error {
	if conn == nil {
		return nil
	}
	if err := e.registry.Unregister(ctx, conn); err != nil {
		return err
	}
	if !e.policy.AbortOnDisconnect || e.registry.IsOnline(conn.UserID()) {
		return nil
	}

	session, err := e.sessions.GetActiveSessionForUser(ctx, conn.UserID())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	e.endSession(ctx, session.ID, domain.SessionStatusAborted, "duel.session_aborted")
	return nil
}

// Touch refreshes a connection's presence heartbeat.
func (e *Engine) Touch(ctx context.Context, userID string, handleID string) error {
	return e.registry.Touch(ctx, userID, handleID)
}

// ListActiveUsers returns users with a presence heartbeat inside the TTL.
func (e *Engine) ListActiveUsers(ctx context.Context) ([]string, error) {
	return e.registry.ListActiveUsers(ctx)
}

// RequestInvite creates a pending invite from one user to another. Any
// previous pending invite for the same ordered pair is superseded and its
// challenger notified.
func (e *Engine) RequestInvite(ctx context.Context, fromUserID string, toUserID string) (domain.Invite, error) {
	invite, err := domain.CreateInvite(domain.CreateInviteInput{
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		ResponseWindow: e.policy.ResponseWindow,
	}, e.now, e.idGenerator)
	if err != nil {
		return domain.Invite{}, err
	}

	unlock := e.keys.lock("pair/" + invite.FromUserID + "/" + invite.ToUserID)
	defer unlock()

	superseded, err := e.invites.SupersedePendingInvite(ctx, invite)
	if err != nil {
		return domain.Invite{}, err
	}
	if superseded != nil {
		e.scheduler.Cancel(timer.KindInviteExpiry, superseded.ID)
		e.dispatcher.InviteOutcome(ctx, *superseded, domain.InviteOutcomeSuperseded)
	}

	e.scheduler.ScheduleOnce(timer.KindInviteExpiry, invite.ID, invite.ResponseDeadline)
	e.dispatcher.InviteCreated(ctx, invite)
	return invite, nil
}

// RespondInvite resolves a pending invite. Accepting starts a session with a
// shared countdown epoch; rejecting reports the outcome to both sides.
// Responses to invites that already reached a terminal state are absorbed
// silently.
func (e *Engine) RespondInvite(ctx context.Context, inviteID string, respondingUserID string, accept bool) error {
	inviteID = strings.TrimSpace(inviteID)
	respondingUserID = strings.TrimSpace(respondingUserID)
	if inviteID == "" || respondingUserID == "" {
		return apperrors.New(apperrors.CodeNotFound, "invite not found")
	}

	unlock := e.keys.lock("invite/" + inviteID)
	defer unlock()

	invite, err := e.invites.GetInvite(ctx, inviteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "invite not found")
		}
		return err
	}
	if invite.ToUserID != respondingUserID {
		return apperrors.New(apperrors.CodeNotAuthorized, "only the challenged user may respond")
	}

	if accept {
		return e.acceptInvite(ctx, invite)
	}
	return e.rejectInvite(ctx, invite)
}

func (e *Engine) acceptInvite(ctx context.Context, invite domain.Invite) error {
	session, err := domain.CreateSession(domain.CreateSessionInput{
		InviteID: invite.ID,
		UserAID:  invite.FromUserID,
		UserBID:  invite.ToUserID,
		Duration: e.policy.SessionDuration,
	}, e.now, e.idGenerator)
	if err != nil {
		return err
	}

	err = e.sessions.CreateSessionFromInvite(ctx, invite.ID, session)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrActiveSessionExists):
		// The invite stays pending; the challenged user may retry once the
		// blocking session ends.
		return apperrors.WithMetadata(apperrors.CodeAlreadyEngaged,
			"a participant is already in an active session",
			map[string]string{"invite_id": invite.ID})
	case errors.Is(err, storage.ErrStaleTransition):
		e.absorb(ctx, "duel.duplicate_response", invite.ID, "", invite.ToUserID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.New(apperrors.CodeNotFound, "invite not found")
	default:
		return err
	}

	e.scheduler.Cancel(timer.KindInviteExpiry, invite.ID)
	e.scheduler.ScheduleOnce(timer.KindSessionExpiry, session.ID, session.EndDeadline)
	e.dispatcher.SessionStarted(ctx, session)
	return nil
}

func (e *Engine) rejectInvite(ctx context.Context, invite domain.Invite) error {
	err := e.invites.TransitionInvite(ctx, invite.ID, domain.InviteStatusPending, domain.InviteStatusRejected, e.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStaleTransition):
		e.absorb(ctx, "duel.duplicate_response", invite.ID, "", invite.ToUserID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.New(apperrors.CodeNotFound, "invite not found")
	default:
		return err
	}

	e.scheduler.Cancel(timer.KindInviteExpiry, invite.ID)
	invite.Status = domain.InviteStatusRejected
	e.dispatcher.InviteOutcome(ctx, invite, domain.InviteOutcomeRejected)
	return nil
}

// StopSession ends an active session at a participant's request. Stops that
// lose the race against expiry or abort are absorbed silently.
func (e *Engine) StopSession(ctx context.Context, sessionID string, requestingUserID string) error {
	sessionID = strings.TrimSpace(sessionID)
	requestingUserID = strings.TrimSpace(requestingUserID)
	if sessionID == "" || requestingUserID == "" {
		return apperrors.New(apperrors.CodeNotFound, "session not found")
	}

	unlock := e.keys.lock("session/" + sessionID)
	defer unlock()

	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return err
	}
	if !session.HasParticipant(requestingUserID) {
		return apperrors.New(apperrors.CodeNotAuthorized, "only a participant may stop the session")
	}

	endedAt := e.now().UTC()
	err = e.sessions.EndSession(ctx, sessionID, domain.SessionStatusStopped, endedAt)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStaleTransition):
		e.absorb(ctx, "duel.duplicate_stop", "", sessionID, requestingUserID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.New(apperrors.CodeNotFound, "session not found")
	default:
		return err
	}

	e.scheduler.Cancel(timer.KindSessionExpiry, sessionID)
	e.dispatcher.SessionEnded(ctx, session, domain.EndReasonStopped, endedAt)
	return nil
}

// HandleDeadline ingests a timer fire. Fires for records that already
// reached a terminal state are absorbed; fires for unknown records are
// logged as orphans. Both are expected under at-least-once delivery.
func (e *Engine) HandleDeadline(ctx context.Context, kind timer.Kind, entityID string) {
	switch kind {
	case timer.KindInviteExpiry:
		e.expireInvite(ctx, entityID)
	case timer.KindSessionExpiry:
		e.endSession(ctx, entityID, domain.SessionStatusExpired, "duel.session_expired")
	default:
		log.Printf("duel: deadline fire with unknown kind %q for %q", kind, entityID)
	}
}

func (e *Engine) expireInvite(ctx context.Context, inviteID string) {
	unlock := e.keys.lock("invite/" + inviteID)
	defer unlock()

	invite, err := e.invites.GetInvite(ctx, inviteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("duel: deadline fire for unknown invite %q", inviteID)
			e.absorb(ctx, "duel.orphan_deadline", inviteID, "", "")
			return
		}
		log.Printf("duel: expire invite %q: %v", inviteID, err)
		return
	}

	err = e.invites.TransitionInvite(ctx, inviteID, domain.InviteStatusPending, domain.InviteStatusExpired, e.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStaleTransition), errors.Is(err, storage.ErrNotFound):
		e.absorb(ctx, "duel.late_deadline", inviteID, "", "")
		return
	default:
		log.Printf("duel: expire invite %q: %v", inviteID, err)
		return
	}

	invite.Status = domain.InviteStatusExpired
	e.dispatcher.InviteOutcome(ctx, invite, domain.InviteOutcomeExpired)
}

// endSession performs a guarded terminal transition for expiry and abort
// paths, where the caller is the engine itself rather than a participant.
func (e *Engine) endSession(ctx context.Context, sessionID string, to domain.SessionStatus, event string) {
	unlock := e.keys.lock("session/" + sessionID)
	defer unlock()

	session, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("duel: deadline fire for unknown session %q", sessionID)
			e.absorb(ctx, "duel.orphan_deadline", "", sessionID, "")
			return
		}
		log.Printf("duel: end session %q: %v", sessionID, err)
		return
	}

	endedAt := e.now().UTC()
	err = e.sessions.EndSession(ctx, sessionID, to, endedAt)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStaleTransition), errors.Is(err, storage.ErrNotFound):
		e.absorb(ctx, "duel.late_deadline", "", sessionID, "")
		return
	default:
		log.Printf("duel: end session %q: %v", sessionID, err)
		return
	}

	e.scheduler.Cancel(timer.KindSessionExpiry, sessionID)
	reason, ok := domain.ReasonForStatus(to)
	if !ok {
		reason = domain.EndReasonAborted
	}
	if e.emitter != nil && event != "" {
		e.record(ctx, event, "", sessionID, "")
	}
	e.dispatcher.SessionEnded(ctx, session, reason, endedAt)
}

// RearmDeadlines schedules timers for every persisted pending invite and
// active session. Past-due deadlines fire immediately.
func (e *Engine) RearmDeadlines(ctx context.Context) error {
	inviteDeadlines, err := e.invites.ListPendingInviteDeadlines(ctx)
	if err != nil {
		return fmt.Errorf("rearm invite deadlines: %w", err)
	}
	for _, deadline := range inviteDeadlines {
		e.scheduler.ScheduleOnce(timer.KindInviteExpiry, deadline.ID, deadline.Deadline)
	}

	sessionDeadlines, err := e.sessions.ListActiveSessionDeadlines(ctx)
	if err != nil {
		return fmt.Errorf("rearm session deadlines: %w", err)
	}
	for _, deadline := range sessionDeadlines {
		e.scheduler.ScheduleOnce(timer.KindSessionExpiry, deadline.ID, deadline.Deadline)
	}

	log.Printf("duel: rearmed %d invite and %d session deadlines", len(inviteDeadlines), len(sessionDeadlines))
	return nil
}

func (e *Engine) absorb(ctx context.Context, event string, inviteID string, sessionID string, userID string) {
	e.record(ctx, event, inviteID, sessionID, userID)
}

func (e *Engine) record(ctx context.Context, event string, inviteID string, sessionID string, userID string) {
	if err := e.emitter.Emit(ctx, storage.TelemetryEvent{
		EventName: event,
		Severity:  string(telemetry.SeverityInfo),
		InviteID:  inviteID,
		SessionID: sessionID,
		UserID:    userID,
	}); err != nil {
		log.Printf("duel: emit telemetry %s: %v", event, err)
	}
}
