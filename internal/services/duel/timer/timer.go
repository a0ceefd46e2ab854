// Package timer schedules one-shot deadline fires for invites and sessions.
//
// Fires are delivered at least once: a timer that races a cancel may still
// fire, and rearming after a restart replays every persisted deadline. The
// engine's guarded transitions make the duplicates harmless.
package timer

import (
	"strings"
	"sync"
	"time"
)

// Kind distinguishes which deadline family a fire belongs to.
type Kind string

const (
	// KindInviteExpiry fires when an invite's response window elapses.
	KindInviteExpiry Kind = "invite"
	// KindSessionExpiry fires when a session's duration elapses.
	KindSessionExpiry Kind = "session"
)

// Handler receives deadline fires. It must tolerate duplicate and late
// fires for records that already reached a terminal state.
type Handler func(kind Kind, id string)

// Scheduler owns the in-process one-shot timers.
type Scheduler struct {
	handler Handler
	clock   func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a scheduler that delivers fires to handler.
func New(handler Handler) *Scheduler {
	return &Scheduler{
		handler: handler,
		clock:   time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

func timerKey(kind Kind, id string) string {
	return string(kind) + "/" + id
}

// ScheduleOnce arms a timer that fires at the absolute instant. Scheduling
// the same record again replaces the previous timer. Deadlines already in
// the past fire immediately.
func (s *Scheduler) ScheduleOnce(kind Kind, id string, at time.Time) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	delay := at.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}
	key := timerKey(kind, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if previous, ok := s.timers[key]; ok {
		previous.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.fire(kind, id)
	})
}

func (s *Scheduler) fire(kind Kind, id string) {
	key := timerKey(kind, id)
	s.mu.Lock()
	delete(s.timers, key)
	closed := s.closed
	s.mu.Unlock()
	if closed || s.handler == nil {
		return
	}
	s.handler(kind, id)
}

// Cancel disarms a pending timer. Cancel is best effort: a fire already in
// flight still reaches the handler.
func (s *Scheduler) Cancel(kind Kind, id string) {
	key := timerKey(kind, strings.TrimSpace(id))
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

// Stop disarms every pending timer and drops subsequent fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
