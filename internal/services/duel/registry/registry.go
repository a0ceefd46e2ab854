// Package registry tracks live duel connections and their presence records.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duelground/duelground/internal/services/duel/storage"
)

// DefaultPresenceTTL bounds how stale a heartbeat may be before the user is
// no longer considered online.
const DefaultPresenceTTL = 90 * time.Second

// Conn is one live connection handle for a user. A user may hold several
// handles at once (multiple tabs or devices).
type Conn interface {
	UserID() string
	HandleID() string
	Send(ctx context.Context, messageType string, payload any) error
}

// Registry maps user IDs to their live connection handles and mirrors them
// into the presence store so other instances can answer who is online.
type Registry struct {
	presence storage.PresenceStore
	ttl      time.Duration
	clock    func() time.Time

	mu    sync.Mutex
	conns map[string]map[string]Conn // userID -> handleID -> conn
}

// New creates a registry backed by the given presence store.
func New(presence storage.PresenceStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Registry{
		presence: presence,
		ttl:      ttl,
		clock:    time.Now,
		conns:    make(map[string]map[string]Conn),
	}
}

// WithClock replaces the registry clock. Intended for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Register adds a live connection and records its presence heartbeat.
func (r *Registry) Register(ctx context.Context, conn Conn) error {
	if conn == nil {
		return fmt.Errorf("conn is required")
	}
	userID := strings.TrimSpace(conn.UserID())
	handleID := strings.TrimSpace(conn.HandleID())
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if handleID == "" {
		return fmt.Errorf("handle id is required")
	}

	r.mu.Lock()
	handles, ok := r.conns[userID]
	if !ok {
		handles = make(map[string]Conn)
		r.conns[userID] = handles
	}
	handles[handleID] = conn
	r.mu.Unlock()

	if r.presence == nil {
		return nil
	}
	return r.presence.UpsertPresence(ctx, storage.Presence{
		UserID:    userID,
		HandleID:  handleID,
		UpdatedAt: r.clock().UTC(),
	})
}

// Unregister removes a live connection and its presence record. Removing an
// unknown handle is a no-op so duplicate disconnects are harmless.
func (r *Registry) Unregister(ctx context.Context, conn Conn) error {
	if conn == nil {
		return nil
	}
	userID := strings.TrimSpace(conn.UserID())
	handleID := strings.TrimSpace(conn.HandleID())
	if userID == "" || handleID == "" {
		return nil
	}

	r.mu.Lock()
	if handles, ok := r.conns[userID]; ok {
		// A newer connection may have reused the handle slot; only the
		// registered conn may evict it.
		if current, ok := handles[handleID]; ok && current == conn {
			delete(handles, handleID)
			if len(handles) == 0 {
				delete(r.conns, userID)
			}
		}
	}
	r.mu.Unlock()

	if r.presence == nil {
		return nil
	}
	return r.presence.DeletePresence(ctx, userID, handleID)
}

// Touch refreshes the presence heartbeat for one handle.
func (r *Registry) Touch(ctx context.Context, userID string, handleID string) error {
	if r.presence == nil {
		return nil
	}
	return r.presence.UpsertPresence(ctx, storage.Presence{
		UserID:    userID,
		HandleID:  handleID,
		UpdatedAt: r.clock().UTC(),
	})
}

// ConnsFor returns the live connection handles for one user.
func (r *Registry) ConnsFor(userID string) []Conn {
	userID = strings.TrimSpace(userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.conns[userID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(handles))
	for _, conn := range handles {
		conns = append(conns, conn)
	}
	return conns
}

// IsOnline reports whether the user has at least one live handle on this
// instance.
func (r *Registry) IsOnline(userID string) bool {
	userID = strings.TrimSpace(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// ListActiveUsers returns users with a presence heartbeat inside the TTL.
func (r *Registry) ListActiveUsers(ctx context.Context) ([]string, error) {
	if r.presence == nil {
		return nil, nil
	}
	cutoff := r.clock().UTC().Add(-r.ttl)
	return r.presence.ListActiveUsers(ctx, cutoff)
}
