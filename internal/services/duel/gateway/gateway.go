// Package gateway exposes the duel engine over WebSocket plus small HTTP
// query endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/duelground/duelground/internal/id"
	apperrors "github.com/duelground/duelground/internal/platform/errors"
	"github.com/duelground/duelground/internal/platform/pagination"
	"github.com/duelground/duelground/internal/services/duel/domain"
	"github.com/duelground/duelground/internal/services/duel/registry"
)

const (
	tokenCookieName = "dg_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultPresenceLimit = 100
	maxPresenceLimit     = 500
)

// Engine is the coordination surface the gateway drives.
type Engine interface {
	Connect(ctx context.Context, conn registry.Conn) error
	Disconnect(ctx context.Context, conn registry.Conn) error
	Touch(ctx context.Context, userID string, handleID string) error
	RequestInvite(ctx context.Context, fromUserID string, toUserID string) (domain.Invite, error)
	RespondInvite(ctx context.Context, inviteID string, respondingUserID string, accept bool) error
	StopSession(ctx context.Context, sessionID string, requestingUserID string) error
	ListActiveUsers(ctx context.Context) ([]string, error)
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type invitePayload struct {
	ToUserID string `json:"to_user_id"`
}

type respondPayload struct {
	InviteID string `json:"invite_id"`
	Decision string `json:"decision"`
}

type stopPayload struct {
	SessionID string `json:"session_id"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status   string `json:"status"`
	InviteID string `json:"invite_id,omitempty"`
}

type presenceResponse struct {
	Users []string `json:"users"`
}

// wsPeer is one live WebSocket connection registered with the engine.
type wsPeer struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	userID   string
	handleID string
}

func newWSPeer(encoder *json.Encoder, userID string, handleID string) *wsPeer {
	return &wsPeer{encoder: encoder, userID: userID, handleID: handleID}
}

func (p *wsPeer) UserID() string   { return p.userID }
func (p *wsPeer) HandleID() string { return p.handleID }

// Send pushes one typed frame to the client. The mutex keeps concurrent
// dispatches from interleaving on the wire.
func (p *wsPeer) Send(ctx context.Context, messageType string, payload any) error {
	return p.writeFrame(wsFrame{Type: messageType, Payload: mustJSON(payload)})
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

var _ registry.Conn = (*wsPeer)(nil)

type wsUserIDContextKey struct{}

// NewHandler creates duel routes for tests and offline paths. WebSocket auth
// is intentionally disabled: the user identity comes from the user query
// param.
func NewHandler(engine Engine) http.Handler {
	return newHandler(engine, GrantConfig{}, false)
}

// NewHandlerWithGrants creates duel routes with enforced access grant
// verification.
func NewHandlerWithGrants(engine Engine, cfg GrantConfig) http.Handler {
	return newHandler(engine, cfg, true)
}

func newHandler(engine Engine, grants GrantConfig, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/presence", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rawLimit := strings.TrimSpace(r.URL.Query().Get("limit"))
		parsedLimit := 0
		if rawLimit != "" {
			value, err := strconv.Atoi(rawLimit)
			if err != nil {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			parsedLimit = value
		}
		limit := pagination.ClampPageSize(int32(parsedLimit), pagination.PageSizeConfig{
			Default: defaultPresenceLimit,
			Max:     maxPresenceLimit,
		})

		users, err := engine.ListActiveUsers(r.Context())
		if err != nil {
			log.Printf("duel: list active users: %v", err)
			http.Error(w, "presence unavailable", http.StatusInternalServerError)
			return
		}
		if users == nil {
			users = []string{}
		}
		if len(users) > limit {
			users = users[:limit]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(presenceResponse{Users: users})
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, engine)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := ""
		if requireAuth {
			if !grants.Configured() {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}
			grant := accessGrantFromRequest(r)
			if grant == "" {
				log.Printf("duel: websocket unauthorized: missing %s for remote=%s", tokenCookieName, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			resolved, err := ValidateAccessGrant(grant, grants)
			if err != nil {
				log.Printf("duel: websocket unauthorized: grant rejected for remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID = resolved
		} else {
			userID = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if userID == "" {
			http.Error(w, "user identity required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, userID)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

func accessGrantFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func handleWSConn(conn *websocket.Conn, engine Engine) {
	defer func() {
		_ = conn.Close()
	}()

	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	if userID == "" {
		return
	}
	handleID, err := id.NewID()
	if err != nil {
		log.Printf("duel: generate handle id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn), userID, handleID)

	ctx := context.Background()
	if err := engine.Connect(ctx, peer); err != nil {
		log.Printf("duel: connect user=%q handle=%q: %v", userID, handleID, err)
		return
	}
	defer func() {
		if err := engine.Disconnect(ctx, peer); err != nil {
			log.Printf("duel: disconnect user=%q handle=%q: %v", userID, handleID, err)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		if err := engine.Touch(ctx, userID, handleID); err != nil {
			log.Printf("duel: touch presence user=%q handle=%q: %v", userID, handleID, err)
		}

		switch frame.Type {
		case "duel.invite":
			handleInviteFrame(ctx, engine, peer, frame)
		case "duel.respond":
			handleRespondFrame(ctx, engine, peer, frame)
		case "duel.stop":
			handleStopFrame(ctx, engine, peer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleInviteFrame(ctx context.Context, engine Engine, peer *wsPeer, frame wsFrame) {
	var payload invitePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid invite payload")
		return
	}

	invite, err := engine.RequestInvite(ctx, peer.UserID(), payload.ToUserID)
	if err != nil {
		writeEngineError(peer, frame.RequestID, err)
		return
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "duel.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok", InviteID: invite.ID}}),
	})
}

func handleRespondFrame(ctx context.Context, engine Engine, peer *wsPeer, frame wsFrame) {
	var payload respondPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid respond payload")
		return
	}

	var accept bool
	switch strings.ToLower(strings.TrimSpace(payload.Decision)) {
	case "accept":
		accept = true
	case "reject":
		accept = false
	default:
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "decision must be accept or reject")
		return
	}

	if err := engine.RespondInvite(ctx, payload.InviteID, peer.UserID(), accept); err != nil {
		writeEngineError(peer, frame.RequestID, err)
		return
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "duel.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok", InviteID: payload.InviteID}}),
	})
}

func handleStopFrame(ctx context.Context, engine Engine, peer *wsPeer, frame wsFrame) {
	var payload stopPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid stop payload")
		return
	}

	if err := engine.StopSession(ctx, payload.SessionID, peer.UserID()); err != nil {
		writeEngineError(peer, frame.RequestID, err)
		return
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "duel.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok"}}),
	})
}

func writeEngineError(peer *wsPeer, requestID string, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		_ = writeWSError(peer, requestID, string(appErr.Code), appErr.Message)
		return
	}
	log.Printf("duel: engine error: %v", err)
	_ = writeWSError(peer, requestID, string(apperrors.CodeUnknown), "internal error")
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "duel.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{Code: code, Message: message},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("duel: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
