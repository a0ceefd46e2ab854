package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/duelground/duelground/internal/services/duel/engine"
	"github.com/duelground/duelground/internal/services/duel/registry"
	"github.com/duelground/duelground/internal/services/duel/storage/sqlite"
	"github.com/duelground/duelground/internal/telemetry"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAck struct {
	Result struct {
		Status   string `json:"status"`
		InviteID string `json:"invite_id"`
	} `json:"result"`
}

type wsTestError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := sqlite.Open(t.TempDir() + "/duel.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(engine.Config{
		Invites:  store,
		Sessions: store,
		Registry: registry.New(store, 0),
		Emitter:  telemetry.NewEmitter(store),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(newTestEngine(t)))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSErr(srv, query, "")
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialWSErr(srv *httptest.Server, query string, cookie string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	if cookie == "" {
		return websocket.Dial(wsURL, "", srv.URL)
	}
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("Cookie", cookie)
	return websocket.DialConfig(cfg)
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := json.NewEncoder(conn).Encode(wsTestFrame{Type: frameType, RequestID: requestID, Payload: raw}); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

func waitForFrame(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	decoder := json.NewDecoder(conn)
	for {
		var frame wsTestFrame
		if err := decoder.Decode(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestWSRequiresUserIdentity(t *testing.T) {
	srv := newTestServer(t)
	if _, err := dialWSErr(srv, "", ""); err == nil {
		t.Fatal("expected handshake failure without user identity")
	}
}

func TestDuelFlowOverWebSocket(t *testing.T) {
	srv := newTestServer(t)
	challenger := dialWS(t, srv, "?user=user-a")
	challenged := dialWS(t, srv, "?user=user-b")

	sendFrame(t, challenger, "duel.invite", "req-1", map[string]string{"to_user_id": "user-b"})

	ackFrame := waitForFrame(t, challenger, "duel.ack")
	var ack wsTestAck
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Result.Status != "ok" || ack.Result.InviteID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if ackFrame.RequestID != "req-1" {
		t.Fatalf("request id = %q, want req-1", ackFrame.RequestID)
	}

	invitedFrame := waitForFrame(t, challenged, "duel.invited")
	var invited struct {
		InviteID   string `json:"invite_id"`
		FromUserID string `json:"from_user_id"`
	}
	if err := json.Unmarshal(invitedFrame.Payload, &invited); err != nil {
		t.Fatalf("unmarshal invited: %v", err)
	}
	if invited.InviteID != ack.Result.InviteID || invited.FromUserID != "user-a" {
		t.Fatalf("invited = %+v", invited)
	}

	sendFrame(t, challenged, "duel.respond", "req-2", map[string]string{
		"invite_id": invited.InviteID,
		"decision":  "accept",
	})

	var start struct {
		SessionID   string `json:"session_id"`
		OpponentID  string `json:"opponent_id"`
		EndDeadline int64  `json:"end_deadline_ms"`
	}
	startFrameA := waitForFrame(t, challenger, "duel.session_start")
	if err := json.Unmarshal(startFrameA.Payload, &start); err != nil {
		t.Fatalf("unmarshal session_start: %v", err)
	}
	if start.OpponentID != "user-b" || start.SessionID == "" {
		t.Fatalf("session_start = %+v", start)
	}
	waitForFrame(t, challenged, "duel.session_start")

	sendFrame(t, challenger, "duel.stop", "req-3", map[string]string{"session_id": start.SessionID})
	var end struct {
		Reason string `json:"reason"`
	}
	endFrame := waitForFrame(t, challenged, "duel.session_end")
	if err := json.Unmarshal(endFrame.Payload, &end); err != nil {
		t.Fatalf("unmarshal session_end: %v", err)
	}
	if end.Reason != "stopped" {
		t.Fatalf("reason = %q, want stopped", end.Reason)
	}
	waitForFrame(t, challenger, "duel.session_end")
}

func TestRejectIsEchoedToChallenged(t *testing.T) {
	srv := newTestServer(t)
	challenger := dialWS(t, srv, "?user=user-a")
	challenged := dialWS(t, srv, "?user=user-b")

	sendFrame(t, challenger, "duel.invite", "req-1", map[string]string{"to_user_id": "user-b"})
	invitedFrame := waitForFrame(t, challenged, "duel.invited")
	var invited struct {
		InviteID string `json:"invite_id"`
	}
	if err := json.Unmarshal(invitedFrame.Payload, &invited); err != nil {
		t.Fatalf("unmarshal invited: %v", err)
	}

	sendFrame(t, challenged, "duel.respond", "req-2", map[string]string{
		"invite_id": invited.InviteID,
		"decision":  "reject",
	})

	var outcome struct {
		Outcome string `json:"outcome"`
	}
	outcomeFrame := waitForFrame(t, challenger, "duel.invite_outcome")
	if err := json.Unmarshal(outcomeFrame.Payload, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Outcome != "rejected" {
		t.Fatalf("outcome = %q, want rejected", outcome.Outcome)
	}
	waitForFrame(t, challenged, "duel.invite_outcome")
}

func TestEngineErrorsMapToErrorFrames(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "?user=user-b")

	sendFrame(t, conn, "duel.respond", "req-1", map[string]string{
		"invite_id": "missing",
		"decision":  "accept",
	})
	frame := waitForFrame(t, conn, "duel.error")
	var wsErr wsTestError
	if err := json.Unmarshal(frame.Payload, &wsErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if wsErr.Error.Code != "NOT_FOUND" {
		t.Fatalf("code = %q, want NOT_FOUND", wsErr.Error.Code)
	}

	sendFrame(t, conn, "duel.respond", "req-2", map[string]string{
		"invite_id": "whatever",
		"decision":  "maybe",
	})
	frame = waitForFrame(t, conn, "duel.error")
	if err := json.Unmarshal(frame.Payload, &wsErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if wsErr.Error.Code != "INVALID_ARGUMENT" {
		t.Fatalf("code = %q, want INVALID_ARGUMENT", wsErr.Error.Code)
	}

	sendFrame(t, conn, "duel.bogus", "req-3", map[string]string{})
	waitForFrame(t, conn, "duel.error")
}

func TestPresenceEndpoint(t *testing.T) {
	srv := newTestServer(t)
	dialWS(t, srv, "?user=user-a")

	resp, err := http.Get(srv.URL + "/presence")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var presence struct {
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(presence.Users) != 1 || presence.Users[0] != "user-a" {
		t.Fatalf("users = %v, want [user-a]", presence.Users)
	}
}

func TestPresenceEndpointLimit(t *testing.T) {
	srv := newTestServer(t)
	dialWS(t, srv, "?user=user-a")
	dialWS(t, srv, "?user=user-b")

	resp, err := http.Get(srv.URL + "/presence?limit=1")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var presence struct {
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(presence.Users) != 1 {
		t.Fatalf("users len = %d, want 1", len(presence.Users))
	}

	badResp, err := http.Get(srv.URL + "/presence?limit=nope")
	if err != nil {
		t.Fatalf("get presence with bad limit: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", badResp.StatusCode)
	}
}

func TestUpEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/up")
	if err != nil {
		t.Fatalf("get up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func signGrant(t *testing.T, key ed25519.PrivateKey, issuer string, audience string, userID string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":     issuer,
		"aud":     audience,
		"exp":     exp.Unix(),
		"user_id": userID,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	return signed
}

func TestGrantAuthenticatedHandshake(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	grants := GrantConfig{
		Issuer:   "duelground-auth",
		Audience: "duelground-duel",
		Key:      public,
	}
	srv := httptest.NewServer(NewHandlerWithGrants(newTestEngine(t), grants))
	t.Cleanup(srv.Close)

	grant := signGrant(t, private, "duelground-auth", "duelground-duel", "user-a", time.Now().Add(time.Hour))

	// Cookie carries the grant.
	conn, err := dialWSErr(srv, "", tokenCookieName+"="+grant)
	if err != nil {
		t.Fatalf("dial with cookie grant: %v", err)
	}
	_ = conn.Close()

	// The token query param works for clients that cannot set cookies.
	conn, err = dialWSErr(srv, "?token="+grant, "")
	if err != nil {
		t.Fatalf("dial with query grant: %v", err)
	}
	_ = conn.Close()

	if _, err := dialWSErr(srv, "", ""); err == nil {
		t.Fatal("expected handshake failure without grant")
	}
	expired := signGrant(t, private, "duelground-auth", "duelground-duel", "user-a", time.Now().Add(-time.Hour))
	if _, err := dialWSErr(srv, "?token="+expired, ""); err == nil {
		t.Fatal("expected handshake failure with expired grant")
	}
	wrongIssuer := signGrant(t, private, "someone-else", "duelground-duel", "user-a", time.Now().Add(time.Hour))
	if _, err := dialWSErr(srv, "?token="+wrongIssuer, ""); err == nil {
		t.Fatal("expected handshake failure with issuer mismatch")
	}
}

func TestValidateAccessGrantClaims(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC)
	cfg := GrantConfig{
		Issuer:   "duelground-auth",
		Audience: "duelground-duel",
		Key:      public,
		Now:      func() time.Time { return now },
	}

	grant := signGrant(t, private, "duelground-auth", "duelground-duel", "user-a", now.Add(time.Hour))
	userID, err := ValidateAccessGrant(grant, cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != "user-a" {
		t.Fatalf("user id = %q, want user-a", userID)
	}

	if _, err := ValidateAccessGrant("", cfg); err == nil {
		t.Fatal("expected error for empty grant")
	}
	if _, err := ValidateAccessGrant("not-a-jwt", cfg); err == nil {
		t.Fatal("expected error for malformed grant")
	}

	missingUser := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": "duelground-auth",
		"aud": "duelground-duel",
		"exp": now.Add(time.Hour).Unix(),
	})
	signed, err := missingUser.SignedString(private)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	if _, err := ValidateAccessGrant(signed, cfg); err == nil {
		t.Fatal("expected error for missing user_id claim")
	}
}

func TestLoadGrantConfigFromEnv(t *testing.T) {
	public, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("DUELGROUND_ACCESS_GRANT_ISSUER", "duelground-auth")
	t.Setenv("DUELGROUND_ACCESS_GRANT_AUDIENCE", "duelground-duel")
	t.Setenv("DUELGROUND_ACCESS_GRANT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(public))

	cfg, err := LoadGrantConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load grant config: %v", err)
	}
	if !cfg.Configured() {
		t.Fatal("expected configured verifier")
	}

	t.Setenv("DUELGROUND_ACCESS_GRANT_PUBLIC_KEY", "short")
	if _, err := LoadGrantConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for invalid public key")
	}
}
