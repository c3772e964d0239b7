package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/config"
	"github.com/GoCodeAlone/dispatch/engine"
	"github.com/GoCodeAlone/dispatch/metrics"
	"github.com/GoCodeAlone/dispatch/server/api"
	"github.com/GoCodeAlone/dispatch/task"
)

const testSecret = "test-secret-key-1234567890"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: testSecret,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := comms.NewInMemoryBus()
	eng := engine.New(engine.Deps{Tasks: task.NewMemoryStore(), Events: bus, Logger: logger}, engine.DefaultOptions())

	s := New(cfg, "test", logger)
	s.SetEngine(eng)
	s.SetBus(bus)
	s.SetMetrics(metrics.NewCollector(nil))
	return s
}

func serve(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	rr := serve(s, http.MethodPost, "/api/auth/login", "", `{"username":"admin","password":"secret"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	var resp tokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestSignAndVerifyToken(t *testing.T) {
	token, exp, err := signToken(testSecret, "alice", api.RoleWorker, time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v is in the past", exp)
	}
	id, err := verifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if id.Subject != "alice" || id.Role != api.RoleWorker {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyToken_Rejects(t *testing.T) {
	expired, _, err := signToken(testSecret, "alice", api.RoleWorker, -time.Hour)
	if err != nil {
		t.Fatalf("signToken: %v", err)
	}
	if _, err := verifyToken(testSecret, expired); err == nil {
		t.Error("expected error for expired token")
	}

	valid, _, _ := signToken("correct-secret", "alice", api.RoleWorker, time.Hour)
	if _, err := verifyToken("wrong-secret", valid); err == nil {
		t.Error("expected error for wrong secret")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:             api.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root"},
	})
	raw, _ := noExp.SignedString([]byte(testSecret))
	if _, err := verifyToken(testSecret, raw); err == nil {
		t.Error("expected error for token without expiry")
	}

	badRole, _, _ := signToken(testSecret, "alice", "superuser", time.Hour)
	if _, err := verifyToken(testSecret, badRole); err == nil {
		t.Error("expected error for unknown role")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		Role: api.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "root",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := verifyToken(testSecret, unsigned); err == nil {
		t.Error("expected error for unsigned token")
	}
}

func TestHandleLogin(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)
	id, err := verifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("verify login token: %v", err)
	}
	if id.Role != api.RoleAdmin || id.Subject != "admin" {
		t.Errorf("identity = %+v", id)
	}

	rr := serve(s, http.MethodPost, "/api/auth/login", "", `{"username":"admin","password":"wrong"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)

	if rr := serve(s, http.MethodGet, "/api/tasks", "", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rr.Code)
	}
	if rr := serve(s, http.MethodGet, "/api/tasks", "garbage", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", rr.Code)
	}
	if rr := serve(s, http.MethodGet, "/api/status", "", ""); rr.Code != http.StatusOK {
		t.Errorf("status is public: got %d", rr.Code)
	}

	token := login(t, s)
	rr := serve(s, http.MethodGet, "/api/auth/me", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d", rr.Code)
	}
	var id api.Identity
	_ = json.NewDecoder(rr.Body).Decode(&id)
	if id.Subject != "admin" {
		t.Errorf("me = %+v", id)
	}
}

func TestMintWorkerToken(t *testing.T) {
	s := newTestServer(t)
	adminToken := login(t, s)

	rr := serve(s, http.MethodPost, "/api/auth/tokens", adminToken, `{"worker":"builder-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("mint: %d %s", rr.Code, rr.Body.String())
	}
	var minted tokenResponse
	_ = json.NewDecoder(rr.Body).Decode(&minted)
	if minted.Role != api.RoleWorker || minted.Subject != "builder-1" {
		t.Fatalf("minted = %+v", minted)
	}

	// Worker tokens cannot mint further tokens.
	if rr := serve(s, http.MethodPost, "/api/auth/tokens", minted.Token, `{"worker":"other"}`); rr.Code != http.StatusForbidden {
		t.Errorf("worker mint: expected 403, got %d", rr.Code)
	}

	// The worker acts as itself.
	rr = serve(s, http.MethodPost, "/api/workers", minted.Token, `{"capabilities":["go"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"id":"builder-1"`) {
		t.Errorf("register body = %s", rr.Body.String())
	}
}

func TestEventsRequireToken(t *testing.T) {
	s := newTestServer(t)
	if rr := serve(s, http.MethodGet, "/events", "", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := serve(s, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
}
