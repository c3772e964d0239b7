package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/dispatch/server/api"
)

// claims is the JWT payload: the standard claims plus the caller's role.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// signToken issues an HS256 token for subject with the given role.
func signToken(secret, subject, role string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// verifyToken validates a token and returns the identity it carries. Only
// HS256 is accepted and the expiry claim is mandatory.
func verifyToken(secret, raw string) (api.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return api.Identity{}, err
	}
	if c.Subject == "" {
		return api.Identity{}, errors.New("token has no subject")
	}
	switch c.Role {
	case api.RoleAdmin, api.RoleWorker:
	default:
		return api.Identity{}, fmt.Errorf("unknown role %q", c.Role)
	}
	return api.Identity{Subject: c.Subject, Role: c.Role}, nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
		s.logger.Warn("auth.jwt_secret not set, tokens will not survive a restart")
	})
	return s.generatedSecret
}

func (s *Server) tokenTTL() time.Duration {
	if ttl := s.cfg.Auth.TokenTTL.D(); ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the body returned when a token is issued.
type tokenResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleLogin checks the admin credentials against the configured bcrypt
// hash and issues an admin token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hash := s.cfg.Auth.AdminPass
	if hash == "" || req.Username != s.cfg.Auth.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.issue(w, req.Username, api.RoleAdmin, s.tokenTTL())
}

// mintRequest is the body accepted by POST /api/auth/tokens.
type mintRequest struct {
	Worker     string `json:"worker"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// handleMintToken lets an admin issue a worker token.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	id, _ := api.IdentityFrom(r.Context())
	if id.Role != api.RoleAdmin {
		writeJSONError(w, http.StatusForbidden, "minting tokens requires an admin token")
		return
	}
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	worker := strings.TrimSpace(req.Worker)
	if worker == "" {
		writeJSONError(w, http.StatusBadRequest, "worker is required")
		return
	}
	ttl := s.tokenTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	s.issue(w, worker, api.RoleWorker, ttl)
}

func (s *Server) issue(w http.ResponseWriter, subject, role string, ttl time.Duration) {
	token, exp, err := signToken(s.jwtSecret(), subject, role, ttl)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Subject: subject, Role: role, ExpiresAt: exp})
}

// handleMe returns the currently authenticated identity.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := api.IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, id)
}

// authMiddleware enforces JWT authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		id, err := verifyToken(s.jwtSecret(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(api.WithIdentity(r.Context(), id)))
	})
}
