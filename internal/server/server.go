// Package server exposes the HTTP surface: token issuance, account creation,
// health endpoints, Prometheus metrics and the websocket upgrade that hands
// authenticated sockets to the hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/auth"
	"github.com/suspiciousleaf/chat-app/internal/hub"
	"github.com/suspiciousleaf/chat-app/internal/monitoring"
	"github.com/suspiciousleaf/chat-app/internal/store"
)

// Store is the persistence surface the HTTP layer needs on top of what the
// hub already uses.
type Store interface {
	hub.Store
	Credentials(ctx context.Context, username string) (store.Credentials, error)
	CreateAccount(ctx context.Context, username, password string) error
	Health(ctx context.Context) (bool, string)
}

// Options for the HTTP server.
type Options struct {
	Addr           string
	MaxConnections int
}

// Server wires the router, the hub and the store together.
type Server struct {
	logger zerolog.Logger
	store  Store
	hub    *hub.Hub
	jwt    *auth.JWTManager
	opts   Options

	httpServer *http.Server
	// Bounds concurrent websocket sessions.
	connSem chan struct{}
}

// New builds the server and its router.
func New(st Store, h *hub.Hub, jwt *auth.JWTManager, logger zerolog.Logger, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 5000
	}
	s := &Server{
		logger:  logger,
		store:   st,
		hub:     h,
		jwt:     jwt,
		opts:    opts,
		connSem: make(chan struct{}, opts.MaxConnections),
	}
	s.httpServer = &http.Server{
		Addr:           opts.Addr,
		Handler:        s.Router(),
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Router assembles the HTTP routes. Exposed separately so tests can mount it
// on httptest.Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/ping", s.handlePing)
	r.Post("/auth/token", s.handleToken)
	r.Post("/create_account", s.handleCreateAccount)
	r.Method(http.MethodGet, "/metrics", monitoring.MetricsHandler())
	r.Get("/ws", s.handleWebSocket)

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, closes every live websocket and
// flushes the message cache.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.store.Health(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"service":  "chat-app",
		"database": detail,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleToken issues a bearer token for valid form-encoded credentials.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form data")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	creds, err := s.store.Credentials(r.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Credentials lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if creds.Disabled || !auth.CheckPassword(password, creds.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	token, err := s.jwt.Generate(username)
	if err != nil {
		s.logger.Error().Err(err).Msg("Token generation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	err := s.store.CreateAccount(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, store.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "username already exists")
	case err != nil:
		s.logger.Error().Err(err).Msg("Account creation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
	}
}

// handleWebSocket authenticates the bearer token, upgrades the socket and
// runs the connection until it drops. Authentication failures after the
// upgrade close with a policy-violation status so clients can tell a bad
// token from a network error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.connSem <- struct{}{}:
	default:
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.connSem }()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	username, err := s.authenticate(r)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket authentication failed")
		rejectSocket(conn, "authentication failed")
		return
	}

	c, err := s.hub.Register(r.Context(), username, conn)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Str("username", username).Msg("Connection registration failed")
		rejectSocket(conn, "registration failed")
		return
	}

	s.hub.Serve(c)
}

// authenticate extracts and verifies the bearer token, then confirms the
// account still exists and is not disabled.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token, err := auth.BearerFromRequest(r)
	if err != nil {
		return "", err
	}
	username, err := s.jwt.Verify(token)
	if err != nil {
		return "", err
	}
	creds, err := s.store.Credentials(r.Context(), username)
	if err != nil {
		return "", err
	}
	if creds.Disabled {
		return "", errors.New("account disabled")
	}
	return username, nil
}

// rejectSocket closes a just-upgraded socket with a policy violation.
func rejectSocket(conn net.Conn, reason string) {
	_ = wsutil.WriteServerMessage(conn, ws.OpClose,
		ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
	_ = conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
