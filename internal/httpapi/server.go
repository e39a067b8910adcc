// Package httpapi exposes the relay over HTTP: the WebSocket endpoint the
// master, viewer, and control pages connect to, the JSON monitoring and
// session APIs, the speech token exchange, and the login gate.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avrillon/liveterp/internal/auth"
	"github.com/avrillon/liveterp/internal/health"
	"github.com/avrillon/liveterp/internal/hub"
	"github.com/avrillon/liveterp/internal/observe"
	"github.com/avrillon/liveterp/internal/speech"
	"github.com/avrillon/liveterp/internal/store"
)

// TokenFetcher is the part of [speech.Provider] the server needs. Nil when no
// speech credentials are configured.
type TokenFetcher interface {
	Fetch(ctx context.Context) (speech.Token, error)
}

// Config holds the dependencies for a [Server].
type Config struct {
	Hub   *hub.Hub
	Store store.Store // nil disables the conversation endpoints
	Auth  *auth.Manager
	Token TokenFetcher // nil makes /api/get-token report an error

	// SendQueueSize is the per-connection outbound frame queue.
	SendQueueSize int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server routes HTTP traffic to the hub and its satellite services.
type Server struct {
	hub       *hub.Hub
	store     store.Store
	auth      *auth.Manager
	token     TokenFetcher
	queueSize int
	log       *slog.Logger
	metrics   *observe.Metrics
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Server{
		hub:       cfg.Hub,
		store:     cfg.Store,
		auth:      cfg.Auth,
		token:     cfg.Token,
		queueSize: queueSize,
		log:       log,
		metrics:   metrics,
	}
}

// Routes returns the full handler tree, wrapped in the observability
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/socket-count", s.handleSocketCount)
	mux.HandleFunc("GET /api/socket-stats", s.handleSocketStats)
	mux.HandleFunc("POST /api/sync-socket-count", s.handleSyncSocketCount)

	mux.HandleFunc("GET /api/get-token", s.handleGetToken)

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.Handle("GET /api/conversations", s.auth.Require(http.HandlerFunc(s.handleListConversations)))
	mux.Handle("POST /api/conversations", s.auth.Require(http.HandlerFunc(s.handleNewConversation)))
	mux.Handle("GET /api/conversations/{id}/messages", s.auth.Require(http.HandlerFunc(s.handleConversationMessages)))

	checkers := []health.Checker{}
	if s.store != nil {
		checkers = append(checkers, health.StoreChecker(s.store))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

// handleWS upgrades the request and runs the connection's read and write
// pumps until the peer goes away. The role comes from the explicit ?role=
// query parameter; unmodified legacy pages are still classified through the
// Referer header.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The relay serves same-origin pages only; cross-origin checks stay
		// on their defaults.
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	roleHint := r.URL.Query().Get("role")
	if roleHint == "" {
		roleHint = r.Header.Get("Referer")
	}

	id := uuid.NewString()
	client := newWSClient(conn, s.queueSize, s.log, s.metrics)

	ctx := r.Context()
	s.hub.Connect(ctx, id, roleHint, client)
	defer func() {
		// The request context is already cancelled at this point; the
		// disconnect bookkeeping must still run.
		s.hub.Disconnect(context.WithoutCancel(ctx), id)
		client.shutdown(websocket.StatusNormalClosure, "")
	}()

	go client.writePump(ctx)
	client.readPump(ctx, s.hub, id)
}

// ─── Monitoring ──────────────────────────────────────────────────────────────

func (s *Server) handleSocketCount(w http.ResponseWriter, _ *http.Request) {
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_sockets": stats.TotalConnected,
		"timestamp":         stats.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleSocketStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// handleSyncSocketCount recomputes the viewer count from the live connection
// set, correcting any drift, and returns the corrected statistics.
func (s *Server) handleSyncSocketCount(w http.ResponseWriter, r *http.Request) {
	corrected := s.hub.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"synced_viewer_count": corrected,
		"statistics":          s.hub.Stats(),
	})
}

// ─── Speech token ────────────────────────────────────────────────────────────

// handleGetToken exchanges the server-held subscription key for a short-lived
// token the master page hands to the speech SDK. Failures come back as 200
// with an error field, matching what the master page expects.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	if s.token == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"error": "speech credentials are not configured",
		})
		return
	}
	tok, err := s.token.Fetch(r.Context())
	if err != nil {
		s.log.Error("speech token fetch failed", "err", err)
		writeJSON(w, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed form"})
		return
	}
	err := s.auth.Login(w, r.PostFormValue("password"))
	if errors.Is(err, auth.ErrBadPassword) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "wrong password"})
		return
	}
	if err != nil {
		s.log.Error("login failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "login failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.auth.Logout(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ─── Conversations ───────────────────────────────────────────────────────────

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no storage configured"})
		return
	}
	convs, err := s.store.Conversations(r.Context())
	if err != nil {
		s.log.Error("list conversations failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": conversationsJSON(convs),
		"current_id":    s.hub.SessionID(),
	})
}

// handleNewConversation opens a fresh session: new conversation in the store,
// cleared history, clear_screen broadcast to every connected client.
func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.hub.StartNewSession(r.Context())
	if err != nil {
		s.log.Error("start new session failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not start a new session"})
		return
	}
	writeJSON(w, http.StatusCreated, conversationJSON(conv))
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no storage configured"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid conversation id"})
		return
	}
	msgs, err := s.store.MessagesByConversation(r.Context(), id)
	if err != nil {
		s.log.Error("load messages failed", "conversation_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(msgs)})
}

// ─── JSON shapes ─────────────────────────────────────────────────────────────

type conversationResponse struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func conversationJSON(c store.Conversation) conversationResponse {
	return conversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func conversationsJSON(convs []store.Conversation) []conversationResponse {
	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON(c))
	}
	return out
}

type messageResponse struct {
	SourceText     string `json:"fr"`
	TargetText     string `json:"es"`
	SourceLanguage string `json:"source_language"`
	Timestamp      string `json:"timestamp"`
}

func messagesJSON(msgs []store.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			SourceText:     m.SourceText,
			TargetText:     m.TargetText,
			SourceLanguage: m.SourceLanguage,
			Timestamp:      m.Timestamp.Format(time.RFC3339),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
