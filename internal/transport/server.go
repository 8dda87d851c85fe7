// Package transport is the external interface of the conversation runtime
// plane (spec.md §6): a WebSocket connect/replay contract plus a small HTTP
// control surface over internal/convmanager.Manager, adapted from
// internal/server.Server's chi-router/middleware structure but pointed at
// the ConversationManager instead of the teacher's session.Service.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/convmanager"
)

// Config mirrors internal/server.Config's shape, trimmed to what this
// transport actually needs.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// SessionAPIKey, when non-empty, is required as the
	// X-Session-Api-Key header (or "Bearer <key>" Authorization header) on
	// every request (spec.md §6 "Configuration surface: SESSION_API_KEY").
	// Empty disables the check, for local development.
	SessionAPIKey string

	// DefaultSettings seeds every conversation this server starts or joins
	// (runtime variant, working directory, MCP servers, default provider,
	// model, and iteration/budget caps); handleConnect copies it per call.
	DefaultSettings convmanager.Settings
}

// DefaultConfig mirrors internal/server.DefaultConfig's values.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: connections are long-lived websockets
	}
}

// Server is the HTTP+WebSocket front end for one convmanager.Manager.
type Server struct {
	cfg     *Config
	mgr     *convmanager.Manager
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger
}

// New builds a Server and wires its routes; call Start to listen.
func New(cfg *Config, mgr *convmanager.Manager, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{cfg: cfg, mgr: mgr, router: r, log: log.With().Str("component", "transport").Logger()}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.log))
	if cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Session-Api-Key"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/conversations/connect", s.handleConnect)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{sid}", s.handleGetConversation)
		r.Delete("/conversations/{sid}", s.handleCloseConversation)
	})

	return s
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

// Start listens and blocks until Shutdown or a fatal error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("transport: listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("transport: request")
		})
	}
}

// authenticate enforces spec.md §6's "authenticates via cookie or
// Authorization header; refuses on bad key" handshake rule. A blank
// SessionAPIKey disables the check.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SessionAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-Session-Api-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key == "" {
			key = r.URL.Query().Get("session_api_key")
		}
		if key != s.cfg.SessionAPIKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
