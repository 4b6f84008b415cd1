// Package server receives the OAuth user-authorization redirect and
// exposes the linked accounts.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ErrNotApproved is passed to Linker.Denied when the user declined access.
var ErrNotApproved = errors.New("user did not approve access")

// Callback is what the provider appends to the callback URL.
type Callback struct {
	Token    string
	Verifier string
	UID      string
}

// Linker performs the account-linking side of the handshake.
type Linker interface {
	// Start begins a handshake and returns the authorization URL.
	Start(ctx context.Context) (string, error)
	// Authorized completes the handshake and returns the linked user id.
	Authorized(ctx context.Context, cb Callback) (string, error)
	Denied(err error)
	Accounts() []string
	Unlink(userID string) error
}

type Server struct {
	linker   Linker
	adminKey string
	router   *mux.Router
	logger   zerolog.Logger
}

type Option func(*Server)

// WithAdminKey enables the account routes. Without a key they answer 500.
func WithAdminKey(key string) Option {
	return func(s *Server) { s.adminKey = key }
}

func New(logger zerolog.Logger, linker Linker, opts ...Option) *Server {
	s := &Server{
		linker: linker,
		router: mux.NewRouter(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/oauth/start", s.startHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/oauth/callback", s.callbackHandler).Methods(http.MethodGet)

	accounts := s.router.PathPrefix("/accounts").Subrouter()
	accounts.Use(s.adminMiddleware)
	accounts.HandleFunc("", s.accountsHandler).Methods(http.MethodGet)
	accounts.HandleFunc("/{id}", s.unlinkHandler).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.router).ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

// adminMiddleware accepts the admin key as "Authorization: Bearer <key>" or
// "X-API-Key: <key>".
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			s.logger.Error().Msg("Admin API key not configured")
			http.Error(w, "Admin API not configured", http.StatusInternalServerError)
			return
		}

		provided := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			scheme, token, ok := strings.Cut(auth, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			provided = token
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminKey)) != 1 {
			s.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Unauthorized admin request")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.linker.Start(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to start OAuth handshake")
		http.Error(w, "Failed to start authorization", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("not_approved") == "true" {
		s.logger.Warn().Msg("⚠️  User declined authorization")
		s.linker.Denied(ErrNotApproved)
		s.page(w, http.StatusForbidden, "Authorization declined", "You can close this window.")
		return
	}

	cb := Callback{
		Token:    q.Get("oauth_token"),
		Verifier: q.Get("oauth_verifier"),
		UID:      q.Get("uid"),
	}
	if cb.Token == "" {
		http.Error(w, "Missing oauth_token", http.StatusBadRequest)
		return
	}

	userID, err := s.linker.Authorized(r.Context(), cb)
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to complete OAuth handshake")
		s.linker.Denied(err)
		s.page(w, http.StatusBadGateway, "Linking failed", err.Error())
		return
	}

	s.logger.Info().Str("user_id", userID).Msg("✅ Account linked")
	s.page(w, http.StatusOK, "Account linked", fmt.Sprintf("Dropbox account %s is linked. You can close this window.", userID))
}

func (s *Server) accountsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Accounts []string `json:"accounts"`
	}{Accounts: s.linker.Accounts()}
	if resp.Accounts == nil {
		resp.Accounts = []string{}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode accounts response")
	}
}

func (s *Server) unlinkHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.linker.Unlink(id); err != nil {
		s.logger.Error().Err(err).Str("user_id", id).Msg("Failed to unlink account")
		http.Error(w, "Failed to unlink account", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

func (s *Server) page(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><title>%s</title><h1>%s</h1><p>%s</p>\n",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}
