// Package server exposes the feed, the JSON API and the OAuth connect flow
// over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"calagg/internal/caldav"
	"calagg/internal/feed"
	"calagg/internal/metrics"
	"calagg/internal/models"
	"calagg/internal/oauth"
	"calagg/internal/syncer"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Store is the persistence the HTTP surface needs.
type Store interface {
	HealthCheck(ctx context.Context) error

	GetUserByAPIToken(ctx context.Context, token string) (*models.User, error)
	GetUserByFeedToken(ctx context.Context, token string) (*models.User, error)
	RegenerateFeedToken(ctx context.Context, id int64) (string, error)

	CreateSource(ctx context.Context, src *models.Source) error
	UpdateSource(ctx context.Context, src *models.Source) error
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	ListSources(ctx context.Context, userID *int64) ([]*models.Source, error)
	DeleteSource(ctx context.Context, id int64) error
	CountEvents(ctx context.Context, sourceID int64) (int, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	Settings(ctx context.Context) (map[string]string, error)

	GetOAuthClient(ctx context.Context, provider models.Provider) (*models.OAuthClient, error)
	SaveOAuthClient(ctx context.Context, c *models.OAuthClient) error
}

// Syncer runs source syncs on demand.
type Syncer interface {
	SyncOne(ctx context.Context, src *models.Source) syncer.Result
	SyncAll(ctx context.Context, userID *int64) (map[string]syncer.Result, error)
}

// Feeds renders stored events.
type Feeds interface {
	ICS(ctx context.Context, userID *int64, mask bool) ([]byte, error)
	Events(ctx context.Context, userID *int64, mask, upcomingOnly bool) ([]feed.Item, error)
}

// OAuth runs the provider connect flow.
type OAuth interface {
	AuthURL(ctx context.Context, provider models.Provider, redirectURL, state string) (string, error)
	Exchange(ctx context.Context, provider models.Provider, code, redirectURL string, userID *int64) (*models.OAuthToken, error)
	AccessToken(ctx context.Context, provider models.Provider, userID *int64) (string, error)
	Disconnect(ctx context.Context, provider models.Provider, userID *int64) error
}

// CalendarLister lists the calendars of a provider account.
type CalendarLister interface {
	ListCalendars(ctx context.Context, accessToken string) ([]models.Calendar, error)
}

// ConnectionChecker tests CalDAV credentials.
type ConnectionChecker interface {
	Check(ctx context.Context, account caldav.Account) (int, error)
}

// Scheduler is the runtime-adjustable sync timer.
type Scheduler interface {
	Reconfigure(ctx context.Context, minutes int) (int, error)
	Interval() int
	NextRun() time.Time
}

// Deps are the collaborators of the server.
type Deps struct {
	Store     Store
	Syncer    Syncer
	Feeds     Feeds
	OAuth     OAuth
	States    oauth.Signer
	Calendars map[models.Provider]CalendarLister
	CalDAV    ConnectionChecker
	Scheduler Scheduler
	Metrics   *metrics.Metrics
}

// Server provides the HTTP API.
type Server struct {
	deps     Deps
	baseURL  string
	logger   zerolog.Logger
	mux      *http.ServeMux
	validate *validator.Validate
}

type ctxKey int

const userKey ctxKey = iota

// New constructs a Server. baseURL, when set, is used to build OAuth
// redirect URLs unless the base_url setting overrides it.
func New(deps Deps, baseURL string, logger zerolog.Logger) *Server {
	s := &Server{
		deps:     deps,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
		mux:      http.NewServeMux(),
		validate: validator.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	s.mux.HandleFunc("GET /feed/{token}/calendar.ics", s.handleFeed)

	s.mux.Handle("GET /api/events", s.requireUser(s.handleEvents))
	s.mux.Handle("POST /api/sync", s.requireUser(s.handleSyncAll))

	s.mux.Handle("GET /api/sources", s.requireUser(s.handleListSources))
	s.mux.Handle("POST /api/sources", s.requireUser(s.handleCreateSource))
	s.mux.Handle("POST /api/sources/test", s.requireUser(s.handleTestSource))
	s.mux.Handle("GET /api/sources/{id}", s.requireUser(s.handleGetSource))
	s.mux.Handle("PUT /api/sources/{id}", s.requireUser(s.handleUpdateSource))
	s.mux.Handle("DELETE /api/sources/{id}", s.requireUser(s.handleDeleteSource))
	s.mux.Handle("POST /api/sources/{id}/sync", s.requireUser(s.handleSyncSource))

	s.mux.Handle("GET /api/calendars/{provider}", s.requireUser(s.handleListCalendars))
	s.mux.Handle("POST /api/profile/feed-token", s.requireUser(s.handleRegenerateFeedToken))

	s.mux.Handle("GET /auth/{provider}/connect", s.requireUser(s.handleConnect))
	s.mux.HandleFunc("GET /auth/{provider}/callback", s.handleCallback)
	s.mux.Handle("POST /auth/{provider}/disconnect", s.requireUser(s.handleDisconnect))

	s.mux.Handle("GET /api/admin/settings", s.requireAdmin(s.handleGetSettings))
	s.mux.Handle("PUT /api/admin/settings", s.requireAdmin(s.handleUpdateSettings))
	s.mux.Handle("PUT /api/admin/oauth/{provider}", s.requireAdmin(s.handleSetOAuthClient))
	s.mux.Handle("GET /api/admin/scheduler", s.requireAdmin(s.handleScheduler))
}

// Handler returns the root handler with request logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.accessLog(s.mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("Starting HTTP server.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("Shutting down HTTP server.")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.HealthCheck(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Health check failed.")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// bearerToken reads the API token from the Authorization header, falling
// back to the access_token query parameter for browser navigations such as
// the OAuth connect link.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		user, err := s.deps.Store.GetUserByAPIToken(r.Context(), token)
		if err != nil || user == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next(w, r)
	})
}

func currentUser(r *http.Request) *models.User {
	u, _ := r.Context().Value(userKey).(*models.User)
	return u
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(started)).
			Msg("Handled request.")
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("Recovered from panic.")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError turns validator output into a short message naming the
// offending fields.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
