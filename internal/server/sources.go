package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"calagg/internal/caldav"
	"calagg/internal/google"
	"calagg/internal/models"
	"calagg/internal/store"
	"calagg/internal/syncer"
)

type sourceRequest struct {
	Name       string            `json:"name" validate:"required,max=200"`
	Kind       models.SourceKind `json:"kind" validate:"required,oneof=google_calendar outlook_oauth caldav outlook icloud ics_feed"`
	URL        string            `json:"url" validate:"omitempty,max=2048"`
	Username   string            `json:"username" validate:"max=320"`
	Password   string            `json:"password" validate:"max=1024"`
	CalendarID string            `json:"calendar_id" validate:"max=1024"`
	Masking    bool              `json:"masking"`
	Enabled    *bool             `json:"enabled"`
}

type sourceResponse struct {
	ID             int64             `json:"id"`
	UserID         *int64            `json:"user_id"`
	Name           string            `json:"name"`
	Kind           models.SourceKind `json:"kind"`
	URL            string            `json:"url"`
	Username       string            `json:"username"`
	HasPassword    bool              `json:"has_password"`
	CalendarID     string            `json:"calendar_id"`
	Masking        bool              `json:"masking"`
	Enabled        bool              `json:"enabled"`
	LastSyncAt     *time.Time        `json:"last_sync_at"`
	LastSyncStatus models.SyncStatus `json:"last_sync_status"`
	LastSyncError  string            `json:"last_sync_error"`
	EventCount     int               `json:"event_count"`
}

func toSourceResponse(src *models.Source, events int) sourceResponse {
	return sourceResponse{
		ID:             src.ID,
		UserID:         src.UserID,
		Name:           src.Name,
		Kind:           src.Kind,
		URL:            src.URL,
		Username:       src.Username,
		HasPassword:    src.Password != "",
		CalendarID:     src.CalendarID,
		Masking:        src.Masking,
		Enabled:        src.Enabled,
		LastSyncAt:     src.LastSyncAt,
		LastSyncStatus: src.LastSyncStatus,
		LastSyncError:  src.LastSyncError,
		EventCount:     events,
	}
}

// defaultCalendarID fills in the provider default for OAuth sources.
func defaultCalendarID(kind models.SourceKind, id string) string {
	if id == "" && kind == models.KindGoogle {
		return google.DefaultCalendarID
	}
	return id
}

// loadSource returns the source named by the id path value when the caller
// may access it. Admins may access every source.
func (s *Server) loadSource(w http.ResponseWriter, r *http.Request) (*models.Source, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return nil, false
	}
	src, err := s.deps.Store.GetSource(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Source not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("sourceID", id).Msg("Failed to load source.")
		writeError(w, http.StatusInternalServerError, "failed to load source")
		return nil, false
	}
	user := currentUser(r)
	if !user.IsAdmin && (src.UserID == nil || *src.UserID != user.ID) {
		writeError(w, http.StatusNotFound, "Source not found")
		return nil, false
	}
	return src, true
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := currentUser(r)
	scope := &user.ID
	if user.IsAdmin && r.URL.Query().Get("all") == "1" {
		scope = nil
	}

	sources, err := s.deps.Store.ListSources(ctx, scope)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sources.")
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		n, err := s.deps.Store.CountEvents(ctx, src.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("sourceID", src.ID).Msg("Failed to count events.")
		}
		out = append(out, toSourceResponse(src, n))
	}
	writeJSON(w, http.StatusOK, out)
}

type createSourceResponse struct {
	Source sourceResponse `json:"source"`
	Sync   syncer.Result  `json:"sync"`
}

// handleCreateSource stores a new source for the caller and syncs it
// immediately.
func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sourceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := currentUser(r)
	src := &models.Source{
		UserID:     &user.ID,
		Name:       req.Name,
		Kind:       req.Kind,
		URL:        req.URL,
		Username:   req.Username,
		Password:   req.Password,
		CalendarID: defaultCalendarID(req.Kind, req.CalendarID),
		Masking:    req.Masking,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if err := s.deps.Store.CreateSource(ctx, src); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create source.")
		writeError(w, http.StatusInternalServerError, "failed to create source")
		return
	}
	s.logger.Info().Str("user", user.Username).Str("source", src.Name).Str("kind", string(src.Kind)).Msg("Added calendar source.")

	result := s.deps.Syncer.SyncOne(ctx, src)
	if fresh, err := s.deps.Store.GetSource(ctx, src.ID); err == nil {
		src = fresh
	}
	writeJSON(w, http.StatusCreated, createSourceResponse{
		Source: toSourceResponse(src, result.Events),
		Sync:   result,
	})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.loadSource(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Store.CountEvents(r.Context(), src.ID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("sourceID", src.ID).Msg("Failed to count events.")
	}
	writeJSON(w, http.StatusOK, toSourceResponse(src, n))
}

// handleUpdateSource replaces the configuration of a source. An empty
// password keeps the stored one.
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.loadSource(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src.Name = req.Name
	src.Kind = req.Kind
	src.URL = req.URL
	src.Username = req.Username
	if req.Password != "" {
		src.Password = req.Password
	}
	src.CalendarID = defaultCalendarID(req.Kind, req.CalendarID)
	src.Masking = req.Masking
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}

	if err := s.deps.Store.UpdateSource(r.Context(), src); err != nil {
		s.logger.Error().Err(err).Int64("sourceID", src.ID).Msg("Failed to update source.")
		writeError(w, http.StatusInternalServerError, "failed to update source")
		return
	}
	n, _ := s.deps.Store.CountEvents(r.Context(), src.ID)
	writeJSON(w, http.StatusOK, toSourceResponse(src, n))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.loadSource(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteSource(r.Context(), src.ID); err != nil {
		s.logger.Error().Err(err).Int64("sourceID", src.ID).Msg("Failed to delete source.")
		writeError(w, http.StatusInternalServerError, "failed to delete source")
		return
	}
	s.logger.Info().Str("source", src.Name).Msg("Deleted calendar source.")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.loadSource(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Syncer.SyncOne(r.Context(), src))
}

type testSourceRequest struct {
	Kind     models.SourceKind `json:"kind" validate:"required,oneof=caldav outlook icloud"`
	URL      string            `json:"url" validate:"omitempty,max=2048"`
	Username string            `json:"username" validate:"required,max=320"`
	Password string            `json:"password" validate:"max=1024"`
}

// handleTestSource checks CalDAV credentials without storing them.
func (s *Server) handleTestSource(w http.ResponseWriter, r *http.Request) {
	var req testSourceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deps.CalDAV.Check(r.Context(), caldav.Account{
		Kind:     req.Kind,
		URL:      req.URL,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "calendars": n})
}
