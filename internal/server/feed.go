package server

import (
	"errors"
	"fmt"
	"net/http"

	"calagg/internal/store"
	"calagg/internal/syncer"
)

// handleFeed serves the aggregated calendar of the user owning the feed
// token. The legacy global token serves every enabled source.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := r.PathValue("token")

	var userID *int64
	user, err := s.deps.Store.GetUserByFeedToken(ctx, token)
	switch {
	case err == nil:
		userID = &user.ID
	case errors.Is(err, store.ErrNotFound):
		legacy, err := s.deps.Store.GetSetting(ctx, store.SettingLegacyFeedToken)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to read legacy feed token.")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if legacy == "" || !secureCompare(token, legacy) {
			writeError(w, http.StatusForbidden, "Invalid feed token")
			return
		}
	default:
		s.logger.Error().Err(err).Msg("Failed to resolve feed token.")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data, err := s.deps.Feeds.ICS(ctx, userID, true)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render feed.")
		writeError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=calendar.ics")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	upcoming := r.URL.Query().Get("upcoming")
	items, err := s.deps.Feeds.Events(r.Context(), &user.ID, true, upcoming == "1" || upcoming == "true")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list events.")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type syncResponse struct {
	Success int                      `json:"success"`
	Failed  int                      `json:"failed"`
	Message string                   `json:"message"`
	Results map[string]syncer.Result `json:"results"`
}

// handleSyncAll syncs the caller's sources, or every source for an admin.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var scope *int64
	if !user.IsAdmin {
		scope = &user.ID
	}

	results, err := s.deps.Syncer.SyncAll(r.Context(), scope)
	if err != nil {
		s.logger.Error().Err(err).Msg("Manual sync failed.")
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	ok, failed := syncer.Summarize(results)
	s.logger.Info().Str("user", user.Username).Int("success", ok).Int("failed", failed).Msg("Manual sync finished.")
	writeJSON(w, http.StatusOK, syncResponse{
		Success: ok,
		Failed:  failed,
		Message: fmt.Sprintf("Synced %d/%d sources", ok, len(results)),
		Results: results,
	})
}
