package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calagg/internal/models"
	"calagg/internal/scheduler"
	"calagg/internal/store"
)

type settingsRequest struct {
	BaseURL             *string `json:"base_url" validate:"omitempty,url"`
	PublicDomain        *string `json:"public_domain" validate:"omitempty,max=253"`
	AppName             *string `json:"app_name" validate:"omitempty,min=1,max=100"`
	SyncIntervalMinutes *int    `json:"sync_interval_minutes"`
	LogRetentionDays    *int    `json:"log_retention_days" validate:"omitempty,min=1,max=3650"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.Settings(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read settings.")
		writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	delete(settings, store.SettingLegacyFeedToken)
	writeJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings saves the given settings. A changed sync interval is
// clamped and applied to the running scheduler.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req settingsRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := map[string]string{}
	if req.BaseURL != nil {
		updates[store.SettingBaseURL] = strings.TrimRight(*req.BaseURL, "/")
	}
	if req.PublicDomain != nil {
		updates[store.SettingPublicDomain] = strings.TrimRight(*req.PublicDomain, "/")
	}
	if req.AppName != nil {
		updates[store.SettingAppName] = *req.AppName
	}
	if req.LogRetentionDays != nil {
		updates[store.SettingLogRetentionDays] = strconv.Itoa(*req.LogRetentionDays)
	}
	for k, v := range updates {
		if err := s.deps.Store.SetSetting(ctx, k, v); err != nil {
			s.logger.Error().Err(err).Str("key", k).Msg("Failed to save setting.")
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}

	if req.SyncIntervalMinutes != nil {
		if _, err := s.deps.Scheduler.Reconfigure(ctx, *req.SyncIntervalMinutes); err != nil {
			s.logger.Error().Err(err).Msg("Failed to change sync interval.")
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}

	s.logger.Info().Str("user", currentUser(r).Username).Msg("Updated general settings.")
	s.handleGetSettings(w, r)
}

type oauthClientRequest struct {
	ClientID     string  `json:"client_id" validate:"required,max=512"`
	ClientSecret string  `json:"client_secret" validate:"max=1024"`
	TenantID     *string `json:"tenant_id" validate:"omitempty,max=128"`
}

// handleSetOAuthClient saves the application credentials of a provider. An
// empty secret or omitted tenant keeps the stored value.
func (s *Server) handleSetOAuthClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := pathProvider(w, r)
	if !ok {
		return
	}
	var req oauthClientRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := &models.OAuthClient{Provider: p, ClientID: req.ClientID, ClientSecret: req.ClientSecret}
	prev, err := s.deps.Store.GetOAuthClient(ctx, p)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("Failed to load OAuth client.")
		writeError(w, http.StatusInternalServerError, "failed to save OAuth client")
		return
	}
	if prev != nil {
		if client.ClientSecret == "" {
			client.ClientSecret = prev.ClientSecret
		}
		client.TenantID = prev.TenantID
	}
	if req.TenantID != nil {
		client.TenantID = *req.TenantID
	}

	if err := s.deps.Store.SaveOAuthClient(ctx, client); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save OAuth client.")
		writeError(w, http.StatusInternalServerError, "failed to save OAuth client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":   p,
		"configured": client.Configured(),
		"message":    p.DisplayName() + " settings saved",
	})
}

type schedulerResponse struct {
	IntervalMinutes int        `json:"interval_minutes"`
	MinMinutes      int        `json:"min_minutes"`
	MaxMinutes      int        `json:"max_minutes"`
	NextRun         *time.Time `json:"next_run"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	resp := schedulerResponse{
		IntervalMinutes: s.deps.Scheduler.Interval(),
		MinMinutes:      scheduler.MinInterval,
		MaxMinutes:      scheduler.MaxInterval,
	}
	if next := s.deps.Scheduler.NextRun(); !next.IsZero() {
		resp.NextRun = &next
	}
	writeJSON(w, http.StatusOK, resp)
}
