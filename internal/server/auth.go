package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"calagg/internal/models"
	"calagg/internal/oauth"
	"calagg/internal/store"
)

// pathProvider returns the provider path value, writing a 404 when it is
// unknown.
func pathProvider(w http.ResponseWriter, r *http.Request) (models.Provider, bool) {
	p := models.Provider(r.PathValue("provider"))
	if !p.Valid() {
		writeError(w, http.StatusNotFound, "Unknown provider")
		return "", false
	}
	return p, true
}

// redirectURL is the callback URL registered with the provider.
func (s *Server) redirectURL(r *http.Request, p models.Provider) string {
	return s.resolveBaseURL(r) + "/auth/" + string(p) + "/callback"
}

// resolveBaseURL prefers the base_url setting, then the configured base
// URL, then the request's forwarded scheme and host.
func (s *Server) resolveBaseURL(r *http.Request) string {
	if v, err := s.deps.Store.GetSetting(r.Context(), store.SettingBaseURL); err == nil &&
		v != "" && v != store.DefaultSettings[store.SettingBaseURL] {
		return strings.TrimRight(v, "/")
	}
	if s.baseURL != "" {
		return s.baseURL
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "https"
	}
	return proto + "://" + r.Host
}

func redirectWith(w http.ResponseWriter, r *http.Request, target, key, msg string) {
	http.Redirect(w, r, target+"?"+key+"="+url.QueryEscape(msg), http.StatusFound)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	p, ok := pathProvider(w, r)
	if !ok {
		return
	}
	user := currentUser(r)
	state := oauth.EncodeState(s.deps.States, &user.ID, r.URL.Query().Get("return"))

	authURL, err := s.deps.OAuth.AuthURL(r.Context(), p, s.redirectURL(r, p), state)
	if err != nil {
		redirectWith(w, r, "/settings", "error", fmt.Sprintf("%s OAuth not configured", p.DisplayName()))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the connect flow. Every outcome is reported as a
// message on the return page.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := pathProvider(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userID, returnPath, err := oauth.DecodeState(s.deps.States, q.Get("state"))
	target := oauth.ReturnURL(returnPath)
	name := p.DisplayName()
	if err != nil {
		s.logger.Warn().Str("provider", string(p)).Msg("Rejected OAuth callback with an invalid state.")
		redirectWith(w, r, target, "error", fmt.Sprintf("%s auth failed: invalid state", name))
		return
	}

	if e := q.Get("error"); e != "" {
		if d := q.Get("error_description"); d != "" {
			e = d
		}
		redirectWith(w, r, target, "error", fmt.Sprintf("%s auth failed: %s", name, e))
		return
	}
	code := q.Get("code")
	if code == "" {
		redirectWith(w, r, target, "error", "No authorization code received")
		return
	}

	if _, err := s.deps.OAuth.Exchange(r.Context(), p, code, s.redirectURL(r, p), userID); err != nil {
		s.logger.Warn().Err(err).Str("provider", string(p)).Msg("OAuth code exchange failed.")
		redirectWith(w, r, target, "error", fmt.Sprintf("Failed to connect %s: %v", name, err))
		return
	}
	redirectWith(w, r, target, "message", fmt.Sprintf("%s account connected successfully", name))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := pathProvider(w, r)
	if !ok {
		return
	}
	user := currentUser(r)
	if err := s.deps.OAuth.Disconnect(r.Context(), p, &user.ID); err != nil {
		s.logger.Error().Err(err).Str("provider", string(p)).Msg("Failed to disconnect account.")
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("%s account disconnected", p.DisplayName())})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request) {
	p, ok := pathProvider(w, r)
	if !ok {
		return
	}
	lister := s.deps.Calendars[p]
	if lister == nil {
		writeError(w, http.StatusNotFound, "Unknown provider")
		return
	}
	user := currentUser(r)
	token, err := s.deps.OAuth.AccessToken(r.Context(), p, &user.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s not connected", p.DisplayName()))
		return
	}
	calendars, err := lister.ListCalendars(r.Context(), token)
	if err != nil {
		s.logger.Error().Err(err).Str("provider", string(p)).Msg("Failed to list calendars.")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if calendars == nil {
		calendars = []models.Calendar{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleRegenerateFeedToken(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	token, err := s.deps.Store.RegenerateFeedToken(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to regenerate feed token.")
		writeError(w, http.StatusInternalServerError, "failed to regenerate feed token")
		return
	}
	s.logger.Info().Str("user", user.Username).Msg("Regenerated feed token.")
	writeJSON(w, http.StatusOK, map[string]string{
		"feed_token": token,
		"feed_url":   s.resolveBaseURL(r) + "/feed/" + token + "/calendar.ics",
	})
}
