// Package oauth manages the per-user Google and Microsoft OAuth tokens that
// back google_calendar and outlook_oauth sources.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"calagg/internal/google"
	"calagg/internal/models"
	"calagg/internal/outlook"
	"calagg/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	// ReturnSettings and ReturnSourcesAdd are the accepted return targets of
	// the connect flow.
	ReturnSettings   = "settings"
	ReturnSourcesAdd = "sources_add"

	exchangeTimeout = 30 * time.Second
)

// Store persists OAuth clients and tokens.
type Store interface {
	GetOAuthClient(ctx context.Context, provider models.Provider) (*models.OAuthClient, error)
	GetOAuthToken(ctx context.Context, provider models.Provider, userID *int64) (*models.OAuthToken, error)
	SaveOAuthToken(ctx context.Context, t *models.OAuthToken) error
	DeleteOAuthToken(ctx context.Context, provider models.Provider, userID *int64) error
}

// EmailLookup resolves the account address of an access token.
type EmailLookup interface {
	Email(ctx context.Context, accessToken string) (string, error)
}

// Manager runs the authorization code flow and hands out valid access
// tokens, refreshing them when they expire.
type Manager struct {
	store      Store
	logger     zerolog.Logger
	emails     map[models.Provider]EmailLookup
	endpoints  map[models.Provider]oauth2.Endpoint
	httpClient *http.Client
	now        func() time.Time

	// refresh serializes token refreshes so a rotated refresh token is
	// never used twice.
	refresh sync.Mutex
}

// NewManager creates a token manager. emails may be nil.
func NewManager(store Store, logger zerolog.Logger, emails map[models.Provider]EmailLookup) *Manager {
	return &Manager{
		store:      store,
		logger:     logger,
		emails:     emails,
		httpClient: &http.Client{Timeout: exchangeTimeout},
		now:        time.Now,
	}
}

func notConfigured(p models.Provider) error {
	return models.NewConfigurationError(fmt.Sprintf("%s OAuth is not configured.", p.DisplayName()))
}

// config builds the oauth2 configuration of provider from the stored client.
func (m *Manager) config(ctx context.Context, provider models.Provider, redirectURL string) (*oauth2.Config, error) {
	if !provider.Valid() {
		return nil, models.NewConfigurationError(fmt.Sprintf("Unknown provider: %s", provider))
	}
	client, err := m.store.GetOAuthClient(ctx, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notConfigured(provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth client: %w", err)
	}
	if !client.Configured() {
		return nil, notConfigured(provider)
	}

	var cfg *oauth2.Config
	switch provider {
	case models.ProviderGoogle:
		cfg = google.OAuthConfig(client.ClientID, client.ClientSecret, redirectURL)
	case models.ProviderOutlook:
		cfg = outlook.OAuthConfig(client.ClientID, client.ClientSecret, client.TenantID, redirectURL)
	}
	if ep, ok := m.endpoints[provider]; ok {
		cfg.Endpoint = ep
	}
	return cfg, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthURL returns the provider consent page URL for the authorization code
// flow. Google is asked for offline access with forced consent so a refresh
// token is always issued.
func (m *Manager) AuthURL(ctx context.Context, provider models.Provider, redirectURL, state string) (string, error) {
	cfg, err := m.config(ctx, provider, redirectURL)
	if err != nil {
		return "", err
	}
	if provider == models.ProviderGoogle {
		return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query")), nil
}

// Exchange trades an authorization code for a token and stores it for
// userID. A refresh token already on file is kept when the provider does not
// issue a new one.
func (m *Manager) Exchange(ctx context.Context, provider models.Provider, code, redirectURL string, userID *int64) (*models.OAuthToken, error) {
	cfg, err := m.config(ctx, provider, redirectURL)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, models.NewTokenError("failed to exchange authorization code", err)
	}

	stored := &models.OAuthToken{
		Provider:     provider,
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if stored.RefreshToken == "" {
		if prev, err := m.store.GetOAuthToken(ctx, provider, userID); err == nil {
			stored.RefreshToken = prev.RefreshToken
		}
	}
	if lookup := m.emails[provider]; lookup != nil {
		email, err := lookup.Email(ctx, tok.AccessToken)
		if err != nil {
			m.logger.Warn().Err(err).Str("provider", string(provider)).Msg("Could not resolve account email.")
		}
		stored.Email = email
	}

	if err := m.store.SaveOAuthToken(ctx, stored); err != nil {
		return nil, err
	}
	m.logger.Info().Str("provider", string(provider)).Str("email", stored.Email).Msg("Connected OAuth account.")
	return stored, nil
}

// AccessToken returns a valid access token of provider for userID,
// refreshing it when it has expired.
func (m *Manager) AccessToken(ctx context.Context, provider models.Provider, userID *int64) (string, error) {
	cfg, err := m.config(ctx, provider, "")
	if err != nil {
		return "", err
	}

	m.refresh.Lock()
	defer m.refresh.Unlock()

	stored, err := m.store.GetOAuthToken(ctx, provider, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", models.NewTokenError(connectMessage(provider), errors.New("no token stored"))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load oauth token: %w", err)
	}
	if !stored.Expired(m.now()) {
		return stored.AccessToken, nil
	}
	if stored.RefreshToken == "" {
		return "", models.NewTokenError(connectMessage(provider), errors.New("token expired and no refresh token is stored"))
	}

	src := cfg.TokenSource(m.clientContext(ctx), &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	})
	tok, err := src.Token()
	if err != nil {
		return "", models.NewTokenError(connectMessage(provider), err)
	}

	stored.AccessToken = tok.AccessToken
	stored.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		stored.RefreshToken = tok.RefreshToken
	}
	if err := m.store.SaveOAuthToken(ctx, stored); err != nil {
		return "", err
	}
	m.logger.Debug().Str("provider", string(provider)).Time("expiry", tok.Expiry).Msg("Refreshed OAuth token.")
	return tok.AccessToken, nil
}

// Disconnect removes the stored token of provider for userID.
func (m *Manager) Disconnect(ctx context.Context, provider models.Provider, userID *int64) error {
	if !provider.Valid() {
		return models.NewConfigurationError(fmt.Sprintf("Unknown provider: %s", provider))
	}
	return m.store.DeleteOAuthToken(ctx, provider, userID)
}

// Connected reports whether a token is stored for userID.
func (m *Manager) Connected(ctx context.Context, provider models.Provider, userID *int64) (bool, error) {
	_, err := m.store.GetOAuthToken(ctx, provider, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func connectMessage(p models.Provider) string {
	name := p.DisplayName()
	return fmt.Sprintf("Could not get %s access token. Please configure and connect %s in Settings.", name, name)
}

// Signer authenticates the state that round-trips through the provider.
type Signer interface {
	Sign(message string) string
	Verify(message, sig string) bool
}

// ErrInvalidState is returned for a state that was not issued by this
// service.
var ErrInvalidState = errors.New("invalid OAuth state")

// EncodeState builds the opaque state of the connect flow as
// "{user_id}|{return_path}|{signature}".
func EncodeState(signer Signer, userID *int64, returnPath string) string {
	if returnPath != ReturnSourcesAdd {
		returnPath = ReturnSettings
	}
	id := ""
	if userID != nil {
		id = strconv.FormatInt(*userID, 10)
	}
	payload := id + "|" + returnPath
	return payload + "|" + signer.Sign(payload)
}

// DecodeState verifies and parses a state built by EncodeState. An empty user
// id yields a nil user, which addresses the legacy single-tenant token.
// Unsigned or tampered states return ErrInvalidState.
func DecodeState(signer Signer, state string) (userID *int64, returnPath string, err error) {
	returnPath = ReturnSettings
	i := strings.LastIndex(state, "|")
	if i < 0 {
		return nil, returnPath, ErrInvalidState
	}
	payload, sig := state[:i], state[i+1:]
	idPart, rest, found := strings.Cut(payload, "|")
	if !found || !signer.Verify(payload, sig) {
		return nil, returnPath, ErrInvalidState
	}

	if rest == ReturnSourcesAdd {
		returnPath = ReturnSourcesAdd
	}
	if idPart == "" {
		return nil, returnPath, nil
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return nil, ReturnSettings, ErrInvalidState
	}
	return &id, returnPath, nil
}

// ReturnURL maps a return path to the page the callback redirects to.
func ReturnURL(returnPath string) string {
	if returnPath == ReturnSourcesAdd {
		return "/sources/add"
	}
	return "/settings"
}
