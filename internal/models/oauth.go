package models

import "time"

// Provider names an OAuth calendar provider.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderOutlook
}

// DisplayName is used in user-facing messages.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderGoogle:
		return "Google"
	case ProviderOutlook:
		return "Outlook"
	}
	return string(p)
}

// OAuthClient holds the application credentials for a provider.
type OAuthClient struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	TenantID     string // Microsoft only
}

// Configured reports whether both id and secret are set.
func (c *OAuthClient) Configured() bool {
	return c != nil && c.ClientID != "" && c.ClientSecret != ""
}

// OAuthToken is a stored user token for a provider.
type OAuthToken struct {
	Provider     Provider
	UserID       *int64
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero when the provider did not report one
	Email        string
	UpdatedAt    time.Time
}

// TokenExpiryMargin is how long before its expiry a token is treated as
// expired, so it does not lapse during a fetch.
const TokenExpiryMargin = time.Minute

// Expired reports whether the token expires within TokenExpiryMargin of now.
func (t *OAuthToken) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Add(TokenExpiryMargin).Before(t.Expiry)
}

// Calendar is an entry of a provider account's calendar list.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}
