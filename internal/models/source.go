package models

import "time"

// SourceKind identifies which fetcher serves a source.
type SourceKind string

const (
	KindGoogle       SourceKind = "google_calendar"
	KindOutlookOAuth SourceKind = "outlook_oauth"
	KindCalDAV       SourceKind = "caldav"
	KindOutlook      SourceKind = "outlook" // Outlook over CalDAV
	KindICloud       SourceKind = "icloud"
	KindICSFeed      SourceKind = "ics_feed"
)

// Kinds lists every supported source kind.
var Kinds = []SourceKind{KindGoogle, KindOutlookOAuth, KindCalDAV, KindOutlook, KindICloud, KindICSFeed}

// Valid reports whether k is a known kind.
func (k SourceKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsCalDAV reports whether k is fetched over CalDAV.
func (k SourceKind) IsCalDAV() bool {
	return k == KindCalDAV || k == KindOutlook || k == KindICloud
}

// Provider returns the OAuth provider backing k, if any.
func (k SourceKind) Provider() (Provider, bool) {
	switch k {
	case KindGoogle:
		return ProviderGoogle, true
	case KindOutlookOAuth:
		return ProviderOutlook, true
	}
	return "", false
}

// SyncStatus is the outcome of the last sync of a source.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
)

// Source is a configured calendar origin. Password holds the decrypted value
// while in memory.
type Source struct {
	ID             int64
	UserID         *int64 // nil for legacy single-tenant sources
	Name           string
	Kind           SourceKind
	URL            string
	Username       string
	Password       string
	CalendarID     string
	Masking        bool
	Enabled        bool
	LastSyncAt     *time.Time
	LastSyncStatus SyncStatus
	LastSyncError  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
