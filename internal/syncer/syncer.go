// Package syncer pulls events from every configured source and replaces each
// source's stored events with the fresh set.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"calagg/internal/caldav"
	"calagg/internal/metrics"
	"calagg/internal/models"

	"github.com/rs/zerolog"
)

// Store is the persistence the syncer needs.
type Store interface {
	ListEnabledSources(ctx context.Context, userID *int64) ([]*models.Source, error)
	ReplaceEvents(ctx context.Context, sourceID int64, events []models.Event, at time.Time) error
	RecordSyncFailure(ctx context.Context, sourceID int64, message string, at time.Time) error
}

// TokenSource hands out valid OAuth access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, provider models.Provider, userID *int64) (string, error)
}

// CalDAVFetcher reads a CalDAV account.
type CalDAVFetcher interface {
	Fetch(ctx context.Context, account caldav.Account) ([]models.Event, error)
}

// FeedFetcher reads an ICS feed URL.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]models.Event, error)
}

// APIFetcher reads a calendar through a provider API with a bearer token.
type APIFetcher interface {
	Fetch(ctx context.Context, accessToken, calendarID string) ([]models.Event, error)
}

// Fetchers groups one fetcher per source family.
type Fetchers struct {
	CalDAV  CalDAVFetcher
	ICS     FeedFetcher
	Google  APIFetcher
	Outlook APIFetcher
}

// Result is the outcome of syncing one source.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Events  int    `json:"events"`
}

// Syncer orchestrates fetching and storing events for sources.
type Syncer struct {
	store    Store
	tokens   TokenSource
	fetchers Fetchers
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a Syncer. m may be nil.
func New(store Store, tokens TokenSource, fetchers Fetchers, m *metrics.Metrics, logger zerolog.Logger) *Syncer {
	return &Syncer{
		store:    store,
		tokens:   tokens,
		fetchers: fetchers,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// sourceLock returns the mutex serializing syncs of one source.
func (s *Syncer) sourceLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// SyncOne fetches src and, on success, atomically replaces its events. On
// failure the stored events are left untouched and the error is recorded on
// the source.
func (s *Syncer) SyncOne(ctx context.Context, src *models.Source) Result {
	lock := s.sourceLock(src.ID)
	lock.Lock()
	defer lock.Unlock()

	logger := s.logger.With().Int64("sourceID", src.ID).Str("source", src.Name).Str("kind", string(src.Kind)).Logger()
	started := s.now()

	events, err := s.fetch(ctx, src)
	if err == nil {
		err = s.store.ReplaceEvents(ctx, src.ID, events, s.now())
	}
	elapsed := s.now().Sub(started)

	if err != nil {
		message := describe(err)
		if rerr := s.store.RecordSyncFailure(ctx, src.ID, message, s.now()); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record sync failure.")
		}
		s.metrics.RecordSync(string(src.Kind), string(models.ClassOf(err)), elapsed)
		logger.Warn().Err(err).Str("class", string(models.ClassOf(err))).Msg("Source sync failed.")
		return Result{Success: false, Message: message}
	}

	s.metrics.RecordSync(string(src.Kind), "success", elapsed)
	s.metrics.SetSourceEvents(src.ID, src.Name, len(events))
	logger.Info().Int("count", len(events)).Dur("elapsed", elapsed).Msg("Source synced.")
	return Result{
		Success: true,
		Message: fmt.Sprintf("Successfully synced %d events.", len(events)),
		Events:  len(events),
	}
}

// fetch dispatches on the source kind.
func (s *Syncer) fetch(ctx context.Context, src *models.Source) ([]models.Event, error) {
	switch {
	case src.Kind.IsCalDAV():
		return s.fetchers.CalDAV.Fetch(ctx, caldav.Account{
			Kind:     src.Kind,
			URL:      src.URL,
			Username: src.Username,
			Password: src.Password,
		})
	case src.Kind == models.KindICSFeed:
		return s.fetchers.ICS.Fetch(ctx, src.URL)
	case src.Kind == models.KindGoogle:
		token, err := s.tokens.AccessToken(ctx, models.ProviderGoogle, src.UserID)
		if err != nil {
			return nil, err
		}
		return s.fetchers.Google.Fetch(ctx, token, src.CalendarID)
	case src.Kind == models.KindOutlookOAuth:
		token, err := s.tokens.AccessToken(ctx, models.ProviderOutlook, src.UserID)
		if err != nil {
			return nil, err
		}
		return s.fetchers.Outlook.Fetch(ctx, token, src.CalendarID)
	}
	return nil, models.NewConfigurationError(fmt.Sprintf("Unknown source type: %s", src.Kind))
}

// describe returns the message recorded on a failed source. Configuration
// and token failures carry a user-facing message of their own.
func describe(err error) string {
	var se *models.SyncError
	if errors.As(err, &se) && se.Class != models.ClassFetch {
		return se.Message
	}
	return err.Error()
}

// SyncAll syncs every enabled source, or only those of userID when it is
// set, one after the other. A failing source does not stop the pass. Results
// are keyed by source name; duplicate names get a " (#id)" suffix.
func (s *Syncer) SyncAll(ctx context.Context, userID *int64) (map[string]Result, error) {
	s.logger.Info().Msg("Starting sync cycle.")

	sources, err := s.store.ListEnabledSources(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	seen := make(map[string]int, len(sources))
	for _, src := range sources {
		seen[src.Name]++
	}

	results := make(map[string]Result, len(sources))
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		key := src.Name
		if seen[src.Name] > 1 {
			key = fmt.Sprintf("%s (#%d)", src.Name, src.ID)
		}
		results[key] = s.SyncOne(ctx, src)
	}

	ok, failed := Summarize(results)
	s.logger.Info().Int("ok", ok).Int("failed", failed).Msg("Sync cycle finished.")
	return results, nil
}

// Summarize counts successful and failed results.
func Summarize(results map[string]Result) (ok, failed int) {
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// Names returns the result keys in sorted order, for stable logging.
func Names(results map[string]Result) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
