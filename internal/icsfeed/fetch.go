// Package icsfeed fetches public or secret-URL iCalendar feeds.
package icsfeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calagg/internal/models"

	"github.com/rs/zerolog"
)

const (
	userAgent    = "CalendarAggregator/1.0"
	acceptHeader = "text/calendar, application/calendar+json, */*"

	// DefaultTimeout bounds a feed download.
	DefaultTimeout = 30 * time.Second

	// Occurrences outside this window around now are dropped.
	retentionBack    = 30 * 24 * time.Hour
	retentionForward = 365 * 24 * time.Hour

	maxFeedBytes = 32 << 20
)

// Fetcher downloads and parses ICS feeds.
type Fetcher struct {
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewFetcher creates a fetcher whose requests are bounded by timeout.
func NewFetcher(logger zerolog.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Fetch downloads the feed at rawURL and returns the occurrences inside the
// retention window.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]models.Event, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, models.NewConfigurationError("ICS feed URL is required.")
	}
	feedURL := NormalizeURL(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, models.NewFetchError("invalid feed URL", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	f.logger.Debug().Str("url", redactURL(feedURL)).Msg("Fetching ICS feed.")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, models.NewFetchError("failed to download feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, models.NewFetchError(fmt.Sprintf("feed returned HTTP %d", resp.StatusCode), nil)
	}

	window := models.WindowAround(f.now(), retentionBack, retentionForward)
	events, skipped, err := ParseEvents(io.LimitReader(resp.Body, maxFeedBytes), window)
	if err != nil {
		return nil, models.NewFetchError("failed to parse feed", err)
	}
	for _, err := range skipped {
		f.logger.Warn().Err(err).Str("url", redactURL(feedURL)).Msg("Skipping malformed event.")
	}

	f.logger.Info().Str("url", redactURL(feedURL)).Int("count", len(events)).Msg("Fetched ICS feed.")
	return events, nil
}

// NormalizeURL rewrites webcal:// and webcals:// aliases to https://.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	for _, scheme := range []string{"webcals://", "webcal://"} {
		if strings.HasPrefix(lower, scheme) {
			return "https://" + raw[len(scheme):]
		}
	}
	return raw
}

// redactURL keeps scheme and host only. Feed URLs often embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
