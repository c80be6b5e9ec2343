// Package google reads events from Google Calendar.
package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"calagg/internal/models"
	"calagg/internal/normalize"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	// DefaultCalendarID is used when a source names no calendar.
	DefaultCalendarID = "primary"

	// DefaultTimeout bounds a whole fetch, paging included.
	DefaultTimeout = 30 * time.Second

	pageSize      = 500
	windowBack    = 30 * 24 * time.Hour
	windowForward = 365 * 24 * time.Hour
)

// Fetcher reads events from Google Calendar with a bearer token.
type Fetcher struct {
	logger   zerolog.Logger
	timeout  time.Duration
	endpoint string // API base URL override, empty for the public API
	now      func() time.Time
}

// NewFetcher creates a Google Calendar fetcher.
func NewFetcher(logger zerolog.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{logger: logger, timeout: timeout, now: time.Now}
}

// service creates a calendar service authenticated with accessToken.
func (f *Fetcher) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	client := &http.Client{
		Timeout: f.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   http.DefaultTransport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// Fetch returns the expanded events of calendarID between 30 days ago and a
// year ahead.
func (f *Fetcher) Fetch(ctx context.Context, accessToken, calendarID string) ([]models.Event, error) {
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	service, err := f.service(ctx, accessToken)
	if err != nil {
		return nil, models.NewFetchError("failed to connect to Google Calendar", err)
	}

	w := models.WindowAround(f.now(), windowBack, windowForward)
	f.logger.Debug().Str("calendarID", calendarID).Time("from", w.Start).Time("to", w.End).Msg("Fetching Google events.")

	var items []*calendar.Event
	err = service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(w.Start.Format(time.RFC3339)).
		TimeMax(w.End.Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(pageSize).
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, models.NewFetchError("failed to retrieve Google events", err)
	}

	events := f.toInternalEvents(items)
	f.logger.Info().Int("count", len(events)).Str("calendarID", calendarID).Msg("Fetched events from Google Calendar.")
	return events, nil
}

// toInternalEvents converts Google Calendar events to normalized events,
// skipping cancelled and malformed entries.
func (f *Fetcher) toInternalEvents(items []*calendar.Event) []models.Event {
	events := make([]models.Event, 0, len(items))
	for _, item := range items {
		if item.Status == "cancelled" {
			continue
		}
		start, err := parseEventDateTime(item.Start)
		if err != nil {
			f.logger.Warn().Err(err).Str("id", item.Id).Msg("Skipping malformed event.")
			continue
		}
		var end *normalize.Value
		if item.End != nil {
			v, err := parseEventDateTime(item.End)
			if err != nil {
				f.logger.Warn().Err(err).Str("id", item.Id).Msg("Skipping malformed event.")
				continue
			}
			end = &v
		}

		span := normalize.Normalize(start, end)
		uid := item.Id
		if uid == "" {
			uid = normalize.OccurrenceID(item.ICalUID, span.Start)
		}
		events = append(events, models.Event{
			UID:         uid,
			Start:       span.Start,
			End:         span.End,
			AllDay:      span.AllDay,
			Summary:     item.Summary,
			Description: item.Description,
			Location:    item.Location,
		})
	}
	return events
}

func parseEventDateTime(dt *calendar.EventDateTime) (normalize.Value, error) {
	switch {
	case dt == nil:
		return normalize.Value{}, fmt.Errorf("missing date")
	case dt.Date != "":
		t, err := time.Parse("2006-01-02", dt.Date)
		if err != nil {
			return normalize.Value{}, fmt.Errorf("invalid date %q: %w", dt.Date, err)
		}
		return normalize.Date(t), nil
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return normalize.Value{}, fmt.Errorf("invalid dateTime %q: %w", dt.DateTime, err)
		}
		return normalize.Zoned(t), nil
	}
	return normalize.Value{}, fmt.Errorf("empty date")
}

// ListCalendars returns the calendars the token can read.
func (f *Fetcher) ListCalendars(ctx context.Context, accessToken string) ([]models.Calendar, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	service, err := f.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var calendars []models.Calendar
	err = service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			calendars = append(calendars, models.Calendar{ID: item.Id, Name: item.Summary, Primary: item.Primary})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return calendars, nil
}

// Email returns the address of the account, which Google reports as the id
// of the primary calendar. It needs no scope beyond read-only calendar access.
func (f *Fetcher) Email(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	service, err := f.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	entry, err := service.CalendarList.Get(DefaultCalendarID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get primary calendar: %w", err)
	}
	return entry.Id, nil
}

// OAuthConfig returns the OAuth2 configuration for read-only calendar access.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}
