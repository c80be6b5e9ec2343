// Package caldav reads events from CalDAV servers such as iCloud, Nextcloud
// or Fastmail.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"calagg/internal/models"
	"calagg/internal/normalize"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/rs/zerolog"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"

	userAgent = "CalendarAggregator/1.0"

	// DefaultTimeout bounds a whole fetch, discovery included.
	DefaultTimeout = 30 * time.Second

	windowBack    = 30 * 24 * time.Hour
	windowForward = 180 * 24 * time.Hour

	// missingUID prefixes occurrences of events that carry no UID.
	missingUID = "caldav"
)

// Account holds the credentials of one CalDAV source.
type Account struct {
	Kind     models.SourceKind
	URL      string
	Username string
	Password string
}

// endpoint returns the DAV endpoint for the account, applying the iCloud
// default and an https scheme when none is given.
func (a Account) endpoint() string {
	url := strings.TrimSpace(a.URL)
	if url == "" && a.Kind == models.KindICloud {
		return iCloudCalDAVEndpoint
	}
	if url != "" && !strings.Contains(url, "://") {
		url = "https://" + url
	}
	return url
}

// customTransport adds Basic Auth and a User-Agent to each request.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// Fetcher reads events from CalDAV accounts.
type Fetcher struct {
	logger    zerolog.Logger
	timeout   time.Duration
	transport http.RoundTripper
	now       func() time.Time
}

// NewFetcher creates a CalDAV fetcher whose fetches are bounded by timeout.
func NewFetcher(logger zerolog.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		logger:    logger,
		timeout:   timeout,
		transport: http.DefaultTransport,
		now:       time.Now,
	}
}

func (f *Fetcher) client(acc Account) (*caldav.Client, error) {
	endpoint := acc.endpoint()
	if endpoint == "" || acc.Username == "" {
		return nil, models.NewConfigurationError("CalDAV URL and username are required.")
	}

	httpClient := &http.Client{
		Transport: &customTransport{Username: acc.Username, Password: acc.Password, Transport: f.transport},
		Timeout:   f.timeout,
	}
	c, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, models.NewFetchError("failed to create caldav client", err)
	}
	return c, nil
}

// Fetch returns every occurrence in the account's event calendars between
// 30 days ago and 180 days ahead. Any failing calendar fails the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, acc Account) ([]models.Event, error) {
	c, err := f.client(acc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	calendars, err := f.findCalendars(ctx, c)
	if err != nil {
		return nil, err
	}

	window := models.WindowAround(f.now(), windowBack, windowForward)
	var series []normalize.Series
	for _, cal := range calendars {
		objects, err := c.QueryCalendar(ctx, cal.Path, eventQuery(window))
		if err != nil {
			return nil, models.NewFetchError(fmt.Sprintf("failed to query calendar %q", calendarName(cal)), err)
		}
		f.logger.Debug().Str("calendar", calendarName(cal)).Int("objects", len(objects)).Msg("Queried CalDAV calendar.")

		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			for _, comp := range obj.Data.Children {
				if comp.Name != ical.CompEvent {
					continue
				}
				s, err := toSeries(comp)
				if err != nil {
					f.logger.Warn().Err(err).Str("path", obj.Path).Msg("Skipping malformed event.")
					continue
				}
				series = append(series, s)
			}
		}
	}

	events, errs := normalize.Expand(series, window)
	for _, err := range errs {
		f.logger.Warn().Err(err).Msg("Skipping event that could not be expanded.")
	}
	f.logger.Info().Int("calendars", len(calendars)).Int("count", len(events)).Msg("Fetched CalDAV events.")
	return events, nil
}

// Check connects to the account and returns how many event calendars it has.
func (f *Fetcher) Check(ctx context.Context, acc Account) (int, error) {
	c, err := f.client(acc)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	calendars, err := f.findCalendars(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(calendars), nil
}

// findCalendars discovers the user's calendars that can hold events.
func (f *Fetcher) findCalendars(ctx context.Context, c *caldav.Client) ([]caldav.Calendar, error) {
	principalPath, err := c.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, models.NewFetchError("failed to find principal path", err)
	}

	homeSetPath, err := c.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, models.NewFetchError("failed to find calendar home set", err)
	}

	calendars, err := c.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, models.NewFetchError("failed to find calendars", err)
	}

	var out []caldav.Calendar
	for _, cal := range calendars {
		if supportsEvents(cal) {
			out = append(out, cal)
		}
	}
	return out, nil
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

func calendarName(cal caldav.Calendar) string {
	if cal.Name != "" {
		return cal.Name
	}
	return cal.Path
}

// eventQuery asks for whole VEVENT objects overlapping w. Recurring series
// are expanded locally because server-side expansion is not universal.
func eventQuery(w models.Window) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: w.Start,
				End:   w.End,
			}},
		},
	}
}
