// Package outlook reads events from Microsoft 365 and Outlook.com calendars
// through Microsoft Graph.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calagg/internal/models"
	"calagg/internal/normalize"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultTenant accepts personal Microsoft accounts.
	DefaultTenant = "consumers"

	// DefaultTimeout bounds a whole fetch, paging included.
	DefaultTimeout = 30 * time.Second

	pageSize      = 500
	windowBack    = 30 * 24 * time.Hour
	windowForward = 365 * 24 * time.Hour

	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	BodyPreview string         `json:"bodyPreview"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled"`
	Start       *graphDateTime `json:"start"`
	End         *graphDateTime `json:"end"`
	Body        struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetcher reads events from Microsoft Graph with a bearer token.
type Fetcher struct {
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
	now     func() time.Time
}

// NewFetcher creates a Graph fetcher whose requests are bounded by timeout.
func NewFetcher(logger zerolog.Logger, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		baseURL: graphBaseURL,
		now:     time.Now,
	}
}

// Fetch returns the expanded events of calendarID, or of the default
// calendar when calendarID is empty, between 30 days ago and a year ahead.
func (f *Fetcher) Fetch(ctx context.Context, accessToken, calendarID string) ([]models.Event, error) {
	w := models.WindowAround(f.now(), windowBack, windowForward)

	path := "/me/calendarView"
	if calendarID != "" {
		path = "/me/calendars/" + url.PathEscape(calendarID) + "/calendarView"
	}
	q := url.Values{}
	q.Set("startDateTime", w.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", w.End.UTC().Format(time.RFC3339))
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", fmt.Sprint(pageSize))
	next := f.baseURL + path + "?" + q.Encode()

	var items []graphEvent
	for next != "" {
		var page struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := f.get(ctx, accessToken, next, &page); err != nil {
			return nil, models.NewFetchError("failed to retrieve Outlook events", err)
		}
		items = append(items, page.Value...)
		next = page.NextLink
	}

	events := f.toInternalEvents(items)
	f.logger.Info().Int("count", len(events)).Str("calendarID", calendarID).Msg("Fetched events from Microsoft Graph.")
	return events, nil
}

func (f *Fetcher) toInternalEvents(items []graphEvent) []models.Event {
	events := make([]models.Event, 0, len(items))
	for _, item := range items {
		if item.IsCancelled {
			continue
		}
		start, err := parseGraphTime(item.Start, item.IsAllDay)
		if err != nil {
			f.logger.Warn().Err(err).Str("id", item.ID).Msg("Skipping malformed event.")
			continue
		}
		var end *normalize.Value
		if item.End != nil && item.End.DateTime != "" {
			v, err := parseGraphTime(item.End, item.IsAllDay)
			if err != nil {
				f.logger.Warn().Err(err).Str("id", item.ID).Msg("Skipping malformed event.")
				continue
			}
			end = &v
		}

		description := item.BodyPreview
		if strings.EqualFold(item.Body.ContentType, "text") {
			description = item.Body.Content
		}

		span := normalize.Normalize(start, end)
		events = append(events, models.Event{
			UID:         item.ID,
			Start:       span.Start,
			End:         span.End,
			AllDay:      span.AllDay,
			Summary:     item.Subject,
			Description: description,
			Location:    item.Location.DisplayName,
		})
	}
	return events
}

// parseGraphTime reads a Graph dateTimeTimeZone value. All-day events keep
// only their calendar date.
func parseGraphTime(dt *graphDateTime, allDay bool) (normalize.Value, error) {
	if dt == nil || dt.DateTime == "" {
		return normalize.Value{}, fmt.Errorf("missing dateTime")
	}
	loc := time.UTC
	if dt.TimeZone != "" {
		l, err := normalize.LoadLocation(dt.TimeZone)
		if err != nil {
			return normalize.Value{}, err
		}
		loc = l
	}
	t, err := time.ParseInLocation(graphTimeLayout, strings.TrimSuffix(dt.DateTime, "Z"), loc)
	if err != nil {
		return normalize.Value{}, fmt.Errorf("invalid dateTime %q: %w", dt.DateTime, err)
	}
	if allDay {
		return normalize.Date(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)), nil
	}
	return normalize.Zoned(t), nil
}

// ListCalendars returns the calendars the token can read.
func (f *Fetcher) ListCalendars(ctx context.Context, accessToken string) ([]models.Calendar, error) {
	var calendars []models.Calendar
	next := f.baseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := f.get(ctx, accessToken, next, &page); err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, c := range page.Value {
			name := c.Name
			if name == "" {
				name = "Calendar"
			}
			calendars = append(calendars, models.Calendar{ID: c.ID, Name: name, Primary: c.IsDefaultCalendar})
		}
		next = page.NextLink
	}
	return calendars, nil
}

// Email returns the signed-in account's address.
func (f *Fetcher) Email(ctx context.Context, accessToken string) (string, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := f.get(ctx, accessToken, f.baseURL+"/me", &me); err != nil {
		return "", err
	}
	if me.Mail != "" {
		return me.Mail, nil
	}
	return me.UserPrincipalName, nil
}

func (f *Fetcher) get(ctx context.Context, accessToken, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			return fmt.Errorf("graph returned HTTP %d: %s", resp.StatusCode, ge.Error.Message)
		}
		return fmt.Errorf("graph returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OAuthConfig returns the OAuth2 configuration for delegated calendar read
// access in tenant, defaulting to personal accounts.
func OAuthConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"Calendars.Read", "offline_access"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}
