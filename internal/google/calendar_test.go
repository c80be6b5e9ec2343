package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calagg/internal/models"

	"github.com/rs/zerolog"
)

func newTestFetcher(endpoint string) *Fetcher {
	f := NewFetcher(zerolog.Nop(), 5*time.Second)
	f.endpoint = endpoint
	f.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func TestFetch(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("singleEvents") != "true" || q.Get("orderBy") != "startTime" || q.Get("maxResults") != "500" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("timeMin") != "2024-05-02T00:00:00Z" {
			t.Errorf("timeMin = %s", q.Get("timeMin"))
		}

		pages++
		w.Header().Set("Content-Type", "application/json")
		if q.Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "p2",
				"items": []map[string]any{
					{"id": "a1", "status": "confirmed", "summary": "Review", "location": "Room 1",
						"start": map[string]string{"dateTime": "2024-01-15T09:00:00-05:00"},
						"end":   map[string]string{"dateTime": "2024-01-15T10:00:00-05:00"}},
					{"id": "gone", "status": "cancelled",
						"start": map[string]string{"dateTime": "2024-06-02T09:00:00Z"}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "b2", "summary": "Holiday",
					"start": map[string]string{"date": "2024-07-04"},
					"end":   map[string]string{"date": "2024-07-05"}},
				{"id": "bad", "start": map[string]string{"dateTime": "not a time"}},
				{"id": "c3", "summary": "No end",
					"start": map[string]string{"dateTime": "2024-06-10T08:00:00Z"}},
			},
		})
	}))
	defer srv.Close()

	events, err := newTestFetcher(srv.URL+"/").Fetch(context.Background(), "tok", "")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if pages != 2 {
		t.Errorf("fetched %d pages, want 2", pages)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}

	review := events[0]
	if review.UID != "a1" || !review.Start.Equal(time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)) || review.AllDay {
		t.Errorf("unexpected first event: %+v", review)
	}
	holiday := events[1]
	if !holiday.AllDay || !holiday.Start.Equal(time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected all-day event: %+v", holiday)
	}
	if d := events[2].End.Sub(events[2].Start); d != time.Hour {
		t.Errorf("missing end produced %v, want 1h", d)
	}
}

func TestFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL+"/").Fetch(context.Background(), "tok", "work@example.com")
	if models.ClassOf(err) != models.ClassFetch {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestListCalendars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/calendarList") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"primary@example.com","summary":"Me","primary":true},{"id":"team","summary":"Team"}]}`))
	}))
	defer srv.Close()

	cals, err := newTestFetcher(srv.URL+"/").ListCalendars(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ListCalendars() error = %v", err)
	}
	if len(cals) != 2 || !cals[0].Primary || cals[1].Name != "Team" {
		t.Errorf("unexpected calendars: %+v", cals)
	}
}

func TestEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/calendarList/primary") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sam@example.com","summary":"sam@example.com","primary":true}`))
	}))
	defer srv.Close()

	email, err := newTestFetcher(srv.URL+"/").Email(context.Background(), "tok")
	if err != nil || email != "sam@example.com" {
		t.Errorf("Email() = %q, %v", email, err)
	}
}

func TestOAuthConfig(t *testing.T) {
	cfg := OAuthConfig("id", "secret", "https://app.example.com/auth/google/callback")
	if len(cfg.Scopes) != 1 || cfg.Scopes[0] != "https://www.googleapis.com/auth/calendar.readonly" {
		t.Errorf("unexpected scopes: %v", cfg.Scopes)
	}
	if !strings.Contains(cfg.Endpoint.AuthURL, "accounts.google.com") {
		t.Errorf("unexpected auth URL: %s", cfg.Endpoint.AuthURL)
	}
}
