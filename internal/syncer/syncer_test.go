package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calagg/internal/caldav"
	"calagg/internal/metrics"
	"calagg/internal/models"
	"calagg/internal/secrets"
	"calagg/internal/store"

	"github.com/rs/zerolog"
)

type fakeFeed struct {
	events map[string][]models.Event
	errs   map[string]error
	calls  atomic.Int32
	delay  time.Duration
	active atomic.Int32
	maxIn  atomic.Int32
}

func (f *fakeFeed) Fetch(_ context.Context, url string) ([]models.Event, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxIn.Load()
		if n <= cur || f.maxIn.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if url == "" {
		return nil, models.NewConfigurationError("ICS feed URL is required.")
	}
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.events[url], nil
}

type fakeCalDAV struct{ got caldav.Account }

func (f *fakeCalDAV) Fetch(_ context.Context, a caldav.Account) ([]models.Event, error) {
	f.got = a
	return []models.Event{{UID: "dav-1", Start: time.Now(), End: time.Now().Add(time.Hour)}}, nil
}

type fakeAPI struct{ token, calendarID string }

func (f *fakeAPI) Fetch(_ context.Context, token, calendarID string) ([]models.Event, error) {
	f.token, f.calendarID = token, calendarID
	return nil, nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) AccessToken(_ context.Context, p models.Provider, _ *int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "token-" + string(p), nil
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	box, err := secrets.New("test-secret")
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	s, err := store.Open(context.Background(), store.Config{Path: ":memory:", Cipher: box})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addSource(t *testing.T, s *store.Store, src *models.Source) *models.Source {
	t.Helper()
	src.Enabled = true
	if err := s.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	return src
}

func event(uid string, start time.Time) models.Event {
	return models.Event{UID: uid, Start: start, End: start.Add(time.Hour), Summary: uid}
}

func TestSyncOneReplacesEvents(t *testing.T) {
	st := setupStore(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	feed := &fakeFeed{events: map[string][]models.Event{
		"https://a.example.com/cal.ics": {event("a", base), event("b", base.Add(time.Hour))},
	}}
	s := New(st, fakeTokens{}, Fetchers{ICS: feed}, metrics.New(true), zerolog.Nop())
	src := addSource(t, st, &models.Source{Name: "Feed", Kind: models.KindICSFeed, URL: "https://a.example.com/cal.ics"})

	res := s.SyncOne(context.Background(), src)
	if !res.Success || res.Events != 2 || res.Message != "Successfully synced 2 events." {
		t.Fatalf("unexpected result: %+v", res)
	}

	feed.events["https://a.example.com/cal.ics"] = []models.Event{event("c", base)}
	if res := s.SyncOne(context.Background(), src); !res.Success {
		t.Fatalf("second sync failed: %+v", res)
	}

	events, err := st.ListEvents(context.Background(), src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].UID != "c" {
		t.Errorf("events not replaced: %+v", events)
	}
	got, _ := st.GetSource(context.Background(), src.ID)
	if got.LastSyncStatus != models.StatusSuccess || got.LastSyncError != "" || got.LastSyncAt == nil {
		t.Errorf("unexpected status: %+v", got)
	}
}

func TestSyncOneEventGaugePerSource(t *testing.T) {
	st := setupStore(t)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	feed := &fakeFeed{events: map[string][]models.Event{
		"https://a.example.com/cal.ics": {event("a", base), event("b", base)},
		"https://b.example.com/cal.ics": {event("c", base)},
	}}
	m := metrics.New(true)
	s := New(st, fakeTokens{}, Fetchers{ICS: feed}, m, zerolog.Nop())
	first := addSource(t, st, &models.Source{Name: "Team", Kind: models.KindICSFeed, URL: "https://a.example.com/cal.ics"})
	second := addSource(t, st, &models.Source{Name: "Team", Kind: models.KindICSFeed, URL: "https://b.example.com/cal.ics"})
	s.SyncOne(context.Background(), first)
	s.SyncOne(context.Background(), second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		fmt.Sprintf(`calagg_source_events{source="Team",source_id="%d"} 2`, first.ID),
		fmt.Sprintf(`calagg_source_events{source="Team",source_id="%d"} 1`, second.ID),
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSyncOneFailureKeepsEvents(t *testing.T) {
	st := setupStore(t)
	url := "https://a.example.com/cal.ics"
	feed := &fakeFeed{events: map[string][]models.Event{url: {event("kept", time.Now())}}}
	s := New(st, fakeTokens{}, Fetchers{ICS: feed}, nil, zerolog.Nop())
	src := addSource(t, st, &models.Source{Name: "Feed", Kind: models.KindICSFeed, URL: url})

	if res := s.SyncOne(context.Background(), src); !res.Success {
		t.Fatalf("initial sync failed: %+v", res)
	}

	feed.errs = map[string]error{url: models.NewFetchError("feed returned HTTP 500", nil)}
	res := s.SyncOne(context.Background(), src)
	if res.Success || res.Message != "feed returned HTTP 500" {
		t.Fatalf("unexpected result: %+v", res)
	}

	events, _ := st.ListEvents(context.Background(), src.ID)
	if len(events) != 1 || events[0].UID != "kept" {
		t.Errorf("failed sync touched events: %+v", events)
	}
	got, _ := st.GetSource(context.Background(), src.ID)
	if got.LastSyncStatus != models.StatusError || got.LastSyncError != "feed returned HTTP 500" {
		t.Errorf("failure not recorded: %+v", got)
	}
}

func TestSyncOneConfigurationAndTokenErrors(t *testing.T) {
	st := setupStore(t)
	feed := &fakeFeed{}
	google := &fakeAPI{}
	tokenErr := models.NewTokenError("Could not get Google access token. Please configure and connect Google in Settings.", errors.New("no token stored"))
	s := New(st, fakeTokens{err: tokenErr}, Fetchers{ICS: feed, Google: google}, nil, zerolog.Nop())

	noURL := addSource(t, st, &models.Source{Name: "Empty", Kind: models.KindICSFeed})
	if res := s.SyncOne(context.Background(), noURL); res.Success || res.Message != "ICS feed URL is required." {
		t.Errorf("unexpected result: %+v", res)
	}

	gsrc := addSource(t, st, &models.Source{Name: "Google", Kind: models.KindGoogle})
	res := s.SyncOne(context.Background(), gsrc)
	if res.Success || res.Message != tokenErr.Message {
		t.Errorf("unexpected result: %+v", res)
	}
	if google.token != "" {
		t.Error("fetch attempted without a token")
	}
}

func TestSyncOneDispatch(t *testing.T) {
	st := setupStore(t)
	dav := &fakeCalDAV{}
	google := &fakeAPI{}
	outlook := &fakeAPI{}
	s := New(st, fakeTokens{}, Fetchers{CalDAV: dav, Google: google, Outlook: outlook}, nil, zerolog.Nop())

	icloud := addSource(t, st, &models.Source{Name: "iCloud", Kind: models.KindICloud, Username: "me@icloud.com", Password: "app-pw"})
	if res := s.SyncOne(context.Background(), icloud); !res.Success {
		t.Fatalf("caldav sync failed: %+v", res)
	}
	if dav.got.Kind != models.KindICloud || dav.got.Username != "me@icloud.com" || dav.got.Password != "app-pw" {
		t.Errorf("unexpected account: %+v", dav.got)
	}

	g := addSource(t, st, &models.Source{Name: "G", Kind: models.KindGoogle, CalendarID: "team@example.com"})
	s.SyncOne(context.Background(), g)
	if google.token != "token-google" || google.calendarID != "team@example.com" {
		t.Errorf("google fetch got %q %q", google.token, google.calendarID)
	}

	o := addSource(t, st, &models.Source{Name: "O", Kind: models.KindOutlookOAuth})
	s.SyncOne(context.Background(), o)
	if outlook.token != "token-outlook" {
		t.Errorf("outlook fetch got %q", outlook.token)
	}

	unknown := &models.Source{ID: o.ID, Name: "X", Kind: "fax"}
	if res := s.SyncOne(context.Background(), unknown); res.Success || res.Message != "Unknown source type: fax" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestSyncAll(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	alice, err := st.CreateUser(ctx, "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	bob, err := st.CreateUser(ctx, "bob", false)
	if err != nil {
		t.Fatal(err)
	}

	feed := &fakeFeed{
		events: map[string][]models.Event{"https://ok/1": {event("x", time.Now())}, "https://ok/2": nil},
		errs:   map[string]error{"https://bad": models.NewFetchError("boom", nil)},
	}
	s := New(st, fakeTokens{}, Fetchers{ICS: feed}, nil, zerolog.Nop())

	a1 := addSource(t, st, &models.Source{UserID: &alice.ID, Name: "Work", Kind: models.KindICSFeed, URL: "https://ok/1"})
	a2 := addSource(t, st, &models.Source{UserID: &alice.ID, Name: "Work", Kind: models.KindICSFeed, URL: "https://bad"})
	addSource(t, st, &models.Source{UserID: &bob.ID, Name: "Bob", Kind: models.KindICSFeed, URL: "https://ok/2"})
	disabled := &models.Source{UserID: &alice.ID, Name: "Off", Kind: models.KindICSFeed, URL: "https://ok/1"}
	if err := st.CreateSource(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	results, err := s.SyncAll(ctx, &alice.ID)
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %v", len(results), results)
	}
	if r, ok := results[nameWithID("Work", a1.ID)]; !ok || !r.Success {
		t.Errorf("missing or failed result for first Work: %v", results)
	}
	if r, ok := results[nameWithID("Work", a2.ID)]; !ok || r.Success {
		t.Errorf("missing or succeeded result for second Work: %v", results)
	}
	if ok, failed := Summarize(results); ok != 1 || failed != 1 {
		t.Errorf("Summarize() = %d, %d", ok, failed)
	}

	all, err := s.SyncAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("SyncAll(nil) got %d results, want 3", len(all))
	}
	if names := Names(all); names[0] != "Bob" {
		t.Errorf("Names() = %v", names)
	}
}

func nameWithID(name string, id int64) string {
	return fmt.Sprintf("%s (#%d)", name, id)
}

func TestSyncOneSerializesSameSource(t *testing.T) {
	st := setupStore(t)
	url := "https://slow/cal.ics"
	feed := &fakeFeed{events: map[string][]models.Event{url: {event("a", time.Now())}}, delay: 20 * time.Millisecond}
	s := New(st, fakeTokens{}, Fetchers{ICS: feed}, nil, zerolog.Nop())
	src := addSource(t, st, &models.Source{Name: "Slow", Kind: models.KindICSFeed, URL: url})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SyncOne(context.Background(), src)
		}()
	}
	wg.Wait()

	if feed.calls.Load() != 4 {
		t.Errorf("fetched %d times, want 4", feed.calls.Load())
	}
	if feed.maxIn.Load() != 1 {
		t.Errorf("%d syncs of one source ran at once", feed.maxIn.Load())
	}
}
