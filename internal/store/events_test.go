package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"calagg/internal/models"
)

func makeEvents(prefix string, n int, base time.Time) []models.Event {
	events := make([]models.Event, n)
	for i := range events {
		start := base.Add(time.Duration(i) * time.Hour)
		events[i] = models.Event{
			UID:     fmt.Sprintf("%s-%d", prefix, i),
			Start:   start,
			End:     start.Add(time.Hour),
			Summary: fmt.Sprintf("%s %d", prefix, i),
		}
	}
	return events
}

func TestReplaceEventsFullyReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, &models.Source{Name: "Feed", URL: "https://x", Enabled: true})
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	if err := s.ReplaceEvents(ctx, src.ID, makeEvents("old", 5, base), base); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	second := makeEvents("new", 3, base)
	at := base.Add(time.Hour)
	if err := s.ReplaceEvents(ctx, src.ID, second, at); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	events, err := s.ListEvents(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != len(second) {
		t.Fatalf("got %d events, want %d", len(events), len(second))
	}
	for _, ev := range events {
		if ev.UID[:3] != "new" {
			t.Errorf("event from previous sync survived: %s", ev.UID)
		}
	}

	got, _ := s.GetSource(ctx, src.ID)
	if got.LastSyncStatus != models.StatusSuccess || got.LastSyncError != "" {
		t.Errorf("status = %s %q", got.LastSyncStatus, got.LastSyncError)
	}
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, at)
	}
}

func TestRecordSyncFailureKeepsEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, &models.Source{Name: "Feed", URL: "https://x", Enabled: true})
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	if err := s.ReplaceEvents(ctx, src.ID, makeEvents("keep", 4, base), base); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSyncFailure(ctx, src.ID, "connection refused", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, _ := s.CountEvents(ctx, src.ID)
	if n != 4 {
		t.Errorf("got %d events after failure, want 4", n)
	}
	got, _ := s.GetSource(ctx, src.ID)
	if got.LastSyncStatus != models.StatusError || got.LastSyncError != "connection refused" {
		t.Errorf("status = %s %q", got.LastSyncStatus, got.LastSyncError)
	}
}

func TestReplaceEventsUnknownSource(t *testing.T) {
	s := setupTestStore(t)
	err := s.ReplaceEvents(context.Background(), 42, makeEvents("x", 1, time.Now()), time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.RecordSyncFailure(context.Background(), 42, "x", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSourceCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	src := createSource(t, s, &models.Source{Name: "Feed", URL: "https://x", Enabled: true})
	if err := s.ReplaceEvents(ctx, src.ID, makeEvents("e", 2, time.Now()), time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSource(ctx, src.ID); err != nil {
		t.Fatal(err)
	}
	var n int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if n != 0 {
		t.Errorf("got %d orphaned events", n)
	}
	if err := s.DeleteSource(ctx, src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListFeedEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u, _ := s.CreateUser(ctx, "dave", false)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	masked := createSource(t, s, &models.Source{UserID: &u.ID, Name: "Private", URL: "https://a", Masking: true, Enabled: true})
	open := createSource(t, s, &models.Source{UserID: &u.ID, Name: "Public", URL: "https://b", Enabled: true})
	disabled := createSource(t, s, &models.Source{UserID: &u.ID, Name: "Off", URL: "https://c", Enabled: false})
	legacy := createSource(t, s, &models.Source{Name: "Legacy", URL: "https://d", Enabled: true})

	for _, src := range []*models.Source{masked, open, disabled, legacy} {
		if err := s.ReplaceEvents(ctx, src.ID, makeEvents(src.Name, 2, base), base); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ListFeedEvents(ctx, &u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("got %d feed events, want 4", len(events))
	}
	for i, ev := range events {
		if ev.SourceName == "Off" || ev.SourceName == "Legacy" {
			t.Errorf("unexpected source %s in user feed", ev.SourceName)
		}
		if ev.Masking != (ev.SourceName == "Private") {
			t.Errorf("masking flag wrong for %s", ev.SourceName)
		}
		if i > 0 && ev.Start.Before(events[i-1].Start) {
			t.Error("feed events not ordered by start")
		}
	}

	all, _ := s.ListFeedEvents(ctx, nil)
	if len(all) != 6 {
		t.Errorf("got %d events across all users, want 6", len(all))
	}
}
