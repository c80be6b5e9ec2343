package feed

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"calagg/internal/models"

	"github.com/emersion/go-ical"
)

type staticStore []models.FeedEvent

func (s staticStore) ListFeedEvents(context.Context, *int64) ([]models.FeedEvent, error) {
	return s, nil
}

var stamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixture() []models.FeedEvent {
	return []models.FeedEvent{
		{
			Event: models.Event{
				ID: 1, UID: "standup_2024-06-03T07:00:00",
				Start: time.Date(2024, 6, 3, 7, 0, 0, 0, time.UTC), End: time.Date(2024, 6, 3, 7, 15, 0, 0, time.UTC),
				Summary: "Standup", Description: "Daily sync", Location: "Room 4",
			},
			SourceName: "Work",
		},
		{
			Event: models.Event{
				ID: 2, UID: "doctor",
				Start: time.Date(2024, 6, 4, 15, 0, 0, 0, time.UTC), End: time.Date(2024, 6, 4, 16, 0, 0, 0, time.UTC),
				Summary: "Doctor appointment", Description: "Dr. Smith", Location: "Clinic",
			},
			SourceName: "Personal",
			Masking:    true,
		},
		{
			Event: models.Event{
				ID: 3, UID: "holiday", AllDay: true,
				Start: time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 7, 4, 1, 0, 0, 0, time.UTC),
			},
			SourceName: "Work",
		},
	}
}

func decode(t *testing.T, data []byte) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		t.Fatalf("rendered feed does not parse: %v\n%s", err, data)
	}
	return cal
}

func text(t *testing.T, c *ical.Component, name string) string {
	t.Helper()
	p := c.Props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

func TestICSMasking(t *testing.T) {
	g := NewGenerator(staticStore(fixture()))
	g.now = func() time.Time { return stamp }

	data, err := g.ICS(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("ICS() error = %v", err)
	}
	cal := decode(t, data)

	for name, want := range map[string]string{
		ical.PropProductID:     "-//Calendar Aggregator//EN",
		ical.PropVersion:       "2.0",
		ical.PropCalendarScale: "GREGORIAN",
		ical.PropMethod:        "PUBLISH",
		"X-WR-CALNAME":         "Unified Calendar",
	} {
		if got := cal.Props.Get(name); got == nil || got.Value != want {
			t.Errorf("%s = %v, want %q", name, got, want)
		}
	}

	events := cal.Events()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	standup := events[0].Component
	if text(t, standup, ical.PropUID) != "standup_2024-06-03T07:00:00@calendar-aggregator" {
		t.Errorf("UID = %q", text(t, standup, ical.PropUID))
	}
	if text(t, standup, ical.PropSummary) != "Standup" || text(t, standup, ical.PropLocation) != "Room 4" {
		t.Errorf("unmasked event lost fields")
	}
	if text(t, standup, ical.PropTransparency) != "OPAQUE" {
		t.Errorf("TRANSP = %q", text(t, standup, ical.PropTransparency))
	}
	if p := standup.Props.Get(ical.PropDateTimeStart); p == nil || p.Value != "20240603T070000Z" {
		t.Errorf("DTSTART = %v", p)
	}

	doctor := events[1].Component
	if text(t, doctor, ical.PropSummary) != "Busy" {
		t.Errorf("masked summary = %q", text(t, doctor, ical.PropSummary))
	}
	if doctor.Props.Get(ical.PropDescription) != nil || doctor.Props.Get(ical.PropLocation) != nil {
		t.Error("masked event leaked description or location")
	}
	if strings.Contains(string(data), "Dr. Smith") || strings.Contains(string(data), "Clinic") {
		t.Error("masked details present in feed")
	}

	holiday := events[2].Component
	if text(t, holiday, ical.PropSummary) != "Untitled Event" {
		t.Errorf("empty summary rendered as %q", text(t, holiday, ical.PropSummary))
	}
	start, end := holiday.Props.Get(ical.PropDateTimeStart), holiday.Props.Get(ical.PropDateTimeEnd)
	if start.Value != "20240704" || end.Value != "20240705" {
		t.Errorf("all-day bounds = %s..%s, want 20240704..20240705", start.Value, end.Value)
	}
	if start.ValueType() != ical.ValueDate {
		t.Errorf("all-day DTSTART value type = %s", start.ValueType())
	}
}

func TestICSUnmasked(t *testing.T) {
	g := NewGenerator(staticStore(fixture()))
	data, err := g.ICS(context.Background(), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Doctor appointment") {
		t.Error("unmasked feed hides a masking source")
	}
}

func TestICSEmpty(t *testing.T) {
	data, err := NewGenerator(staticStore(nil)).ICS(context.Background(), nil, true)
	if err != nil {
		t.Fatal(err)
	}
	cal := decode(t, data)
	if len(cal.Events()) != 0 {
		t.Errorf("expected no events")
	}
	if p := cal.Props.Get(ical.PropProductID); p == nil || p.Value != "-//Calendar Aggregator//EN" {
		t.Errorf("PRODID = %v", p)
	}
	body := string(data)
	if !strings.HasPrefix(body, "BEGIN:VCALENDAR\r\n") || !strings.HasSuffix(body, "END:VCALENDAR\r\n") {
		t.Errorf("unexpected empty feed:\n%s", body)
	}
	if !strings.Contains(body, "\r\nX-WR-CALNAME:Unified Calendar\r\n") {
		t.Errorf("calendar name missing from empty feed:\n%s", body)
	}
}

func TestICSCalendarNameLine(t *testing.T) {
	data, err := NewGenerator(staticStore(fixture())).ICS(context.Background(), nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\r\nX-WR-CALNAME:Unified Calendar\r\n") {
		t.Errorf("X-WR-CALNAME is not a bare text line:\n%s", data)
	}
}

func TestItems(t *testing.T) {
	now := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	items := Items(fixture(), true, true, now)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	doctor := items[0]
	if doctor.Title != "Busy" || !doctor.ExtendedProps.IsMasked || doctor.ExtendedProps.Location != "" {
		t.Errorf("unexpected masked item: %+v", doctor)
	}
	if doctor.BackgroundColor != "#e74c3c" || doctor.BorderColor != "#c0392b" {
		t.Errorf("masked colors = %s/%s", doctor.BackgroundColor, doctor.BorderColor)
	}
	if doctor.ExtendedProps.Source != "Personal" {
		t.Errorf("source = %q", doctor.ExtendedProps.Source)
	}

	holiday := items[1]
	if holiday.Title != "Untitled Event" || !holiday.AllDay || holiday.BackgroundColor != "#3498db" {
		t.Errorf("unexpected item: %+v", holiday)
	}

	if all := Items(fixture(), false, false, now); len(all) != 3 || all[1].Title != "Doctor appointment" {
		t.Errorf("unmasked items = %+v", all)
	}
}
