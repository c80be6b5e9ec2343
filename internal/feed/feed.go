// Package feed renders the aggregated events as an iCalendar feed and as
// calendar widget items.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"calagg/internal/models"

	"github.com/emersion/go-ical"
)

const (
	// CalendarName is published as X-WR-CALNAME.
	CalendarName = "Unified Calendar"

	productID       = "-//Calendar Aggregator//EN"
	uidDomain       = "calendar-aggregator"
	busySummary     = "Busy"
	untitledSummary = "Untitled Event"

	maskedBackground = "#e74c3c"
	maskedBorder     = "#c0392b"
	plainBackground  = "#3498db"
	plainBorder      = "#2980b9"
)

// Store lists the events of enabled sources.
type Store interface {
	ListFeedEvents(ctx context.Context, userID *int64) ([]models.FeedEvent, error)
}

// Generator builds feeds from stored events.
type Generator struct {
	store Store
	now   func() time.Time
}

// NewGenerator creates a feed generator.
func NewGenerator(store Store) *Generator {
	return &Generator{store: store, now: time.Now}
}

// ICS renders the events of userID, or of every user when userID is nil.
// With mask set, events of masking sources are published as "Busy".
func (g *Generator) ICS(ctx context.Context, userID *int64, mask bool) ([]byte, error) {
	events, err := g.store.ListFeedEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Render(&buf, events, mask, g.now()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Render writes events as a VCALENDAR. stamp is used as DTSTAMP.
func Render(w io.Writer, events []models.FeedEvent, mask bool, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	cal.Props.SetText(ical.PropMethod, "PUBLISH")
	cal.Props.Set(&ical.Prop{Name: "X-WR-CALNAME", Params: make(ical.Params), Value: CalendarName})

	if len(events) == 0 {
		return writeEmpty(w, cal)
	}

	stamp = stamp.UTC()
	for _, e := range events {
		cal.Children = append(cal.Children, toICal(e, mask, stamp))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// writeEmpty writes a calendar without components. The go-ical encoder
// refuses those, but an account without events still gets a valid feed.
func writeEmpty(w io.Writer, cal *ical.Calendar) error {
	names := make([]string, 0, len(cal.Props))
	for name := range cal.Props {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteString("BEGIN:" + ical.CompCalendar + "\r\n")
	for _, name := range names {
		for _, prop := range cal.Props[name] {
			buf.WriteString(prop.Name)
			params := make([]string, 0, len(prop.Params))
			for k := range prop.Params {
				params = append(params, k)
			}
			sort.Strings(params)
			for _, k := range params {
				buf.WriteString(";" + k + "=" + strings.Join(prop.Params[k], ","))
			}
			buf.WriteString(":" + prop.Value + "\r\n")
		}
	}
	buf.WriteString("END:" + ical.CompCalendar + "\r\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// toICal converts a stored event to a VEVENT.
func toICal(e models.FeedEvent, mask bool, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.UID+"@"+uidDomain)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	if e.AllDay {
		start, end := allDayDates(e.Start, e.End)
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		ve.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}

	if mask && e.Masking {
		ve.Props.SetText(ical.PropSummary, busySummary)
	} else {
		ve.Props.SetText(ical.PropSummary, summaryOf(e.Summary))
		if e.Description != "" {
			ve.Props.SetText(ical.PropDescription, e.Description)
		}
		if e.Location != "" {
			ve.Props.SetText(ical.PropLocation, e.Location)
		}
	}
	ve.Props.SetText(ical.PropTransparency, "OPAQUE")
	return ve
}

// allDayDates returns the DATE bounds of an all-day event. The end is
// exclusive and at least one day after the start.
func allDayDates(start, end time.Time) (time.Time, time.Time) {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if !e.After(s) {
		e = s.AddDate(0, 0, 1)
	}
	return s, e
}

func summaryOf(s string) string {
	if s == "" {
		return untitledSummary
	}
	return s
}

// Item is an event shaped for the web calendar widget.
type Item struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	AllDay          bool      `json:"allDay"`
	ExtendedProps   ItemProps `json:"extendedProps"`
	BackgroundColor string    `json:"backgroundColor"`
	BorderColor     string    `json:"borderColor"`
}

// ItemProps carries the non-standard fields of an Item.
type ItemProps struct {
	Source      string `json:"source"`
	Location    string `json:"location"`
	Description string `json:"description"`
	IsMasked    bool   `json:"isMasked"`
}

// Events returns the events of userID ordered by start. With upcomingOnly
// set, events that already ended are left out.
func (g *Generator) Events(ctx context.Context, userID *int64, mask, upcomingOnly bool) ([]Item, error) {
	events, err := g.store.ListFeedEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Items(events, mask, upcomingOnly, g.now()), nil
}

// Items converts stored events to widget items.
func Items(events []models.FeedEvent, mask, upcomingOnly bool, now time.Time) []Item {
	items := make([]Item, 0, len(events))
	for _, e := range events {
		if upcomingOnly && e.End.Before(now) {
			continue
		}
		item := Item{
			ID:     e.ID,
			Start:  e.Start.UTC(),
			End:    e.End.UTC(),
			AllDay: e.AllDay,
		}
		if mask && e.Masking {
			item.Title = busySummary
			item.ExtendedProps = ItemProps{Source: e.SourceName, IsMasked: true}
			item.BackgroundColor, item.BorderColor = maskedBackground, maskedBorder
		} else {
			item.Title = summaryOf(e.Summary)
			item.ExtendedProps = ItemProps{Source: e.SourceName, Location: e.Location, Description: e.Description}
			item.BackgroundColor, item.BorderColor = plainBackground, plainBorder
		}
		items = append(items, item)
	}
	return items
}
