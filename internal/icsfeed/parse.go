package icsfeed

import (
	"fmt"
	"io"
	"strings"
	"time"

	"calagg/internal/models"
	"calagg/internal/normalize"

	ics "github.com/arran4/golang-ical"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const propRecurrenceID = ics.ComponentProperty("RECURRENCE-ID")

// ParseEvents parses an iCalendar document and expands it into the
// occurrences overlapping w. A document that cannot be parsed is an error;
// individual events that cannot be read are skipped and returned in skipped.
func ParseEvents(r io.Reader, w models.Window) (events []models.Event, skipped []error, err error) {
	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return nil, nil, err
	}

	var series []normalize.Series
	for _, ve := range cal.Events() {
		s, err := toSeries(ve)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		series = append(series, s)
	}

	events, expandErrs := normalize.Expand(series, w)
	return events, append(skipped, expandErrs...), nil
}

func toSeries(ve *ics.VEvent) (normalize.Series, error) {
	var s normalize.Series

	startProp := ve.GetProperty(ics.ComponentPropertyDtStart)
	if startProp == nil || strings.TrimSpace(startProp.Value) == "" {
		return s, fmt.Errorf("event %q has no DTSTART", propValue(ve, ics.ComponentPropertyUniqueId))
	}
	start, err := parseTime(startProp)
	if err != nil {
		return s, err
	}
	s.Start = start

	if endProp := ve.GetProperty(ics.ComponentPropertyDtEnd); endProp != nil && strings.TrimSpace(endProp.Value) != "" {
		end, err := parseTime(endProp)
		if err != nil {
			return s, err
		}
		s.End = &end
	} else if durProp := ve.GetProperty(ics.ComponentPropertyDuration); durProp != nil && strings.TrimSpace(durProp.Value) != "" {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return s, fmt.Errorf("event %q: invalid DURATION: %w", propValue(ve, ics.ComponentPropertyUniqueId), err)
		}
		s.Duration = d
	}

	s.Summary = unescapeText(propValue(ve, ics.ComponentPropertySummary))
	s.Description = unescapeText(propValue(ve, ics.ComponentPropertyDescription))
	s.Location = unescapeText(propValue(ve, ics.ComponentPropertyLocation))
	s.RRule = propValue(ve, ics.ComponentPropertyRrule)

	s.UID = propValue(ve, ics.ComponentPropertyUniqueId)
	if s.UID == "" {
		// Stable across syncs so the same event keeps the same id.
		s.UID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(startProp.Value+"|"+s.Summary)).String()
	}

	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		tzid, isDate := params(p)
		for _, part := range strings.Split(p.Value, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			v, err := normalize.ParseICal(part, tzid, isDate)
			if err != nil {
				return s, fmt.Errorf("event %q: %w", s.UID, err)
			}
			s.ExDates = append(s.ExDates, v)
		}
	}

	if rid := ve.GetProperty(propRecurrenceID); rid != nil && strings.TrimSpace(rid.Value) != "" {
		v, err := parseTime(rid)
		if err != nil {
			return s, fmt.Errorf("event %q: %w", s.UID, err)
		}
		s.RecurrenceID = &v
	}
	return s, nil
}

// parseDuration reads an RFC 5545 duration such as PT30M or P3D.
func parseDuration(v string) (time.Duration, error) {
	p := ical.NewProp(ical.PropDuration)
	p.Value = strings.TrimSpace(v)
	return p.Duration()
}

func parseTime(p *ics.IANAProperty) (normalize.Value, error) {
	tzid, isDate := params(p)
	return normalize.ParseICal(p.Value, tzid, isDate)
}

func params(p *ics.IANAProperty) (tzid string, isDate bool) {
	if vs := p.ICalParameters["TZID"]; len(vs) > 0 {
		tzid = vs[0]
	}
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 {
		isDate = strings.EqualFold(vs[0], "DATE")
	}
	return tzid, isDate
}

func propValue(ve *ics.VEvent, name ics.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
