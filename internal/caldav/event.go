package caldav

import (
	"fmt"
	"strings"

	"calagg/internal/normalize"

	"github.com/emersion/go-ical"
)

// toSeries converts a VEVENT component into a series for expansion.
func toSeries(comp *ical.Component) (normalize.Series, error) {
	var s normalize.Series

	s.UID = propText(comp, ical.PropUID)
	if s.UID == "" {
		s.UID = missingUID
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return s, fmt.Errorf("event %q has no DTSTART", s.UID)
	}
	start, err := parseValue(startProp)
	if err != nil {
		return s, fmt.Errorf("event %q: %w", s.UID, err)
	}
	s.Start = start

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := parseValue(endProp)
		if err != nil {
			return s, fmt.Errorf("event %q: %w", s.UID, err)
		}
		s.End = &end
	} else if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		d, err := durProp.Duration()
		if err != nil {
			return s, fmt.Errorf("event %q: invalid DURATION: %w", s.UID, err)
		}
		s.Duration = d
	}

	s.Summary = propText(comp, ical.PropSummary)
	s.Description = propText(comp, ical.PropDescription)
	s.Location = propText(comp, ical.PropLocation)

	if rule := comp.Props.Get(ical.PropRecurrenceRule); rule != nil {
		s.RRule = rule.Value
	}

	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		tzid, isDate := params(&p)
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

	if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
		v, err := parseValue(rid)
		if err != nil {
			return s, fmt.Errorf("event %q: %w", s.UID, err)
		}
		s.RecurrenceID = &v
	}
	return s, nil
}

func parseValue(p *ical.Prop) (normalize.Value, error) {
	tzid, isDate := params(p)
	return normalize.ParseICal(p.Value, tzid, isDate)
}

func params(p *ical.Prop) (tzid string, isDate bool) {
	return p.Params.Get(ical.ParamTimezoneID), p.ValueType() == ical.ValueDate
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	text, err := p.Text()
	if err != nil {
		return strings.TrimSpace(p.Value)
	}
	return strings.TrimSpace(text)
}
