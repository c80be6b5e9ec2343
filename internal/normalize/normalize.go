// Package normalize turns provider date and date-time values into UTC instants
// and expands recurring series into individual occurrences.
package normalize

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultDuration applies to events that have no end.
	DefaultDuration = time.Hour

	occurrenceLayout = "2006-01-02T15:04:05"
)

// Value is a provider start or end value before normalization.
type Value struct {
	Time     time.Time
	DateOnly bool // calendar date without a clock
	Floating bool // clock value with no zone; treated as UTC
}

// Date returns a date-only value for the calendar date of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Value{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), DateOnly: true}
}

// Zoned returns a value whose zone is known.
func Zoned(t time.Time) Value {
	return Value{Time: t}
}

// Floating returns a value whose clock is taken as UTC.
func Floating(t time.Time) Value {
	return Value{Time: t, Floating: true}
}

// IsZero reports whether v holds no time.
func (v Value) IsZero() bool {
	return v.Time.IsZero()
}

// Instant returns the UTC instant of v. Date-only values become midnight of
// the same date and floating values keep their clock.
func (v Value) Instant() time.Time {
	switch {
	case v.DateOnly:
		y, m, d := v.Time.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case v.Floating:
		y, m, d := v.Time.Date()
		hh, mm, ss := v.Time.Clock()
		return time.Date(y, m, d, hh, mm, ss, v.Time.Nanosecond(), time.UTC)
	default:
		return v.Time.UTC()
	}
}

// Span is a normalized event time range.
type Span struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

// Normalize converts a start and optional end into a Span. The all-day flag
// follows the start value.
func Normalize(start Value, end *Value) Span {
	s := Span{Start: start.Instant(), AllDay: start.DateOnly}
	switch {
	case end != nil && !end.IsZero():
		s.End = end.Instant()
	default:
		s.End = s.Start.Add(DefaultDuration)
	}
	if s.End.Before(s.Start) {
		s.End = s.Start
	}
	return s
}

// OccurrenceID combines a series uid with the start instant of one occurrence.
func OccurrenceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(occurrenceLayout)
}

// ParseICal parses iCalendar DATE or DATE-TIME text. A trailing Z marks UTC, a
// known tzid marks a zoned value, and anything else is floating.
func ParseICal(value, tzid string, isDate bool) (Value, error) {
	value = strings.TrimSpace(value)
	if isDate || len(value) == len("20060102") {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return Value{}, fmt.Errorf("invalid date %q: %w", value, err)
		}
		return Date(t), nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return Value{}, fmt.Errorf("invalid UTC date-time %q: %w", value, err)
		}
		return Zoned(t), nil
	}

	if tzid != "" {
		if loc, err := LoadLocation(tzid); err == nil {
			t, err := time.ParseInLocation("20060102T150405", value, loc)
			if err != nil {
				return Value{}, fmt.Errorf("invalid date-time %q: %w", value, err)
			}
			return Zoned(t), nil
		}
	}

	t, err := time.Parse("20060102T150405", value)
	if err != nil {
		return Value{}, fmt.Errorf("invalid date-time %q: %w", value, err)
	}
	return Floating(t), nil
}
