package normalize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"calagg/internal/models"

	"github.com/teambition/rrule-go"
)

// MaxOccurrences bounds how many occurrences one series may produce.
const MaxOccurrences = 5000

// Series is one VEVENT as parsed from calendar data: a master event, possibly
// recurring, or an override of a single occurrence.
type Series struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Start        Value
	End          *Value
	Duration     time.Duration // used when End is nil
	RRule        string
	ExDates      []Value
	RecurrenceID *Value // set on overrides
}

func (s Series) span() Span {
	if s.End == nil && s.Duration > 0 {
		sp := Normalize(s.Start, nil)
		sp.End = sp.Start.Add(s.Duration)
		return sp
	}
	return Normalize(s.Start, s.End)
}

func (s Series) event(sp Span, key time.Time) models.Event {
	return models.Event{
		UID:         OccurrenceID(s.UID, key),
		Start:       sp.Start,
		End:         sp.End,
		AllDay:      sp.AllDay,
		Summary:     s.Summary,
		Description: s.Description,
		Location:    s.Location,
	}
}

// Expand turns series into the occurrences that overlap w, sorted by start.
// Series that cannot be expanded are skipped and reported in the returned errors.
func Expand(series []Series, w models.Window) ([]models.Event, []error) {
	overrides := make(map[string]map[int64]Series)
	var masters []Series
	for _, s := range series {
		if s.RecurrenceID == nil {
			masters = append(masters, s)
			continue
		}
		byStart, ok := overrides[s.UID]
		if !ok {
			byStart = make(map[int64]Series)
			overrides[s.UID] = byStart
		}
		byStart[s.RecurrenceID.Instant().Unix()] = s
	}

	var (
		events []models.Event
		errs   []error
		seen   = make(map[string]bool)
	)
	for _, m := range masters {
		seen[m.UID] = true
		occ, err := expandSeries(m, overrides[m.UID], w)
		if err != nil {
			errs = append(errs, fmt.Errorf("series %q: %w", m.UID, err))
			continue
		}
		events = append(events, occ...)
	}

	// Overrides delivered without their master stand on their own.
	for uid, byStart := range overrides {
		if seen[uid] {
			continue
		}
		for _, o := range byStart {
			sp := o.span()
			if w.Overlaps(sp.Start, sp.End) {
				events = append(events, o.event(sp, o.RecurrenceID.Instant()))
			}
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].UID < events[j].UID
		}
		return events[i].Start.Before(events[j].Start)
	})
	return events, errs
}

func expandSeries(m Series, overrides map[int64]Series, w models.Window) ([]models.Event, error) {
	base := m.span()
	if m.RRule == "" {
		key := base.Start
		if o, ok := overrides[key.Unix()]; ok {
			m, base = o, o.span()
		}
		if !w.Overlaps(base.Start, base.End) {
			return nil, nil
		}
		return []models.Event{m.event(base, key)}, nil
	}

	opt, err := rrule.StrToROption(strings.TrimPrefix(strings.TrimSpace(m.RRule), "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE: %w", err)
	}
	// Zoned series recur in their own zone so wall-clock times survive DST.
	anchor := m.Start.Time
	if m.Start.DateOnly || m.Start.Floating {
		anchor = m.Start.Instant()
	}
	opt.Dtstart = anchor
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE: %w", err)
	}
	set := &rrule.Set{}
	set.RRule(r)

	duration := base.End.Sub(base.Start)
	excluded := exclusions(m.ExDates)

	var events []models.Event
	for _, t := range set.Between(w.Start.Add(-duration), w.End, true) {
		if len(events) >= MaxOccurrences {
			break
		}
		v := Value{Time: t, DateOnly: m.Start.DateOnly, Floating: m.Start.Floating}
		if m.Start.DateOnly {
			v = Date(t)
		}
		key := v.Instant()
		if excluded.has(key, t) {
			continue
		}

		occ, sp := m, Span{Start: key, End: key.Add(duration), AllDay: base.AllDay}
		if o, ok := overrides[key.Unix()]; ok {
			occ, sp = o, o.span()
		}
		if !w.Overlaps(sp.Start, sp.End) {
			continue
		}
		events = append(events, occ.event(sp, key))
	}
	return events, nil
}

type exclusionSet struct {
	instants map[int64]bool
	dates    map[string]bool
}

func exclusions(values []Value) exclusionSet {
	ex := exclusionSet{instants: make(map[int64]bool), dates: make(map[string]bool)}
	for _, v := range values {
		if v.DateOnly {
			ex.dates[v.Instant().Format("20060102")] = true
			continue
		}
		ex.instants[v.Instant().Unix()] = true
	}
	return ex
}

// has matches timed exclusions by instant and date-only exclusions by the
// occurrence's local calendar date.
func (ex exclusionSet) has(instant, local time.Time) bool {
	return ex.instants[instant.Unix()] || ex.dates[local.Format("20060102")]
}
