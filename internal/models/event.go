package models

import "time"

// Event is one normalized occurrence as stored for a source.
// Start and End are UTC instants; all-day events start at midnight.
type Event struct {
	ID          int64     // Row id, zero until stored
	SourceID    int64     // Owning source
	UID         string    // External id, unique per occurrence within a source
	Start       time.Time // UTC start instant
	End         time.Time // UTC end instant
	AllDay      bool      // Date-only event
	Summary     string    // Title of the event
	Description string    // Detailed description of the event
	Location    string    // Location of the event
	SyncedAt    time.Time // When the row was written
}

// FeedEvent is a stored event joined with the fields of its source that the
// feed needs.
type FeedEvent struct {
	Event
	SourceName string
	Masking    bool
}

// Window is a closed time range used to bound fetches.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAround returns the window [now-back, now+forward] in UTC.
func WindowAround(now time.Time, back, forward time.Duration) Window {
	now = now.UTC()
	return Window{Start: now.Add(-back), End: now.Add(forward)}
}

// Overlaps reports whether [start, end] touches the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return !end.Before(w.Start) && !start.After(w.End)
}
