package model

import "time"

// Event represents a community event that can award points to its
// guests out of a fixed budget.
//
// Fields:
//  ID           – primary key identifier.
//  Name         – display name.
//  Description  – free text.
//  Location     – where the event takes place.
//  StartTime    – when the event starts.
//  EndTime      – when the event ends.
//  Capacity     – maximum number of guests (nil means unlimited).
//  PointsRemain – remaining award budget; never driven negative.
//  Published    – whether the event is visible to regular members.
//                 Transitions one way, false to true; unpublished
//                 events may still be edited or deleted by managers.
//  CreatedAt    – timestamp of creation.
type Event struct {
	ID           uint64    // events.id
	Name         string    // events.name
	Description  string    // events.description
	Location     string    // events.location
	StartTime    time.Time // events.start_time
	EndTime      time.Time // events.end_time
	Capacity     *uint32   // events.capacity (nullable)
	PointsRemain int64     // events.points_remain
	Published    bool      // events.published
	CreatedAt    time.Time // events.created_at
}

// EventGuest links an account to an event it attends. The guest count
// of an event is bounded by its capacity when one is set.
type EventGuest struct {
	EventID   uint64    // event_guests.event_id
	AccountID uint64    // event_guests.account_id
	CreatedAt time.Time // event_guests.created_at
}

// EventOrganizer links an account to an event it runs. Organizers may
// edit their unpublished events, manage guests and award points, even
// when their role is below manager.
type EventOrganizer struct {
	EventID   uint64    // event_organizers.event_id
	AccountID uint64    // event_organizers.account_id
	CreatedAt time.Time // event_organizers.created_at
}
