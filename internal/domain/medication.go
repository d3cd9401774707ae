package domain

import (
	"fmt"
	"time"
)

// ReminderTitle is the fixed push title.
const ReminderTitle = "Medication Reminder!"

// ScheduleEntry is one time-of-day reminder slot of a medication.
type ScheduleEntry struct {
	ID           string
	MedicationID string
	TimeOfDay    ClockTime
	Taken        bool
}

// Medication belongs to exactly one user and holds its schedule in order.
type Medication struct {
	ID          string
	UserID      string
	Name        string
	Amount      string
	Precautions string
	Schedules   []ScheduleEntry
	CreatedAt   time.Time
}

// DueRow is one joined row of the due-entry query. UserFound is false when the
// owning user no longer exists.
type DueRow struct {
	Medication Medication
	Entry      ScheduleEntry
	User       User
	UserFound  bool
}

// Reminder is a due (medication, entry, user) triple.
type Reminder struct {
	Medication Medication
	Entry      ScheduleEntry
	User       User
}

// ReminderPayload is the data object delivered with a push.
type ReminderPayload struct {
	MedicationID string `json:"medicationId"`
	ScheduleTime string `json:"scheduleTime"`
}

// Body renders the push body text.
func (r Reminder) Body() string {
	return fmt.Sprintf("Time to take your %s (%s).", r.Medication.Name, r.Medication.Amount)
}

// Payload returns the push data for r.
func (r Reminder) Payload() ReminderPayload {
	return ReminderPayload{
		MedicationID: r.Medication.ID,
		ScheduleTime: r.Entry.TimeOfDay.String(),
	}
}

// DispatchKey identifies one dispatch opportunity: an entry at a clock time on a date.
type DispatchKey struct {
	EntryID   string
	Date      string // DateLayout
	TimeOfDay ClockTime
}

// KeyFor builds the dispatch key of entry on the calendar date of now.
func KeyFor(entry ScheduleEntry, now time.Time) DispatchKey {
	return DispatchKey{
		EntryID:   entry.ID,
		Date:      now.Format(DateLayout),
		TimeOfDay: entry.TimeOfDay,
	}
}
