package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Urgency is the clinical priority classification used as the primary
// queue ordering key.
type Urgency string

const (
	UrgencyEmergency Urgency = "EMERGENCY"
	UrgencyHigh      Urgency = "HIGH"
	UrgencyNormal    Urgency = "NORMAL"
	UrgencyLow       Urgency = "LOW"
)

// rank returns the sort rank of an urgency level; lower sorts first.
func (u Urgency) rank() int {
	switch u {
	case UrgencyEmergency:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyNormal:
		return 2
	case UrgencyLow:
		return 3
	}
	return 4
}

// Valid reports whether u is one of the four recognized urgency levels.
func (u Urgency) Valid() bool {
	return u.rank() < 4
}

// ParseUrgency converts a string to an Urgency, rejecting unknown values.
// Unknown urgencies must fail at the boundary rather than silently
// default, so a patient is never mis-prioritized.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusReady     Status = "READY"
	StatusInService Status = "IN_SERVICE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusInService, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus converts a string to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Position sentinels. InService entries share PositionInService; terminal
// entries hold PositionTerminal. Neither encodes a rank.
const (
	PositionInService = 0
	PositionTerminal  = -1
)

// QueueEntry maps to the queue_entry table and represents one patient's
// presence in one hospital's queue.
//
// InitialPosition is a check-in-time snapshot kept only for "progress"
// display; CurrentPosition is the authoritative rank and is rewritten by
// every reorder pass.
type QueueEntry struct {
	ID                uuid.UUID `db:"id" json:"id"`
	HospitalID        uuid.UUID `db:"hospital_id" json:"hospital_id"`
	Name              string    `db:"name" json:"name"`
	Urgency           Urgency   `db:"urgency" json:"urgency"`
	InitialPosition   int       `db:"initial_position" json:"initial_position"`
	CurrentPosition   int       `db:"current_position" json:"current_position"`
	EstimatedWaitMins int       `db:"estimated_wait_mins" json:"estimated_wait_mins"`
	CheckInTime       time.Time `db:"check_in_time" json:"check_in_time"`
	Notified          bool      `db:"notified" json:"notified"`
	Status            Status    `db:"status" json:"status"`
}

// QueueUpdate maps to the queue_update table: one append-only audit
// record of a starvation-driven promotion.
type QueueUpdate struct {
	ID          uuid.UUID `db:"id" json:"id"`
	HospitalID  uuid.UUID `db:"hospital_id" json:"hospital_id"`
	EntryID     uuid.UUID `db:"entry_id" json:"entry_id"`
	OldPosition int       `db:"old_position" json:"old_position"`
	NewPosition int       `db:"new_position" json:"new_position"`
	Reason      string    `db:"reason" json:"reason"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
}

// Stats summarizes one hospital's active queue, for dashboards and as
// estimator input.
type Stats struct {
	HospitalID    uuid.UUID  `json:"hospital_id"`
	Waiting       int        `json:"waiting"`
	Ready         int        `json:"ready"`
	InService     int        `json:"in_service"`
	EmergencyOpen int        `json:"emergency_open"`
	OldestCheckIn *time.Time `json:"oldest_check_in,omitempty"`
}
