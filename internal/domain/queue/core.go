package queue

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Starvation compensation tuning. A WAITING entry of NORMAL or LOW
// urgency whose elapsed wait exceeds starvationWaitFactor times its
// estimate, and which sits below starvationFloor, is promoted to
// max(starvationFloor, floor(position * starvationPromotion)).
const (
	starvationWaitFactor = 1.5
	starvationPromotion  = 0.7
	starvationFloor      = 3
)

// DefaultNotifyThreshold is the position at or below which a waiting
// entry is flagged as about to be served.
const DefaultNotifyThreshold = 2

const compensationReason = "extended wait time compensation"

// Core is one hospital's in-memory priority queue. It owns position
// assignment, the status state machine, starvation compensation and
// notification-threshold detection. All exported methods take the
// per-hospital lock; unrelated hospitals never contend.
type Core struct {
	mu         sync.Mutex
	hospitalID uuid.UUID
	entries    []*QueueEntry
	updates    []QueueUpdate

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

// NewCore creates an empty queue for one hospital.
func NewCore(hospitalID uuid.UUID) *Core {
	return &Core{hospitalID: hospitalID, now: time.Now}
}

// SetClock replaces the queue's time source. Test hook.
func (c *Core) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// HospitalID returns the hospital this queue belongs to.
func (c *Core) HospitalID() uuid.UUID { return c.hospitalID }

// AddEntry checks a patient in. The provisional initial position is
// derived from urgency and the current WAITING count — EMERGENCY caps at
// min(2, waiting+1), HIGH at min(4, waiting+1) — and is recorded for
// progress display only; the authoritative CurrentPosition is assigned
// by the reorder that runs before AddEntry returns, and for
// EMERGENCY/HIGH the two generally diverge.
func (c *Core) AddEntry(id uuid.UUID, name string, urgency Urgency, estimatedWaitMins int, checkInTime time.Time) QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiting := 0
	active := 0
	for _, e := range c.entries {
		if e.Status == StatusWaiting {
			waiting++
		}
		if !e.Status.Terminal() {
			active++
		}
	}

	initial := waiting + 1
	switch urgency {
	case UrgencyEmergency:
		if initial > 2 {
			initial = 2
		}
	case UrgencyHigh:
		if initial > 4 {
			initial = 4
		}
	}

	e := &QueueEntry{
		ID:                id,
		HospitalID:        c.hospitalID,
		Name:              name,
		Urgency:           urgency,
		InitialPosition:   initial,
		CurrentPosition:   active + 1, // back of the active set until reorder re-ranks
		EstimatedWaitMins: estimatedWaitMins,
		CheckInTime:       checkInTime,
		Notified:          false,
		Status:            StatusWaiting,
	}
	c.entries = append(c.entries, e)
	c.reorder()
	return *e
}

// RemoveEntry hard-deletes an entry and reports whether it existed.
// Normal lifecycle uses a CANCELLED status transition instead, which
// preserves history.
func (c *Core) RemoveEntry(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			c.reorder()
			return true
		}
	}
	return false
}

// SetStatus moves an entry to newStatus and reports whether the entry
// exists. No transition matrix is enforced beyond existence; callers own
// transition sanity. Entering IN_SERVICE or a terminal state re-ranks
// the queue.
func (c *Core) SetStatus(id uuid.UUID, newStatus Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.ID == id {
			e.Status = newStatus
			if newStatus == StatusInService || newStatus.Terminal() {
				c.reorder()
			}
			return true
		}
	}
	return false
}

// CompensateStarvation promotes long-waiting NORMAL/LOW entries so they
// are not postponed indefinitely by continuously arriving urgent cases.
// EMERGENCY and HIGH entries are exempt — they are already front-loaded.
// The promoted position is a bias consumed by the reorder that runs at
// the end of the pass, not a final rank. Returns the audit records
// produced by this pass.
func (c *Core) CompensateStarvation() []QueueUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var applied []QueueUpdate
	for _, e := range c.entries {
		if e.Status != StatusWaiting {
			continue
		}
		if e.Urgency != UrgencyNormal && e.Urgency != UrgencyLow {
			continue
		}
		if e.EstimatedWaitMins <= 0 {
			continue
		}
		waitFactor := now.Sub(e.CheckInTime).Minutes() / float64(e.EstimatedWaitMins)
		if waitFactor <= starvationWaitFactor || e.CurrentPosition <= starvationFloor {
			continue
		}
		newPos := int(math.Floor(float64(e.CurrentPosition) * starvationPromotion))
		if newPos < starvationFloor {
			newPos = starvationFloor
		}
		if newPos == e.CurrentPosition {
			continue
		}
		u := QueueUpdate{
			ID:          uuid.New(),
			HospitalID:  c.hospitalID,
			EntryID:     e.ID,
			OldPosition: e.CurrentPosition,
			NewPosition: newPos,
			Reason:      compensationReason,
			Timestamp:   now,
		}
		e.CurrentPosition = newPos
		applied = append(applied, u)
	}

	if len(applied) > 0 {
		c.updates = append(c.updates, applied...)
		c.reorder()
	}
	return applied
}

// ScanForNotifications flags WAITING entries at or above the notify
// threshold: each becomes READY with notified set, and is returned for
// delivery. Idempotent — an already-notified entry is never re-emitted.
// READY entries keep their rank, so no reorder is needed here; the next
// natural reorder accounts for the status change.
func (c *Core) ScanForNotifications(threshold int) []QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if threshold <= 0 {
		threshold = DefaultNotifyThreshold
	}

	var crossed []QueueEntry
	for _, e := range c.entries {
		if e.Status != StatusWaiting || e.Notified {
			continue
		}
		if e.CurrentPosition >= 1 && e.CurrentPosition <= threshold {
			e.Notified = true
			e.Status = StatusReady
			crossed = append(crossed, *e)
		}
	}
	return crossed
}

// Get returns a copy of the entry with the given id.
func (c *Core) Get(id uuid.UUID) (QueueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.ID == id {
			return *e, true
		}
	}
	return QueueEntry{}, false
}

// List returns a snapshot of all entries, active ranks first, terminal
// entries last in check-in order.
func (c *Core) List() []QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]QueueEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Status.Terminal(), out[j].Status.Terminal()
		if ti != tj {
			return !ti
		}
		if ti {
			return out[i].CheckInTime.Before(out[j].CheckInTime)
		}
		return out[i].CurrentPosition < out[j].CurrentPosition
	})
	return out
}

// Updates returns a copy of the append-only starvation audit log.
func (c *Core) Updates() []QueueUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]QueueUpdate, len(c.updates))
	copy(out, c.updates)
	return out
}

// Stats summarizes the active queue under the lock.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{HospitalID: c.hospitalID}
	for _, e := range c.entries {
		switch e.Status {
		case StatusWaiting:
			s.Waiting++
		case StatusReady:
			s.Ready++
		case StatusInService:
			s.InService++
		default:
			continue
		}
		if e.Urgency == UrgencyEmergency {
			s.EmergencyOpen++
		}
		if s.OldestCheckIn == nil || e.CheckInTime.Before(*s.OldestCheckIn) {
			t := e.CheckInTime
			s.OldestCheckIn = &t
		}
	}
	return s
}

// Restore replays persisted entries into an empty queue at hydration
// time, then re-ranks. Entries are replayed in check-in order so the
// equal-urgency tie-break is rebuilt faithfully.
func (c *Core) Restore(entries []*QueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replay := make([]*QueueEntry, len(entries))
	copy(replay, entries)
	sort.SliceStable(replay, func(i, j int) bool {
		return replay[i].CheckInTime.Before(replay[j].CheckInTime)
	})
	c.entries = c.entries[:0]
	for _, e := range replay {
		cp := *e
		cp.HospitalID = c.hospitalID
		if cp.CurrentPosition < 1 && !cp.Status.Terminal() && cp.Status != StatusInService {
			cp.CurrentPosition = len(c.entries) + 1
		}
		c.entries = append(c.entries, &cp)
	}
	c.reorder()
}

// reorder is the single source of truth for CurrentPosition. It
// partitions entries into in-service, ready, waiting and terminal
// groups; ready and waiting are independently stable-sorted by urgency
// rank over ascending current position, so the equal-urgency tie-break
// is check-in order and starvation promotions survive as a bias.
// In-service entries share the 0 sentinel, ready then waiting get one
// dense 1..N ranking, terminal entries get -1. InitialPosition is never
// touched here. Callers must hold c.mu.
func (c *Core) reorder() {
	var ready, waiting []*QueueEntry
	for _, e := range c.entries {
		switch {
		case e.Status == StatusInService:
			e.CurrentPosition = PositionInService
		case e.Status.Terminal():
			e.CurrentPosition = PositionTerminal
		case e.Status == StatusReady:
			ready = append(ready, e)
		default:
			waiting = append(waiting, e)
		}
	}

	rankGroup := func(group []*QueueEntry) {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CurrentPosition < group[j].CurrentPosition
		})
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Urgency.rank() < group[j].Urgency.rank()
		})
	}
	rankGroup(ready)
	rankGroup(waiting)

	pos := 1
	for _, e := range ready {
		e.CurrentPosition = pos
		pos++
	}
	for _, e := range waiting {
		e.CurrentPosition = pos
		pos++
	}
}
