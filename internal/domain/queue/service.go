package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MirrorError reports that an in-memory mutation was applied but the
// durability write behind it failed. Callers may retry the persistence
// write; re-applying the in-memory change would double-count it.
type MirrorError struct {
	Op  string
	Err error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("persistence mirror failed during %s: %v", e.Op, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// Notifier receives entries that crossed the notify threshold. Delivery
// lives outside the core.
type Notifier interface {
	NotifyReady(ctx context.Context, entries []QueueEntry)
}

// EventPublisher broadcasts queue changes to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, payload any)
}

// CheckInRequest is the input to Service.CheckIn.
type CheckInRequest struct {
	Name              string
	Urgency           Urgency
	EstimatedWaitMins int
	CheckInTime       time.Time
}

// Service is the queue orchestrator: it multiplexes one Core per
// hospital, lazily hydrates each from the persistence mirror, and
// mirrors every mutation back. A mirror failure is surfaced as a
// *MirrorError but never rolls back the in-memory mutation — memory is
// the authoritative live view, storage is best-effort durable.
type Service struct {
	repo Repository
	log  zerolog.Logger

	mu     sync.Mutex
	queues map[uuid.UUID]*Core

	// sweeping tracks per-hospital in-flight background passes so the
	// scheduler skips, rather than stacks, overlapping runs.
	sweeping sync.Map

	notifier        Notifier
	events          EventPublisher
	notifyThreshold int
}

// NewService creates the orchestrator.
func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{
		repo:            repo,
		log:             log,
		queues:          make(map[uuid.UUID]*Core),
		notifyThreshold: DefaultNotifyThreshold,
	}
}

// SetNotifier attaches the delivery bridge for threshold crossings.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetEventPublisher attaches a live-update publisher.
func (s *Service) SetEventPublisher(p EventPublisher) { s.events = p }

// SetNotifyThreshold overrides the default notify threshold.
func (s *Service) SetNotifyThreshold(t int) {
	if t > 0 {
		s.notifyThreshold = t
	}
}

// core returns the hospital's queue, hydrating it from persistence on
// first access by replaying active entries.
func (s *Service) core(ctx context.Context, hospitalID uuid.UUID) (*Core, error) {
	s.mu.Lock()
	if c, ok := s.queues[hospitalID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	active, err := s.repo.ListActive(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("hydrate hospital %s: %w", hospitalID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.queues[hospitalID]; ok {
		// lost the hydration race; the winner's state stands
		return c, nil
	}
	c := NewCore(hospitalID)
	c.Restore(active)
	s.queues[hospitalID] = c
	s.log.Info().
		Str("hospital_id", hospitalID.String()).
		Int("entries", len(active)).
		Msg("hydrated hospital queue")
	return c, nil
}

// Hospitals returns the ids of all hydrated hospital queues.
func (s *Service) Hospitals() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	return ids
}

// CheckIn adds a patient to a hospital's queue and mirrors the new
// ranking. The returned entry reflects the in-memory state even when
// the error is a *MirrorError.
func (s *Service) CheckIn(ctx context.Context, hospitalID uuid.UUID, req CheckInRequest) (QueueEntry, error) {
	if !req.Urgency.Valid() {
		return QueueEntry{}, fmt.Errorf("unknown urgency %q", req.Urgency)
	}
	if req.Name == "" {
		return QueueEntry{}, fmt.Errorf("name is required")
	}
	if req.CheckInTime.IsZero() {
		req.CheckInTime = time.Now()
	}

	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return QueueEntry{}, err
	}

	entry := c.AddEntry(uuid.New(), req.Name, req.Urgency, req.EstimatedWaitMins, req.CheckInTime)
	s.publish(ctx, hospitalID, "entry.checked_in", entry)

	if err := s.repo.SaveEntry(ctx, &entry); err != nil {
		return entry, &MirrorError{Op: "check-in", Err: err}
	}
	if err := s.mirrorSnapshot(ctx, c); err != nil {
		return entry, &MirrorError{Op: "check-in reorder", Err: err}
	}
	return entry, nil
}

// SetStatus transitions an entry. The boolean reports whether the entry
// exists in the hospital's active set; absence is an expected,
// recoverable condition for callers racing other mutations.
func (s *Service) SetStatus(ctx context.Context, hospitalID, entryID uuid.UUID, status Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("unknown status %q", status)
	}
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return false, err
	}
	if !c.SetStatus(entryID, status) {
		return false, nil
	}
	s.publish(ctx, hospitalID, "entry.status_changed", map[string]any{
		"entry_id": entryID, "status": status,
	})
	if err := s.mirrorSnapshot(ctx, c); err != nil {
		return true, &MirrorError{Op: "set-status", Err: err}
	}
	return true, nil
}

// Remove hard-deletes an entry (admin correction / testing).
func (s *Service) Remove(ctx context.Context, hospitalID, entryID uuid.UUID) (bool, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return false, err
	}
	if !c.RemoveEntry(entryID) {
		return false, nil
	}
	s.publish(ctx, hospitalID, "entry.removed", map[string]any{"entry_id": entryID})
	if _, err := s.repo.DeleteEntry(ctx, entryID); err != nil {
		return true, &MirrorError{Op: "remove", Err: err}
	}
	if err := s.mirrorSnapshot(ctx, c); err != nil {
		return true, &MirrorError{Op: "remove reorder", Err: err}
	}
	return true, nil
}

// Get returns one entry by id.
func (s *Service) Get(ctx context.Context, hospitalID, entryID uuid.UUID) (QueueEntry, bool, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return QueueEntry{}, false, err
	}
	e, ok := c.Get(entryID)
	return e, ok, nil
}

// List returns a snapshot of the hospital's queue.
func (s *Service) List(ctx context.Context, hospitalID uuid.UUID) ([]QueueEntry, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	return c.List(), nil
}

// Stats returns queue statistics for one hospital.
func (s *Service) Stats(ctx context.Context, hospitalID uuid.UUID) (Stats, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return Stats{}, err
	}
	return c.Stats(), nil
}

// ListUpdates returns the starvation audit log from the mirror.
func (s *Service) ListUpdates(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]QueueUpdate, int, error) {
	return s.repo.ListUpdates(ctx, hospitalID, limit, offset)
}

// CompensateStarvation runs one starvation pass for a hospital and
// mirrors both the audit records and the re-ranked snapshot.
func (s *Service) CompensateStarvation(ctx context.Context, hospitalID uuid.UUID) ([]QueueUpdate, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	updates := c.CompensateStarvation()
	if len(updates) == 0 {
		return nil, nil
	}
	s.publish(ctx, hospitalID, "queue.compensated", updates)
	if err := s.repo.AppendUpdates(ctx, updates); err != nil {
		return updates, &MirrorError{Op: "compensation log", Err: err}
	}
	if err := s.mirrorSnapshot(ctx, c); err != nil {
		return updates, &MirrorError{Op: "compensation reorder", Err: err}
	}
	return updates, nil
}

// ScanForNotifications flags threshold crossings, hands them to the
// notifier and mirrors the READY transitions.
func (s *Service) ScanForNotifications(ctx context.Context, hospitalID uuid.UUID) ([]QueueEntry, error) {
	c, err := s.core(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	crossed := c.ScanForNotifications(s.notifyThreshold)
	if len(crossed) == 0 {
		return nil, nil
	}
	if s.notifier != nil {
		s.notifier.NotifyReady(ctx, crossed)
	}
	s.publish(ctx, hospitalID, "entry.ready", crossed)
	if err := s.mirrorSnapshot(ctx, c); err != nil {
		return crossed, &MirrorError{Op: "notification scan", Err: err}
	}
	return crossed, nil
}

// Sweep runs the periodic starvation and notification passes over every
// hydrated hospital. A hospital whose previous pass is still in flight
// is skipped, not queued.
func (s *Service) Sweep(ctx context.Context) {
	for _, id := range s.Hospitals() {
		if _, busy := s.sweeping.LoadOrStore(id, struct{}{}); busy {
			s.log.Debug().Str("hospital_id", id.String()).Msg("sweep still in flight, skipping")
			continue
		}
		func(id uuid.UUID) {
			defer s.sweeping.Delete(id)

			updates, err := s.CompensateStarvation(ctx, id)
			if err != nil {
				s.log.Error().Err(err).Str("hospital_id", id.String()).Msg("starvation pass failed to mirror")
			}
			for _, u := range updates {
				s.log.Info().
					Str("hospital_id", id.String()).
					Str("entry_id", u.EntryID.String()).
					Int("old_position", u.OldPosition).
					Int("new_position", u.NewPosition).
					Msg(u.Reason)
			}

			crossed, err := s.ScanForNotifications(ctx, id)
			if err != nil {
				s.log.Error().Err(err).Str("hospital_id", id.String()).Msg("notification scan failed to mirror")
			}
			if len(crossed) > 0 {
				s.log.Info().Str("hospital_id", id.String()).Int("count", len(crossed)).Msg("entries flagged ready")
			}
		}(id)
	}
}

// mirrorSnapshot writes the hospital's full active ranking to the mirror.
func (s *Service) mirrorSnapshot(ctx context.Context, c *Core) error {
	return s.repo.SaveSnapshot(ctx, c.HospitalID(), c.List())
}

func (s *Service) publish(ctx context.Context, hospitalID uuid.UUID, eventType string, payload any) {
	if s.events == nil {
		return
	}
	// payload goes out as JSON over the wire; drop events that cannot marshal
	if _, err := json.Marshal(payload); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("unmarshalable event payload dropped")
		return
	}
	s.events.Publish(ctx, "hospital:"+hospitalID.String(), eventType, payload)
}
