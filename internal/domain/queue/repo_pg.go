package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the PostgreSQL-backed persistence mirror.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const entryCols = `id, hospital_id, name, urgency, initial_position, current_position,
	estimated_wait_mins, check_in_time, notified, status`

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.HospitalID, &e.Name, &e.Urgency, &e.InitialPosition,
		&e.CurrentPosition, &e.EstimatedWaitMins, &e.CheckInTime, &e.Notified, &e.Status)
	return &e, err
}

func (r *repoPG) ListActive(ctx context.Context, hospitalID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryCols+` FROM queue_entry
		WHERE hospital_id = $1 AND status IN ($2, $3)
		ORDER BY check_in_time`,
		hospitalID, StatusWaiting, StatusInService)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}
	defer rows.Close()

	var items []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) SaveEntry(ctx context.Context, e *QueueEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_entry (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			current_position = EXCLUDED.current_position,
			estimated_wait_mins = EXCLUDED.estimated_wait_mins,
			notified = EXCLUDED.notified,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		e.ID, e.HospitalID, e.Name, e.Urgency, e.InitialPosition,
		e.CurrentPosition, e.EstimatedWaitMins, e.CheckInTime, e.Notified, e.Status)
	if err != nil {
		return fmt.Errorf("save queue entry: %w", err)
	}
	return nil
}

func (r *repoPG) SaveSnapshot(ctx context.Context, hospitalID uuid.UUID, entries []QueueEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range entries {
		e := &entries[i]
		_, err := tx.Exec(ctx, `
			UPDATE queue_entry
			SET current_position = $2, notified = $3, status = $4, updated_at = NOW()
			WHERE id = $1`,
			e.ID, e.CurrentPosition, e.Notified, e.Status)
		if err != nil {
			return fmt.Errorf("mirror entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

func (r *repoPG) DeleteEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM queue_entry WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repoPG) AppendUpdates(ctx context.Context, updates []QueueUpdate) error {
	for i := range updates {
		u := &updates[i]
		_, err := r.pool.Exec(ctx, `
			INSERT INTO queue_update (id, hospital_id, entry_id, old_position, new_position, reason, timestamp)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			u.ID, u.HospitalID, u.EntryID, u.OldPosition, u.NewPosition, u.Reason, u.Timestamp)
		if err != nil {
			return fmt.Errorf("append queue update: %w", err)
		}
	}
	return nil
}

func (r *repoPG) ListUpdates(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]QueueUpdate, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_update WHERE hospital_id = $1`, hospitalID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue updates: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, hospital_id, entry_id, old_position, new_position, reason, timestamp
		FROM queue_update WHERE hospital_id = $1
		ORDER BY timestamp LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue updates: %w", err)
	}
	defer rows.Close()

	var items []QueueUpdate
	for rows.Next() {
		var u QueueUpdate
		if err := rows.Scan(&u.ID, &u.HospitalID, &u.EntryID, &u.OldPosition,
			&u.NewPosition, &u.Reason, &u.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan queue update: %w", err)
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}
