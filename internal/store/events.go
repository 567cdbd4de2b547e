package store

import (
	"context"

	"github.com/andresmejia3/vigil/internal/types"
)

// InsertFaceEvent appends a face sighting and sets ev.ID.
func (s *Store) InsertFaceEvent(ctx context.Context, ev *types.EventFace) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO event_faces (camera_id, at, target_id, snapshot) VALUES ($1, $2, $3, $4) RETURNING id
	`, ev.CameraID, ev.Time, ev.TargetID, ev.Snapshot).Scan(&ev.ID)
}

// InsertPlateEvent appends a plate sighting and sets ev.ID.
func (s *Store) InsertPlateEvent(ctx context.Context, ev *types.EventPlate) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO event_plates (camera_id, at, plate, target_id, snapshot) VALUES ($1, $2, $3, $4, $5) RETURNING id
	`, ev.CameraID, ev.Time, ev.Plate, ev.TargetID, ev.Snapshot).Scan(&ev.ID)
}

// ListFaceEvents returns a camera's face events, newest first, with target names resolved.
func (s *Store) ListFaceEvents(ctx context.Context, cameraID int) ([]types.EventFace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.camera_id, e.at, e.target_id, COALESCE(t.name, ''), e.snapshot
		FROM event_faces e LEFT JOIN target_faces t ON t.id = e.target_id
		WHERE e.camera_id = $1
		ORDER BY e.at DESC, e.id DESC
	`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EventFace
	for rows.Next() {
		var ev types.EventFace
		if err := rows.Scan(&ev.ID, &ev.CameraID, &ev.Time, &ev.TargetID, &ev.Target, &ev.Snapshot); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListPlateEvents returns a camera's plate events, newest first, with target names resolved.
func (s *Store) ListPlateEvents(ctx context.Context, cameraID int) ([]types.EventPlate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.camera_id, e.at, e.plate, e.target_id, COALESCE(t.name, ''), e.snapshot
		FROM event_plates e LEFT JOIN target_plates t ON t.id = e.target_id
		WHERE e.camera_id = $1
		ORDER BY e.at DESC, e.id DESC
	`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.EventPlate
	for rows.Next() {
		var ev types.EventPlate
		if err := rows.Scan(&ev.ID, &ev.CameraID, &ev.Time, &ev.Plate, &ev.TargetID, &ev.Target, &ev.Snapshot); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResetEvents deletes every event of a camera and returns how many rows went away.
func (s *Store) ResetEvents(ctx context.Context, cameraID int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, table := range []string{"event_faces", "event_plates"} {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE camera_id = $1`, cameraID)
		if err != nil {
			return 0, err
		}
		total += tag.RowsAffected()
	}
	return total, tx.Commit(ctx)
}
