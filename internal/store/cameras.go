package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/jackc/pgx/v5"
)

const cameraColumns = `id, name, url, roi, active_face, active_plate, save_new_faces, save_new_plates`

func scanCamera(row pgx.Row) (types.Camera, error) {
	var c types.Camera
	var roi string
	if err := row.Scan(&c.ID, &c.Name, &c.URL, &roi, &c.FaceEnabled, &c.PlateEnabled, &c.SaveNewFaces, &c.SaveNewPlates); err != nil {
		return c, err
	}
	r, err := types.ParseROI(roi)
	if err != nil {
		return c, fmt.Errorf("camera %d: %w", c.ID, err)
	}
	c.ROI = r
	return c, nil
}

// ListCameras returns up to limit cameras ordered by id. A limit of 0 means all.
func (s *Store) ListCameras(ctx context.Context, limit int) ([]types.Camera, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cams []types.Camera
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cams = append(cams, c)
	}
	return cams, rows.Err()
}

func (s *Store) GetCamera(ctx context.Context, id int) (types.Camera, error) {
	c, err := scanCamera(s.pool.QueryRow(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return c, err
}

// CreateCamera inserts c and sets its ID.
func (s *Store) CreateCamera(ctx context.Context, c *types.Camera) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO cameras (name, url, roi, active_face, active_plate, save_new_faces, save_new_plates)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, c.Name, c.URL, c.ROI.String(), c.FaceEnabled, c.PlateEnabled, c.SaveNewFaces, c.SaveNewPlates).Scan(&c.ID)
}

func (s *Store) UpdateCamera(ctx context.Context, c types.Camera) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cameras SET name = $1, url = $2, roi = $3, active_face = $4, active_plate = $5,
			save_new_faces = $6, save_new_plates = $7
		WHERE id = $8
	`, c.Name, c.URL, c.ROI.String(), c.FaceEnabled, c.PlateEnabled, c.SaveNewFaces, c.SaveNewPlates, c.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("camera %d: %w", c.ID, ErrNotFound)
	}
	return nil
}
