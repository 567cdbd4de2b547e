package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresmejia3/vigil/internal/recognition"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/pgvector/pgvector-go"
)

// TargetKind selects the face or plate roster.
type TargetKind string

const (
	FaceTarget  TargetKind = "face"
	PlateTarget TargetKind = "plate"
)

func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(strings.ToLower(s)) {
	case FaceTarget:
		return FaceTarget, nil
	case PlateTarget:
		return PlateTarget, nil
	}
	return "", fmt.Errorf("unknown target kind %q (want face or plate)", s)
}

func (k TargetKind) table() string {
	if k == PlateTarget {
		return "target_plates"
	}
	return "target_faces"
}

// LoadTargets reads the whole roster ordered by id. NULL templates load as
// empty placeholders, which matching skips.
func (s *Store) LoadTargets(ctx context.Context) (types.Targets, error) {
	var t types.Targets

	rows, err := s.pool.Query(ctx, `SELECT id, name FROM target_faces ORDER BY id`)
	if err != nil {
		return t, err
	}
	index := map[int]int{}
	for rows.Next() {
		var f types.TargetFace
		if err := rows.Scan(&f.ID, &f.Name); err != nil {
			rows.Close()
			return t, err
		}
		index[f.ID] = len(t.Faces)
		t.Faces = append(t.Faces, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, err
	}

	rows, err = s.pool.Query(ctx, `SELECT target_id, embedding FROM target_face_templates ORDER BY target_id, position`)
	if err != nil {
		return t, err
	}
	for rows.Next() {
		var id int
		var emb *pgvector.Vector
		if err := rows.Scan(&id, &emb); err != nil {
			rows.Close()
			return t, err
		}
		i, ok := index[id]
		if !ok {
			continue
		}
		var tpl []float64
		if emb != nil {
			tpl = toFloat64(emb.Slice())
		}
		t.Faces[i].Templates = append(t.Faces[i].Templates, tpl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, err
	}

	t.Plates, err = s.ListPlateTargets(ctx)
	return t, err
}

func (s *Store) ListPlateTargets(ctx context.Context) ([]types.TargetPlate, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, plate FROM target_plates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plates []types.TargetPlate
	for rows.Next() {
		var p types.TargetPlate
		if err := rows.Scan(&p.ID, &p.Name, &p.Plate); err != nil {
			return nil, err
		}
		plates = append(plates, p)
	}
	return plates, rows.Err()
}

// CreatePlateTarget stores the normalized plate. Registering a plate twice fails with ErrDuplicatePlate.
func (s *Store) CreatePlateTarget(ctx context.Context, name, plate string) (int, error) {
	plate = recognition.NormalizePlate(plate)
	if plate == "" {
		return 0, fmt.Errorf("empty plate")
	}
	var id int
	err := s.pool.QueryRow(ctx, `INSERT INTO target_plates (name, plate) VALUES ($1, $2) RETURNING id`, name, plate).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%s: %w", plate, ErrDuplicatePlate)
	}
	return id, err
}

// CreateFaceTarget stores a face identity with its templates in order.
// A nil template is kept as a placeholder.
func (s *Store) CreateFaceTarget(ctx context.Context, name string, templates [][]float64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int
	if err := tx.QueryRow(ctx, `INSERT INTO target_faces (name) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
		return 0, err
	}
	for pos, tpl := range templates {
		var emb *pgvector.Vector
		if len(tpl) > 0 {
			if len(tpl) != types.EmbeddingDim {
				return 0, fmt.Errorf("template %d has %d values, want %d", pos, len(tpl), types.EmbeddingDim)
			}
			v := pgvector.NewVector(toFloat32(tpl))
			emb = &v
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO target_face_templates (target_id, position, embedding) VALUES ($1, $2, $3)
		`, id, pos, emb); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit(ctx)
}

// RenameTarget updates the display name of a target.
func (s *Store) RenameTarget(ctx context.Context, kind TargetKind, id int, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+kind.table()+` SET name = $1 WHERE id = $2`, name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s target %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// DeleteTarget removes a target. Its past events stay, unlinked.
func (s *Store) DeleteTarget(ctx context.Context, kind TargetKind, id int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+kind.table()+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s target %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
