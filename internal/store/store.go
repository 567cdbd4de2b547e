package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicatePlate = errors.New("plate already registered")
)

// Store holds cameras, targets and events in PostgreSQL with pgvector.
// It is safe for concurrent use by camera workers.
type Store struct {
	pool *pgxpool.Pool
}

// New ensures the schema exists, then opens a connection pool whose
// connections understand the vector type.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	// The extension must exist before pool connections register its types.
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS cameras (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			roi TEXT NOT NULL DEFAULT '',
			active_face BOOLEAN NOT NULL DEFAULT FALSE,
			active_plate BOOLEAN NOT NULL DEFAULT FALSE,
			save_new_faces BOOLEAN NOT NULL DEFAULT FALSE,
			save_new_plates BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS target_faces (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS target_face_templates (
			id BIGSERIAL PRIMARY KEY,
			target_id INT NOT NULL REFERENCES target_faces(id) ON DELETE CASCADE,
			position INT NOT NULL,
			embedding VECTOR(%d),
			UNIQUE (target_id, position)
		);
		CREATE TABLE IF NOT EXISTS target_plates (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			plate TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS event_faces (
			id BIGSERIAL PRIMARY KEY,
			camera_id INT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			target_id INT REFERENCES target_faces(id) ON DELETE SET NULL,
			snapshot TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS event_plates (
			id BIGSERIAL PRIMARY KEY,
			camera_id INT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			plate TEXT NOT NULL,
			target_id INT REFERENCES target_plates(id) ON DELETE SET NULL,
			snapshot TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS event_faces_camera_idx ON event_faces (camera_id, at);
		CREATE INDEX IF NOT EXISTS event_plates_camera_idx ON event_plates (camera_id, at);
	`, types.EmbeddingDim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS event_faces CASCADE;
		DROP TABLE IF EXISTS event_plates CASCADE;
		DROP TABLE IF EXISTS target_face_templates CASCADE;
		DROP TABLE IF EXISTS target_faces CASCADE;
		DROP TABLE IF EXISTS target_plates CASCADE;
		DROP TABLE IF EXISTS cameras CASCADE;
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
