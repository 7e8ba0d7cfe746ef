package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetboot/fleetboot/internal/fleet"
)

// PostgresStore is the durable fleet.RecordStore backing a production
// run: one row per service record, with the exported-attribute list
// and launch history kept as JSONB so a restart picks up exactly
// where it left off -- records are read back verbatim on resume.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies it, and ensures the
// records table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_service_records (
			name TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure fleet_service_records schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, rec *fleet.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Name, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fleet_service_records (name, data) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data`,
		rec.Name, data)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.Name, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, name string) (*fleet.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM fleet_service_records WHERE name = $1`, name).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fleet.ErrRecordNotFound
		}
		return nil, fmt.Errorf("load record %s: %w", name, err)
	}
	rec := &fleet.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", name, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*fleet.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM fleet_service_records ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec := &fleet.Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
