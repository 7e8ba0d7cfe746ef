package fleet

import "context"

// RecordStore persists service records across process restarts. The
// interface lives here, next to its consumer, rather than in
// internal/store: implementations (in-memory, Postgres-backed) depend
// on Record, not the other way around.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, name string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
}
