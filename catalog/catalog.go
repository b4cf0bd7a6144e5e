// Package catalog is the metadata store shared by the extraction
// pipeline: users, extractions with their status state machine, projects
// with their provisioning lifecycle, structuring run reports, and the
// dead-letter replay counters.
//
// All state lives in a single SQLite catalog database opened by the
// process entry point; the pipeline receives a *Store and never opens
// connections of its own.
package catalog

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/moisson/idgen"
)

// Store wraps the catalog database.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the default ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle for callers that share the database
// (the job queue lives in the same file in small deployments).
func (s *Store) DB() *sql.DB { return s.db }

// Init applies the catalog schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
