// Package rawstore is the durable store of unstructured fetched content,
// keyed by reference table name.
//
// Each extraction gets its own table, created lazily on first append.
// Table names pass through Sanitize, so the dynamic DDL can never carry
// anything outside [a-z0-9].
package rawstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/moisson/idgen"
)

// ErrBadTableName is returned when a reference table name sanitizes to
// the empty string.
var ErrBadTableName = errors.New("rawstore: invalid reference table name")

// Record is one captured page.
type Record struct {
	ID         string `json:"id,omitempty"`
	Text       string `json:"text"`
	HTML       string `json:"html"`
	Link       string `json:"link"`
	ScrapedAt  string `json:"scraped_at"`
	SourceType string `json:"source_type,omitempty"`
	SourceName string `json:"source_name,omitempty"`
}

// Store wraps the raw-content database.
type Store struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the default record ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.Default, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sanitize lowercases s and strips every character outside [a-z0-9].
// Idempotent: Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// EnsureTable creates the backing table for a reference name if absent.
// Idempotent.
func (s *Store) EnsureTable(ctx context.Context, table string) error {
	name := Sanitize(table)
	if name == "" {
		return ErrBadTableName
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id          TEXT PRIMARY KEY,
			text        TEXT NOT NULL DEFAULT '',
			html        TEXT NOT NULL DEFAULT '',
			link        TEXT NOT NULL DEFAULT '',
			scraped_at  TEXT NOT NULL DEFAULT '',
			source_type TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT ''
		)`, name))
	if err != nil {
		return fmt.Errorf("rawstore: ensure table %s: %w", name, err)
	}
	return nil
}

// Append writes records to the reference table, creating it if absent.
// Records with neither content nor link are dropped. Returns the number
// of records written.
func (s *Store) Append(ctx context.Context, table string, records []Record) (int, error) {
	name := Sanitize(table)
	if name == "" {
		return 0, ErrBadTableName
	}

	valid := records[:0:0]
	for _, r := range records {
		if (r.Text == "" && r.HTML == "") || r.Link == "" {
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		s.logger.Debug("rawstore: nothing valid to append", "table", name)
		return 0, nil
	}

	if err := s.EnsureTable(ctx, name); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rawstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (id, text, html, link, scraped_at, source_type, source_name)
		 VALUES (?,?,?,?,?,?,?)`, name))
	if err != nil {
		return 0, fmt.Errorf("rawstore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range valid {
		id := r.ID
		if id == "" {
			id = s.newID()
		}
		if _, err := stmt.ExecContext(ctx, id, r.Text, r.HTML, r.Link, r.ScrapedAt, r.SourceType, r.SourceName); err != nil {
			return 0, fmt.Errorf("rawstore: insert into %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rawstore: commit: %w", err)
	}
	s.logger.Debug("rawstore: appended", "table", name, "records", len(valid))
	return len(valid), nil
}

// Query returns up to limit records from the reference table, oldest
// first. A missing table yields an empty result, not an error.
func (s *Store) Query(ctx context.Context, table string, limit int) ([]Record, error) {
	name := Sanitize(table)
	if name == "" {
		return nil, ErrBadTableName
	}
	if limit <= 0 {
		limit = 40
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, text, html, link, scraped_at, source_type, source_name
		 FROM %q ORDER BY rowid ASC LIMIT ?`, name), limit)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, fmt.Errorf("rawstore: query %s: %w", name, err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Text, &r.HTML, &r.Link, &r.ScrapedAt, &r.SourceType, &r.SourceName); err != nil {
			return nil, fmt.Errorf("rawstore: scan: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
