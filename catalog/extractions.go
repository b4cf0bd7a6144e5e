package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertExtraction creates the extraction if absent, otherwise updates
// its reference table and status. Re-running an extraction with the same
// name for the same owner reuses the record.
func (s *Store) UpsertExtraction(ctx context.Context, userID, name, referenceTable string, status ExtractionStatus) (*Extraction, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extractions (id, name, reference_table, status, user_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, name) DO UPDATE SET
		     reference_table = excluded.reference_table,
		     status          = excluded.status,
		     updated_at      = excluded.updated_at`,
		s.newID(), name, referenceTable, string(status), userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert extraction: %w", err)
	}
	return s.ExtractionByName(ctx, userID, name)
}

// ExtractionByID retrieves one extraction. Returns ErrNotFound if absent.
func (s *Store) ExtractionByID(ctx context.Context, id string) (*Extraction, error) {
	return s.scanExtraction(s.db.QueryRowContext(ctx,
		`SELECT id, name, reference_table, status, user_id, created_at, updated_at
		 FROM extractions WHERE id = ?`, id))
}

// ExtractionByName retrieves one extraction by owner and name.
func (s *Store) ExtractionByName(ctx context.Context, userID, name string) (*Extraction, error) {
	return s.scanExtraction(s.db.QueryRowContext(ctx,
		`SELECT id, name, reference_table, status, user_id, created_at, updated_at
		 FROM extractions WHERE user_id = ? AND name = ?`, userID, name))
}

// ListExtractions returns a user's extractions, newest first.
func (s *Store) ListExtractions(ctx context.Context, userID string, limit int) ([]*Extraction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, reference_table, status, user_id, created_at, updated_at
		 FROM extractions WHERE user_id = ?
		 ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Extraction
	for rows.Next() {
		var e Extraction
		var status string
		if err := rows.Scan(&e.ID, &e.Name, &e.ReferenceTable, &status, &e.UserID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan extraction: %w", err)
		}
		e.Status = ExtractionStatus(status)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// SetExtractionStatus moves an extraction to a new state.
func (s *Store) SetExtractionStatus(ctx context.Context, id string, status ExtractionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set extraction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanExtraction(row *sql.Row) (*Extraction, error) {
	var e Extraction
	var status string
	err := row.Scan(&e.ID, &e.Name, &e.ReferenceTable, &status, &e.UserID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan extraction: %w", err)
	}
	e.Status = ExtractionStatus(status)
	return &e, nil
}
