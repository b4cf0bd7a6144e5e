package catalog

import (
	"context"
	"fmt"
	"time"
)

// SaveRunReport persists the aggregate outcome of one structuring run.
func (s *Store) SaveRunReport(ctx context.Context, r *RunReport) error {
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if r.ReportJSON == "" {
		r.ReportJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_reports (id, extraction_id, total, succeeded, failed, report_json, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.ExtractionID, r.Total, r.Succeeded, r.Failed, r.ReportJSON, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save run report: %w", err)
	}
	return nil
}

// ListRunReports returns the reports for an extraction, newest first.
func (s *Store) ListRunReports(ctx context.Context, extractionID string, limit int) ([]*RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, extraction_id, total, succeeded, failed, report_json, created_at
		 FROM run_reports WHERE extraction_id = ?
		 ORDER BY created_at DESC LIMIT ?`, extractionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunReport
	for rows.Next() {
		var r RunReport
		if err := rows.Scan(&r.ID, &r.ExtractionID, &r.Total, &r.Succeeded, &r.Failed, &r.ReportJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run report: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
