package catalog

import (
	"context"
	"fmt"
	"time"
)

// BumpReplayCount increments the durable replay counter for a
// dead-lettered job key and returns the new count. The key survives the
// job's round trip through the fetch queue, so the dead-letter
// coordinator can bound replays of a permanently broken URL.
func (s *Store) BumpReplayCount(ctx context.Context, jobKey string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO replay_counts (job_key, attempts, updated_at) VALUES (?, 1, ?)
		 ON CONFLICT(job_key) DO UPDATE SET
		     attempts   = attempts + 1,
		     updated_at = excluded.updated_at
		 RETURNING attempts`,
		jobKey, time.Now().UnixMilli(),
	)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, fmt.Errorf("bump replay count: %w", err)
	}
	return attempts, nil
}

// ResetReplayCount clears the counter after a job finally succeeds.
func (s *Store) ResetReplayCount(ctx context.Context, jobKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_counts WHERE job_key = ?`, jobKey)
	return err
}
