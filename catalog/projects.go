package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateProject inserts a project row in the PROVISIONING state. The
// provisioner flips it to ACTIVE once all collection tables exist, or
// removes it on failure.
func (s *Store) CreateProject(ctx context.Context, userID, name, storageRef, collectionsJSON string) (*Project, error) {
	now := time.Now().UnixMilli()
	p := &Project{
		ID:              s.newID(),
		Name:            name,
		UserID:          userID,
		StorageRef:      storageRef,
		CollectionsJSON: collectionsJSON,
		Status:          ProjectProvisioning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, user_id, storage_ref, collections_json, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.UserID, p.StorageRef, p.CollectionsJSON, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// ProjectByID retrieves one project. Returns ErrNotFound if absent.
func (s *Store) ProjectByID(ctx context.Context, id string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, storage_ref, collections_json, status, created_at, updated_at
		 FROM projects WHERE id = ?`, id))
}

// ProjectByName retrieves one non-deleted project by owner and name.
func (s *Store) ProjectByName(ctx context.Context, userID, name string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, user_id, storage_ref, collections_json, status, created_at, updated_at
		 FROM projects WHERE user_id = ? AND name = ? AND status != ?`,
		userID, name, string(ProjectDeleted)))
}

// ListProjects returns a user's non-deleted projects.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, user_id, storage_ref, collections_json, status, created_at, updated_at
		 FROM projects WHERE user_id = ? AND status != ?
		 ORDER BY created_at DESC`, userID, string(ProjectDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Project
	for rows.Next() {
		var p Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.UserID, &p.StorageRef, &p.CollectionsJSON, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Status = ProjectStatus(status)
		result = append(result, &p)
	}
	return result, rows.Err()
}

// SetProjectStatus moves a project to a new lifecycle state.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status ProjectStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveProject hard-deletes a project row. Used only by provisioning
// rollback; normal deletion is the DELETED soft state.
func (s *Store) RemoveProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

// StorageRefFor derives a filesystem-safe physical store identifier from
// a project name and owner.
func StorageRefFor(userID, name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(name + userID) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *Store) scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.UserID, &p.StorageRef, &p.CollectionsJSON, &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = ProjectStatus(status)
	return &p, nil
}
