// Package provision turns declarative collection definitions into live
// relational tables and validated row inserts. Each project gets its own
// physical store file, created atomically: a failure during provisioning
// removes both the file and the catalog record.
package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/rawstore"
)

// Config configures the Provisioner.
type Config struct {
	// DataDir is where project store files live.
	DataDir string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data/projects"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Provisioner creates project stores and writes typed rows into them.
// Store handles are pooled per project and reused across operations.
type Provisioner struct {
	cfg     Config
	catalog *catalog.Store

	mu     sync.Mutex
	stores map[string]*sql.DB
}

// New creates a Provisioner backed by the given catalog.
func New(cat *catalog.Store, cfg Config) *Provisioner {
	cfg.defaults()
	return &Provisioner{
		cfg:     cfg,
		catalog: cat,
		stores:  make(map[string]*sql.DB),
	}
}

func (p *Provisioner) storePath(storageRef string) string {
	return filepath.Join(p.cfg.DataDir, storageRef+".db")
}

// openStore returns the pooled handle for a project store, opening it on
// first use.
func (p *Provisioner) openStore(storageRef string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.stores[storageRef]; ok {
		return db, nil
	}
	db, err := dbopen.Open(p.storePath(storageRef), dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("provision: open store %s: %w", storageRef, err)
	}
	p.stores[storageRef] = db
	return db, nil
}

func (p *Provisioner) dropStore(storageRef string) {
	p.mu.Lock()
	if db, ok := p.stores[storageRef]; ok {
		db.Close()
		delete(p.stores, storageRef)
	}
	p.mu.Unlock()
	os.Remove(p.storePath(storageRef))
}

// Close closes every pooled store handle.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for ref, db := range p.stores {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ref, err))
		}
		delete(p.stores, ref)
	}
	return errors.Join(errs...)
}

// CreateProject validates the definition, records the project, creates
// the physical store and one table per collection, then marks the
// project ACTIVE. Any failure rolls back the store file and the catalog
// record: no half-provisioned project survives. The returned Descriptors
// summarize the primary collection for callers that present the project
// back to the user.
func (p *Provisioner) CreateProject(ctx context.Context, userID, name string, collections []Collection) (*catalog.Project, *Descriptors, error) {
	if err := Validate(name, collections); err != nil {
		return nil, nil, err
	}

	if _, err := p.catalog.ProjectByName(ctx, userID, name); err == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateProject, name)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, nil, err
	}

	encoded, err := EncodeCollections(collections)
	if err != nil {
		return nil, nil, err
	}

	storageRef := catalog.StorageRefFor(userID, name)
	proj, err := p.catalog.CreateProject(ctx, userID, name, storageRef, encoded)
	if err != nil {
		return nil, nil, err
	}

	if err := p.createTables(ctx, storageRef, collections); err != nil {
		p.cfg.Logger.Error("provision: rolling back project",
			"project_id", proj.ID, "name", name, "error", err)
		p.dropStore(storageRef)
		if rerr := p.catalog.RemoveProject(ctx, proj.ID); rerr != nil {
			p.cfg.Logger.Error("provision: rollback of catalog record failed",
				"project_id", proj.ID, "error", rerr)
		}
		return nil, nil, err
	}

	if err := p.catalog.SetProjectStatus(ctx, proj.ID, catalog.ProjectActive); err != nil {
		return nil, nil, err
	}
	proj.Status = catalog.ProjectActive

	p.cfg.Logger.Info("provision: project created",
		"project_id", proj.ID, "name", name, "collections", len(collections))
	return proj, DescribeCollections(collections), nil
}

func (p *Provisioner) createTables(ctx context.Context, storageRef string, collections []Collection) error {
	db, err := p.openStore(storageRef)
	if err != nil {
		return err
	}
	for _, col := range collections {
		if _, err := db.ExecContext(ctx, createTableSQL(col)); err != nil {
			return fmt.Errorf("provision: create table %s: %w", TableName(col), err)
		}
		if idx := createIndexSQL(col); idx != "" {
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("provision: create index for %s: %w", TableName(col), err)
			}
		}
	}
	return nil
}

// InsertRow writes one record into a project collection. Values are
// filtered to declared fields; a duplicate row key is silently skipped.
// Returns true when a row was actually written.
func (p *Provisioner) InsertRow(ctx context.Context, proj *catalog.Project, col Collection, values map[string]any) (bool, error) {
	var columns []string
	var args []any
	for _, f := range col.Fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		columns = append(columns, rawstore.Sanitize(f.Name))
		args = append(args, v)
	}
	if len(columns) == 0 {
		return false, fmt.Errorf("%w: no declared fields in values", ErrInvalidInput)
	}

	db, err := p.openStore(proj.StorageRef)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, insertSQL(TableName(col), columns), args...)
	if err != nil {
		return false, fmt.Errorf("provision: insert into %s: %w", TableName(col), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DropProject soft-deletes a project. Rows and tables are retained.
func (p *Provisioner) DropProject(ctx context.Context, projectID string) error {
	return p.catalog.SetProjectStatus(ctx, projectID, catalog.ProjectDeleted)
}
