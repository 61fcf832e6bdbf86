package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/servitor-dev/servitor/internal/db"
)

// ErrWorkspaceNotFound is returned when a workspace lookup misses.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Project is one registered repository.
type Project struct {
	ID        string    `db:"id" json:"id"`
	Path      string    `db:"path" json:"path"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Workspace is one named worktree of a project.
type Workspace struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"projectId"`
	Name      string    `db:"name" json:"name"`
	Path      string    `db:"path" json:"path"`
	Branch    string    `db:"branch" json:"branch"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Store persists projects and workspaces.
type Store interface {
	UpsertProject(ctx context.Context, path, name string) (*Project, error)
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, projectID, name string) (*Workspace, error)
	ListWorkspaces(ctx context.Context, projectID string) ([]*Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
}

// SQLStore implements Store on the shared database pool. Works against
// both sqlite and postgres through query rebinding.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore builds the store and ensures its schema exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init workspace schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(project_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_project_id ON workspaces(project_id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// UpsertProject registers a repository path, keeping its id stable across
// restarts.
func (s *SQLStore) UpsertProject(ctx context.Context, path, name string) (*Project, error) {
	w := s.pool.Writer()

	var existing Project
	err := w.GetContext(ctx, &existing, w.Rebind(`SELECT * FROM projects WHERE path = ?`), path)
	if err == nil {
		if existing.Name == name {
			return &existing, nil
		}
		if _, err := w.ExecContext(ctx, w.Rebind(`UPDATE projects SET name = ? WHERE id = ?`), name, existing.ID); err != nil {
			return nil, fmt.Errorf("update project: %w", err)
		}
		existing.Name = name
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup project: %w", err)
	}

	p := &Project{
		ID:        uuid.New().String(),
		Path:      path,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO projects (id, path, name, created_at) VALUES (?, ?, ?, ?)`),
		p.ID, p.Path, p.Name, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// CreateWorkspace persists a workspace record, assigning an id if missing.
func (s *SQLStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workspaces (id, project_id, name, path, branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ws.ID, ws.ProjectID, ws.Name, ws.Path, ws.Branch, ws.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace looks a workspace up by project and name.
func (s *SQLStore) GetWorkspace(ctx context.Context, projectID, name string) (*Workspace, error) {
	r := s.pool.Reader()
	var ws Workspace
	err := r.GetContext(ctx, &ws, r.Rebind(`
		SELECT * FROM workspaces WHERE project_id = ? AND name = ?`), projectID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns a project's workspaces ordered by creation time.
func (s *SQLStore) ListWorkspaces(ctx context.Context, projectID string) ([]*Workspace, error) {
	r := s.pool.Reader()
	var list []*Workspace
	err := r.SelectContext(ctx, &list, r.Rebind(`
		SELECT * FROM workspaces WHERE project_id = ? ORDER BY created_at, name`), projectID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return list, nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}
