package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/servitor-dev/servitor/internal/common/config"
	"github.com/servitor-dev/servitor/internal/common/logger"
	"github.com/servitor-dev/servitor/internal/events"
	"github.com/servitor-dev/servitor/internal/events/bus"
)

// MainWorkspaceName addresses the project checkout itself rather than a
// dedicated worktree.
const MainWorkspaceName = "main"

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Manager creates and removes workspace worktrees for one project and keeps
// the database in sync with the working trees on disk.
type Manager struct {
	cfg          config.WorktreeConfig
	store        Store
	bus          bus.EventBus
	log          *logger.Logger
	repoPath     string
	project      *Project
	worktreesDir string
	baseBranch   string

	// Serializes git worktree mutations; git locks the repo anyway and
	// interleaved add/remove produce confusing errors.
	gitMu sync.Mutex
}

// NewManager resolves the repository at repoPath, registers it as a project
// and returns a manager for its workspaces. A nil eventBus disables lifecycle
// event publishing.
func NewManager(ctx context.Context, cfg config.WorktreeConfig, repoPath string, store Store, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	root, err := RepoRoot(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", repoPath, err)
	}

	pf, err := LoadProjectFile(root)
	if err != nil {
		return nil, err
	}
	name := pf.Name
	if name == "" {
		name = filepath.Base(root)
	}

	project, err := store.UpsertProject(ctx, root, name)
	if err != nil {
		return nil, err
	}

	worktreesDir := pf.WorktreesDir
	if worktreesDir == "" {
		worktreesDir = filepath.Join(cfg.BasePath, project.Name)
	} else if !filepath.IsAbs(worktreesDir) {
		worktreesDir = filepath.Join(root, worktreesDir)
	}
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}

	baseBranch := pf.BaseBranch
	if baseBranch == "" {
		baseBranch = cfg.DefaultBranch
	}

	return &Manager{
		cfg:          cfg,
		store:        store,
		bus:          eventBus,
		log:          log.WithFields(zap.String("component", "workspace-manager"), zap.String("project", project.Name)),
		repoPath:     root,
		project:      project,
		worktreesDir: worktreesDir,
		baseBranch:   baseBranch,
	}, nil
}

// Project returns the registered project record.
func (m *Manager) Project() *Project { return m.project }

// RepoPath returns the project checkout's root directory.
func (m *Manager) RepoPath() string { return m.repoPath }

// Resolve maps a workspace name to its working directory. The main
// workspace resolves to the project checkout.
func (m *Manager) Resolve(ctx context.Context, name string) (string, error) {
	if name == MainWorkspaceName {
		return m.repoPath, nil
	}
	ws, err := m.store.GetWorkspace(ctx, m.project.ID, name)
	if err != nil {
		return "", err
	}
	return ws.Path, nil
}

// List returns all workspaces, with the main workspace first.
func (m *Manager) List(ctx context.Context) ([]*Workspace, error) {
	list, err := m.store.ListWorkspaces(ctx, m.project.ID)
	if err != nil {
		return nil, err
	}
	main := &Workspace{
		ID:        m.project.ID,
		ProjectID: m.project.ID,
		Name:      MainWorkspaceName,
		Path:      m.repoPath,
	}
	return append([]*Workspace{main}, list...), nil
}

// Get looks up one workspace by name.
func (m *Manager) Get(ctx context.Context, name string) (*Workspace, error) {
	if name == MainWorkspaceName {
		return &Workspace{
			ID:        m.project.ID,
			ProjectID: m.project.ID,
			Name:      MainWorkspaceName,
			Path:      m.repoPath,
		}, nil
	}
	return m.store.GetWorkspace(ctx, m.project.ID, name)
}

// Create adds a worktree on a fresh namespaced branch and records it.
func (m *Manager) Create(ctx context.Context, name string) (*Workspace, error) {
	if name == MainWorkspaceName {
		return nil, fmt.Errorf("workspace name %q is reserved", name)
	}
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid workspace name %q", name)
	}
	if _, err := m.store.GetWorkspace(ctx, m.project.ID, name); err == nil {
		return nil, fmt.Errorf("workspace %q already exists", name)
	}

	base := m.baseBranch
	if !BranchExists(ctx, m.repoPath, base) {
		cur, err := CurrentBranch(ctx, m.repoPath)
		if err != nil {
			return nil, err
		}
		base = cur
	}

	ws := &Workspace{
		ProjectID: m.project.ID,
		Name:      name,
		Path:      filepath.Join(m.worktreesDir, name),
		Branch:    m.cfg.BranchPrefix + name,
	}

	m.gitMu.Lock()
	err := AddWorktree(ctx, m.repoPath, ws.Path, ws.Branch, base)
	m.gitMu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		// Roll the worktree back so disk and database stay in sync.
		m.gitMu.Lock()
		if rmErr := RemoveWorktree(ctx, m.repoPath, ws.Path); rmErr != nil {
			m.log.WithError(rmErr).Warn("failed to roll back worktree")
		}
		m.gitMu.Unlock()
		return nil, err
	}

	m.log.Info("workspace created",
		zap.String("workspace", ws.Name),
		zap.String("branch", ws.Branch),
		zap.String("path", ws.Path))
	m.publishLifecycle(ctx, events.WorkspaceCreated, ws.Name)
	return ws, nil
}

// Delete removes a workspace's worktree and record, optionally deleting its
// branch as well.
func (m *Manager) Delete(ctx context.Context, name string, deleteBranch bool) error {
	if name == MainWorkspaceName {
		return fmt.Errorf("cannot delete the main workspace")
	}
	ws, err := m.store.GetWorkspace(ctx, m.project.ID, name)
	if err != nil {
		return err
	}

	m.gitMu.Lock()
	err = RemoveWorktree(ctx, m.repoPath, ws.Path)
	if err != nil {
		// The directory may already be gone; clean up what remains.
		m.log.WithError(err).Warn("git worktree remove failed, removing directory")
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			m.gitMu.Unlock()
			return rmErr
		}
		_, _ = runGit(ctx, m.repoPath, "worktree", "prune")
	}
	if deleteBranch && ws.Branch != "" {
		if err := DeleteBranch(ctx, m.repoPath, ws.Branch); err != nil {
			m.log.WithError(err).Warn("failed to delete workspace branch")
		}
	}
	m.gitMu.Unlock()

	if err := m.store.DeleteWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	m.log.Info("workspace deleted", zap.String("workspace", name))
	m.publishLifecycle(ctx, events.WorkspaceDeleted, name)
	return nil
}

func (m *Manager) publishLifecycle(ctx context.Context, eventType, name string) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "workspace-manager", map[string]interface{}{
		"project":   m.project.Name,
		"workspace": name,
	})
	if err := m.bus.Publish(ctx, events.SubjectWorkspaces, ev); err != nil {
		m.log.WithError(err).Warn("failed to publish workspace event")
	}
}
