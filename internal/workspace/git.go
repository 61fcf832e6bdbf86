package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo is one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// RepoRoot resolves the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	return runGit(ctx, dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch of the repository.
func CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// AddWorktree checks out branch at path, creating the branch from baseBranch
// when it does not exist yet.
func AddWorktree(ctx context.Context, repoPath, path, branch, baseBranch string) error {
	var err error
	if BranchExists(ctx, repoPath, branch) {
		_, err = runGit(ctx, repoPath, "worktree", "add", path, branch)
	} else {
		_, err = runGit(ctx, repoPath, "worktree", "add", "-b", branch, path, baseBranch)
	}
	return err
}

// RemoveWorktree detaches a worktree and prunes stale administrative data.
func RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	// Prune failures leave stale metadata but the worktree is gone.
	_, _ = runGit(ctx, repoPath, "worktree", "prune")
	return nil
}

// DeleteBranch force-deletes a local branch.
func DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := runGit(ctx, repoPath, "branch", "-D", branch)
	return err
}

// ListWorktrees returns every worktree registered against the repository.
func ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := runGit(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreePorcelain(out), nil
}

// parseWorktreePorcelain parses the porcelain format: one attribute per
// line, entries separated by blank lines, each starting with "worktree".
func parseWorktreePorcelain(out string) []WorktreeInfo {
	var (
		infos []WorktreeInfo
		cur   *WorktreeInfo
	)
	flush := func() {
		if cur != nil {
			infos = append(infos, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			// Attribute before any worktree line; ignore.
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		case line == "detached":
			cur.Detached = true
		}
	}
	flush()
	return infos
}
