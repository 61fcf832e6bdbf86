package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const projectFileName = ".servitor.yml"

// ProjectFile is the optional per-repository configuration committed at the
// repo root as .servitor.yml.
type ProjectFile struct {
	// Name overrides the project name derived from the directory.
	Name string `yaml:"name"`
	// WorktreesDir overrides where this project's workspaces are created.
	WorktreesDir string `yaml:"worktreesDir"`
	// BaseBranch overrides the branch new workspaces fork from.
	BaseBranch string `yaml:"baseBranch"`
}

// LoadProjectFile reads .servitor.yml from the repo root. A missing file
// yields a zero value, not an error.
func LoadProjectFile(repoPath string) (ProjectFile, error) {
	var pf ProjectFile
	data, err := os.ReadFile(filepath.Join(repoPath, projectFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pf, nil
		}
		return pf, fmt.Errorf("read %s: %w", projectFileName, err)
	}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("parse %s: %w", projectFileName, err)
	}
	return pf, nil
}
