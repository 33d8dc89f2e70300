package config

import (
	"os"
	"path/filepath"
)

const (
	projectDirName = ".aixplosion"
	globalDirName  = "aixplosion"
)

// Paths holds the resolved filesystem locations for persisted state. The
// project database lives next to the working directory; the global database
// holds MCP server definitions, sub-agent profiles, and permission rules
// shared across projects.
type Paths struct {
	ProjectDir string // <cwd>/.aixplosion
	ProjectDB  string // <cwd>/.aixplosion/session.db
	GlobalDir  string // ~/.config/aixplosion
	GlobalDB   string // ~/.config/aixplosion/global.db
	Config     string // ~/.config/aixplosion/config.toml
	AgentsDir  string // ~/.config/aixplosion/agents
	AgentsMD   string // ~/.config/aixplosion/AGENTS.md
}

// ResolvePaths computes the standard paths for the given working directory.
// AIXPLOSION_HOME overrides the global base directory.
func ResolvePaths(workDir string) (Paths, error) {
	global := os.Getenv("AIXPLOSION_HOME")
	if global == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Paths{}, err
		}
		global = filepath.Join(base, globalDirName)
	}

	projectDir := filepath.Join(workDir, projectDirName)
	return Paths{
		ProjectDir: projectDir,
		ProjectDB:  filepath.Join(projectDir, "session.db"),
		GlobalDir:  global,
		GlobalDB:   filepath.Join(global, "global.db"),
		Config:     filepath.Join(global, "config.toml"),
		AgentsDir:  filepath.Join(global, "agents"),
		AgentsMD:   filepath.Join(global, "AGENTS.md"),
	}, nil
}

// DefaultConfigPath returns the global config file location.
func DefaultConfigPath() (string, error) {
	p, err := ResolvePaths(".")
	if err != nil {
		return "", err
	}
	return p.Config, nil
}

// EnsureDirs creates the project and global directories if missing.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.ProjectDir, p.GlobalDir, p.AgentsDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
