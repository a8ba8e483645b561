package config

import (
	"os"
	"path/filepath"
)

// DefaultBaseDir is where config.yaml, .env and the workspace live
// unless overridden on the command line.
const DefaultBaseDir = "~/.pith"

// Paths is the derived on-disk layout. Everything the agent touches at
// runtime lives under Workspace; config.yaml and .env sit one level up
// in Base so the agent cannot read or rewrite them through file tools.
type Paths struct {
	Base      string // config.yaml, .env
	Workspace string // sandbox root for all file tools

	Database   string // workspace/memory.db
	SoulFile   string // workspace/SOUL.md
	LogDir     string // workspace/.pith/logs
	EventsLog  string // workspace/.pith/logs/events.jsonl
	CronStore  string // workspace/.pith/cron.json
	ToolExtDir string // workspace/extensions/tools
	ChanExtDir string // workspace/extensions/channels
	RemoteDir  string // workspace/mcp
	EnvFile    string // base/.env
}

// DerivePaths computes the layout from the base directory.
func DerivePaths(baseDir string) (*Paths, error) {
	base, err := ExpandHome(baseDir)
	if err != nil {
		return nil, err
	}
	workspace := filepath.Join(base, "workspace")
	logDir := filepath.Join(workspace, ".pith", "logs")

	return &Paths{
		Base:       base,
		Workspace:  workspace,
		Database:   filepath.Join(workspace, "memory.db"),
		SoulFile:   filepath.Join(workspace, "SOUL.md"),
		LogDir:     logDir,
		EventsLog:  filepath.Join(logDir, "events.jsonl"),
		CronStore:  filepath.Join(workspace, ".pith", "cron.json"),
		ToolExtDir: filepath.Join(workspace, "extensions", "tools"),
		ChanExtDir: filepath.Join(workspace, "extensions", "channels"),
		RemoteDir:  filepath.Join(workspace, "mcp"),
		EnvFile:    filepath.Join(base, ".env"),
	}, nil
}

// EnsureDirs creates every directory the service expects at startup.
func (p *Paths) EnsureDirs() error {
	dirs := []string{
		p.Workspace,
		p.LogDir,
		p.ToolExtDir,
		p.ChanExtDir,
		p.RemoteDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	return nil
}
