// pith is a personal agent that lives on your machine: a long-running
// service (sqlite store, extension tools, remote tools, channels) plus a
// small CLI for talking to it and managing its secrets.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/pith-agent/pith/internal/config"
	. "github.com/pith-agent/pith/internal/logging"
)

var version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Base  string `help:"Base directory (config.yaml, .env, workspace)." default:"${base_default}" env:"PITH_HOME"`
	Addr  string `help:"Address of a running pith service, e.g. http://127.0.0.1:8420. Derived from config when unset."`
	Debug bool   `help:"Enable debug logging." short:"d"`
}

var cli struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the agent service."`
	Chat    ChatCmd    `cmd:"" help:"Chat with the running service from the terminal."`
	Session SessionCmd `cmd:"" help:"Manage sessions on the running service."`
	Secret  SecretCmd  `cmd:"" help:"Store or list secrets in the .env file."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("pith"),
		kong.Description("A personal AI agent that runs on your own machine."),
		kong.UsageOnError(),
		kong.Vars{"base_default": config.DefaultBaseDir},
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// initLogging applies the configured level; --debug overrides it.
func initLogging(cfg *config.Config, debug bool) {
	level := ParseLevel(cfg.Logging.Level)
	if debug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		TimeFormat: "15:04:05",
		ShowCaller: cfg.Logging.ShowCaller,
	})
}

type VersionCmd struct{}

func (v *VersionCmd) Run(g *Globals) error {
	fmt.Println("pith " + version)
	return nil
}
