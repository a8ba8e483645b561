package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pith-agent/pith/internal/channel"
	"github.com/pith-agent/pith/internal/channel/telegram"
	"github.com/pith-agent/pith/internal/config"
	"github.com/pith-agent/pith/internal/cron"
	"github.com/pith-agent/pith/internal/extensions"
	"github.com/pith-agent/pith/internal/llm"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/mcp"
	"github.com/pith-agent/pith/internal/runtime"
	"github.com/pith-agent/pith/internal/sandbox"
	"github.com/pith-agent/pith/internal/server"
	"github.com/pith-agent/pith/internal/store"
	"github.com/pith-agent/pith/internal/tools"
	"github.com/pith-agent/pith/internal/tools/jq"
	"github.com/pith-agent/pith/internal/tools/webfetch"
)

// watchDebounce coalesces bursts of filesystem events (editors write
// extension files in several steps) into one registry refresh.
const watchDebounce = 500 * time.Millisecond

type ServeCmd struct{}

func (s *ServeCmd) Run(g *Globals) error {
	start := time.Now()
	cfg, err := config.Load(g.Base)
	if err != nil {
		return err
	}
	initLogging(cfg, g.Debug)

	paths, err := config.DerivePaths(g.Base)
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	L_info("pith starting", "version", version, "base", paths.Base)

	st, err := store.Open(store.Options{Path: paths.Database, EventsLog: paths.EventsLog})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	provider, err := llm.New(llm.Config{
		Provider:  cfg.Model.Provider,
		Model:     cfg.Model.Model,
		APIKey:    cfg.APIKey(),
		BaseURL:   cfg.Model.BaseURL,
		MaxTokens: cfg.Model.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	L_info("model ready", "provider", provider.Name(), "model", provider.Model())

	exts := extensions.NewRegistry(paths.ToolExtDir, paths.ChanExtDir, cfg.Agent.RemotePrefix)
	remote := mcp.NewRegistry(paths.RemoteDir, cfg.Agent.RemotePrefix)

	rt := runtime.New(runtime.Options{
		Config:     cfg,
		Paths:      paths,
		Store:      st,
		Provider:   provider,
		Extensions: exts,
		Remote:     remote,
		ExtraTools: []tools.Tool{
			webfetch.NewTool(),
			jq.NewTool(sandbox.New(paths.Workspace)),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Initialize(ctx); err != nil {
		return err
	}

	// Channels register before the scheduler starts so fired jobs can
	// push replies through them; they begin receiving once the server
	// is up.
	manager := channel.NewManager()
	if token := cfg.TelegramToken(); token != "" {
		bot, err := telegram.New(cfg.Telegram, token, rt)
		if err != nil {
			L_error("telegram: setup failed", "error", err)
		} else {
			manager.Add(bot)
		}
	} else {
		L_info("telegram: no token configured, channel disabled")
	}
	for _, ext := range exts.Channels() {
		manager.Add(channel.NewExtension(ext, rt))
	}

	// The schedule tool needs the runtime to run jobs, and the runtime needs
	// the tool registered: build the service here and close the loop.
	cronSvc := cron.NewService(cron.NewStore(paths.CronStore), rt.CronRunner())
	cronSvc.SetSenderProvider(cronDelivery{channels: manager})
	rt.AddTool(cron.NewTool(cronSvc))
	if err := cronSvc.Start(ctx); err != nil {
		return err
	}
	defer cronSvc.Stop()

	watcher, err := extensions.NewWatcher(watchDebounce, func() {
		rt.RefreshTools(context.Background())
	})
	if err != nil {
		L_warn("extension watcher unavailable, refresh happens at startup only", "error", err)
	} else {
		dirs := []string{paths.ToolExtDir, paths.ChanExtDir, paths.RemoteDir}
		if err := watcher.WatchDirs(dirs); err != nil {
			L_warn("extension watcher: watch failed", "error", err)
		}
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.New(cfg.Server, rt)
	if err := srv.Start(); err != nil {
		return err
	}

	manager.StartAll(ctx)

	L_elapsed(start, "pith ready", "addr", srv.Addr())
	<-ctx.Done()

	SetShuttingDown()
	manager.StopAll()
	if err := srv.Stop(); err != nil {
		L_error("server: shutdown error", "error", err)
	}
	return nil
}

// cronDelivery adapts the channel manager for scheduler pushes.
type cronDelivery struct {
	channels *channel.Manager
}

func (d cronDelivery) Sender(name string) cron.Sender {
	if s := d.channels.Sender(name); s != nil {
		return s
	}
	return nil
}
