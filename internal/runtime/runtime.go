// Package runtime assembles the agent: system prompt, tool dispatch, the
// chat loop, and session operations. It owns no transport; HTTP and channel
// adapters sit on top and consume its event stream.
package runtime

import (
	"context"
	"fmt"
	"os"

	"github.com/pith-agent/pith/internal/config"
	"github.com/pith-agent/pith/internal/cron"
	"github.com/pith-agent/pith/internal/extensions"
	"github.com/pith-agent/pith/internal/llm"
	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/mcp"
	"github.com/pith-agent/pith/internal/sandbox"
	"github.com/pith-agent/pith/internal/store"
	"github.com/pith-agent/pith/internal/tokens"
	"github.com/pith-agent/pith/internal/tools"
)

// Runtime is the central service layer that runs agent turns.
type Runtime struct {
	cfg      *config.Config
	paths    *config.Paths
	store    *store.Store
	sb       *sandbox.Sandbox
	exts     *extensions.Registry
	remote   *mcp.Registry
	provider llm.Provider
	extra    []tools.Tool

	secrets *secretExchange
}

// Options carries the collaborators a Runtime needs. All fields are
// required except ExtraTools.
type Options struct {
	Config     *config.Config
	Paths      *config.Paths
	Store      *store.Store
	Provider   llm.Provider
	Extensions *extensions.Registry
	Remote     *mcp.Registry

	// ExtraTools are registered alongside the built-ins every turn
	// (web_fetch, jq, schedule).
	ExtraTools []tools.Tool
}

// New creates a Runtime. Call Initialize before serving traffic.
func New(opts Options) *Runtime {
	return &Runtime{
		cfg:      opts.Config,
		paths:    opts.Paths,
		store:    opts.Store,
		sb:       sandbox.New(opts.Paths.Workspace),
		exts:     opts.Extensions,
		remote:   opts.Remote,
		provider: opts.Provider,
		extra:    opts.ExtraTools,
		secrets:  newSecretExchange(),
	}
}

// AddTool registers an additional per-turn tool. Used for tools whose
// construction needs the Runtime itself (the scheduler's runner calls back
// into Chat).
func (r *Runtime) AddTool(t tools.Tool) {
	r.extra = append(r.extra, t)
}

// Store exposes the backing store for transport-level session endpoints.
func (r *Runtime) Store() *store.Store {
	return r.store
}

// Initialize prepares the runtime for traffic: schema, extension and remote
// tool discovery, bootstrap state reconciliation, log directory.
func (r *Runtime) Initialize(ctx context.Context) error {
	if err := r.store.EnsureSchema(); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	if err := r.exts.Refresh(); err != nil {
		return fmt.Errorf("failed to discover extensions: %w", err)
	}
	r.refreshRemote(ctx)
	r.recordExtensionTools(ctx)

	complete, err := r.store.ReconcileBootstrap(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile bootstrap state: %w", err)
	}
	if !complete {
		if err := r.store.SetAppState(ctx, store.StateBootstrapNote, "identity not fully configured"); err != nil {
			return err
		}
		L_info("runtime: bootstrap pending, agent will introduce itself")
	}

	if err := os.MkdirAll(r.paths.LogDir, 0750); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	L_info("runtime: initialized",
		"extensionTools", len(r.exts.Tools()),
		"remoteTools", len(r.remote.Tools()),
		"bootstrapComplete", complete)
	return nil
}

// RefreshTools re-scans the extension directories and remote server
// configs. Wired to the filesystem watcher; discovery errors are logged,
// never fatal, and a failed scan keeps the previous snapshot.
func (r *Runtime) RefreshTools(ctx context.Context) {
	if err := r.exts.Refresh(); err != nil {
		L_error("runtime: extension refresh failed", "error", err)
	}
	r.refreshRemote(ctx)
	r.recordExtensionTools(ctx)
}

func (r *Runtime) refreshRemote(ctx context.Context) {
	stats := r.remote.Refresh(ctx)
	if err := r.store.LogEvent(ctx, "mcp.refresh", "info", map[string]interface{}{
		"servers":  stats.Servers,
		"tools":    stats.Tools,
		"warnings": stats.Warnings,
	}); err != nil {
		L_warn("runtime: failed to log mcp refresh", "error", err)
	}
}

func (r *Runtime) recordExtensionTools(ctx context.Context) {
	exts := r.exts.Tools()
	records := make([]store.ExtensionTool, 0, len(exts))
	for _, t := range exts {
		records = append(records, store.ExtensionTool{
			Name:        t.Name,
			Description: t.Description,
			Path:        t.Path,
		})
	}
	if err := r.store.RecordExtensionTools(ctx, records); err != nil {
		L_warn("runtime: failed to record extension tools", "error", err)
	}
}

// CronRunner returns the job runner the scheduler calls on each firing: the
// stored message runs as a normal turn on the active session.
func (r *Runtime) CronRunner() cron.Runner {
	return func(ctx context.Context, job *cron.Job) (string, error) {
		if err := r.store.LogEvent(ctx, "cron.fire", "info", map[string]interface{}{
			"job":  job.ID,
			"name": job.Name,
		}); err != nil {
			L_warn("cron: failed to log firing", "job", job.ID, "error", err)
		}

		reply, err := r.ChatText(ctx, ChatRequest{Message: job.Message, Channel: "cron"})

		status := "ok"
		if err != nil {
			status = "error"
		}
		if logErr := r.store.LogEvent(ctx, "cron.result", "info", map[string]interface{}{
			"job":    job.ID,
			"status": status,
		}); logErr != nil {
			L_warn("cron: failed to log result", "job", job.ID, "error", logErr)
		}
		return reply, err
	}
}

// ProvideSecret delivers a value for a pending secret request. Unknown or
// expired request ids are ignored; the value is never logged.
func (r *Runtime) ProvideSecret(requestID, value string) {
	if !r.secrets.provide(requestID, value) {
		L_warn("runtime: secret provided for unknown request", "requestID", requestID)
	}
}
