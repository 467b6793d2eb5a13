// Command server boots the Agent Execution Runtime: it loads
// configuration, wires every subsystem (cache, store, event bus,
// stream registry, approvals, sandbox, tool set, model provider,
// agent registry, orchestrator, dual writer), seeds the configured
// agent identities, and serves the Trigger Surface until signaled to
// shut down.
//
// Grounded on the teacher's cmd/oubliette/main.go runServer: flag
// parsing, config-dir resolution, logger init before anything else
// logs, and a signal-driven graceful shutdown of the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/cache"
	"github.com/HyphaGroup/oubliette/internal/chatcontext"
	"github.com/HyphaGroup/oubliette/internal/config"
	"github.com/HyphaGroup/oubliette/internal/container"
	"github.com/HyphaGroup/oubliette/internal/container/docker"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
	"github.com/HyphaGroup/oubliette/internal/dualwriter"
	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/httpapi"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/orchestrator"
	"github.com/HyphaGroup/oubliette/internal/provider"
	"github.com/HyphaGroup/oubliette/internal/registry"
	"github.com/HyphaGroup/oubliette/internal/sandbox"
	"github.com/HyphaGroup/oubliette/internal/stream"
	"github.com/HyphaGroup/oubliette/internal/toolset"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Agent runtime home directory (default: ~/.agent)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentrt %s\n", Version)
		os.Exit(0)
	}

	home := resolveHome(*dirFlag)
	dataDir := filepath.Join(home, "data")
	logDir := filepath.Join(home, "logs")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	cfg, err := config.Load(config.FindConfigPath(*dirFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	logger.Println("Agent Execution Runtime starting")

	if err := run(cfg, dataDir); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

func resolveHome(dirFlag string) string {
	if dirFlag != "" {
		return dirFlag
	}
	if env := os.Getenv("AGENT_HOME"); env != "" {
		return env
	}
	if _, err := os.Stat("./.agent"); err == nil {
		return "./.agent"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent"
	}
	return filepath.Join(home, ".agent")
}

// run wires every subsystem and serves until the process receives an
// interrupt or termination signal, then drains in-flight requests
// before returning.
func run(cfg *config.Config, dataDir string) error {
	store, err := dbstore.Open(dataDir, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	c := cache.New(cache.Options{
		Address:  cfg.Cache.Address,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer func() { _ = c.Close() }()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.Ping(pingCtx); err != nil {
		logger.Error("cache: initial ping failed, continuing (will retry on use): %v", err)
	}
	cancelPing()

	loader := chatcontext.New(c, store, cfg.Context.WindowSize, cfg.Context.TTL)
	bus := eventbus.New(256)
	streams := stream.New(5 * time.Minute)
	approvals := approval.New(bus, cfg.Approval.Timeout, cfg.Approval.TTL)
	writer := dualwriter.New(loader, store)
	defer writer.Close()

	agents := registry.New(store)
	if err := agents.Seed(cfg.Agents); err != nil {
		return fmt.Errorf("seed agent registry: %w", err)
	}

	tools := buildToolset(cfg, store, loader, approvals)

	model, err := provider.New(provider.Config{
		APIKey:       cfg.Provider.APIKey,
		DefaultModel: cfg.Provider.Model,
	})
	if err != nil {
		return fmt.Errorf("init model provider: %w", err)
	}

	orch := orchestrator.New(bus, loader, tools, approvals, writer, model, streams)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runIdleSweep(sweepCtx, bus, streams)

	srv := httpapi.New(httpapi.Deps{
		Bus:          bus,
		Streams:      streams,
		Approvals:    approvals,
		Agents:       agents,
		Loader:       loader,
		Orchestrator: orch,
		Dev:          cfg.Dev,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received signal %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}

// sweepInterval is how often the idle-topic and terminal-run backstop
// sweeps run. Both reclaim functions are themselves no-ops outside
// their own grace periods, so a short interval just means more
// frequent, mostly-empty passes rather than premature reclamation.
const sweepInterval = time.Minute

// runIdleSweep periodically reclaims event-bus topics that have had
// no subscribers or publishes past their grace period, and stream
// registry run handles that reached a terminal status and were never
// removed by their owning orchestrator. It runs until ctx is
// cancelled, which happens on graceful shutdown.
func runIdleSweep(ctx context.Context, bus *eventbus.Bus, streams *stream.Registry) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := bus.ReapIdle(now); n > 0 {
				logger.Printf("eventbus: reaped %d idle topics", n)
			}
			if n := streams.ReapTerminal(now); n > 0 {
				logger.Printf("stream: reaped %d terminal runs", n)
			}
		}
	}
}

// buildToolset assembles the Tool Set: the db-query and web tools plus
// a code sandbox backed by the preferred container runtime. The
// sandbox is best-effort — if no container runtime is reachable,
// code_execute is left out and the rest of the tool set still works.
func buildToolset(cfg *config.Config, store *dbstore.Store, loader *chatcontext.Loader, approvals *approval.Store) *toolset.Registry {
	states := toolset.NewBrowserStates()
	search := toolset.NewSearchClient(cfg.Search.Endpoint, cfg.Search.APIKey)
	fetcher := toolset.NewPageFetcher()

	tools := []toolset.Tool{
		toolset.NewChatHistoryTool(loader),
		toolset.NewGetSessionMembersTool(store),
		toolset.NewGetUserInfoTool(store),
		toolset.NewSearchMessagesTool(store),
		toolset.NewGetUserSessionsTool(store),
		toolset.NewWebSearchTool(search, states),
		toolset.NewWebOpenTool(fetcher, states),
		toolset.NewWebFindTool(states),
	}

	if sb, err := buildSandbox(cfg); err != nil {
		logger.Error("sandbox: %v, code_execute tool disabled", err)
	} else {
		tools = append(tools, toolset.NewCodeExecuteTool(sb, approvals))
	}

	return toolset.NewRegistry(tools...)
}

func buildSandbox(cfg *config.Config) (*sandbox.Sandbox, error) {
	_ = container.GetRuntimePreference() // only Docker is wired currently; preference is read for parity with config
	runtime, err := docker.NewRuntime()
	if err != nil {
		return nil, fmt.Errorf("docker runtime: %w", err)
	}
	cached := container.NewCachedRuntime(runtime, 5*time.Second)

	images := container.NewImageManager(map[string]string{"sandbox": cfg.Sandbox.Image}, cached)
	pullCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := images.EnsureImageExists(pullCtx, "sandbox"); err != nil {
		return nil, fmt.Errorf("sandbox image: %w", err)
	}

	cpus := int(cfg.Sandbox.CPUs)
	if cpus <= 0 {
		cpus = 1
	}
	return sandbox.New(cached, cfg.Sandbox.Image, cfg.Sandbox.MemoryLimitMiB, cpus, cfg.Sandbox.WallClock), nil
}
