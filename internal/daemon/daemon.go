package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daksha-ai/daksha/internal/config"
	"github.com/daksha-ai/daksha/internal/logger"
	"github.com/daksha-ai/daksha/internal/observability"
	"github.com/daksha-ai/daksha/pkg/browser"
	"github.com/daksha-ai/daksha/pkg/memory"
	"github.com/daksha-ai/daksha/pkg/orchestrator"
	"github.com/daksha-ai/daksha/pkg/planner"
	"github.com/daksha-ai/daksha/pkg/provider"
	"github.com/daksha-ai/daksha/pkg/sandbox"
	"github.com/daksha-ai/daksha/pkg/search"
	"github.com/daksha-ai/daksha/pkg/session"
	"github.com/daksha-ai/daksha/pkg/tools"
	"github.com/daksha-ai/daksha/pkg/workspace"
)

// Daemon wires the agent's modules together and manages their
// lifecycle.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *session.Store
	memoryMgr *memory.Manager
	sandboxer sandbox.Sandbox
	browser   *browser.Driver
	engine    *orchestrator.Engine
	cleanup   *session.Cleanup
	watcher   *workspace.Watcher

	metricsSrv *http.Server

	running bool
	mu      sync.Mutex
}

// New builds a daemon from configuration. Nothing external is touched
// until Start.
func New(cfg *config.Config) (*Daemon, error) {
	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log.SetGlobal()
	zl := log.Zerolog()

	store, err := session.Open(cfg.Sessions.DBPath, zl)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	var embedder memory.EmbeddingProvider
	if cfg.Memory.EmbeddingModel != "" {
		embedder = memory.NewOpenAIEmbedder(cfg.Providers.APIKeys["openai"], cfg.Memory.EmbeddingModel)
	}
	memoryMgr, err := memory.NewManager(memory.Config{
		DBPath:        cfg.Memory.DBPath,
		Logger:        zl,
		LexicalWeight: cfg.Memory.LexicalWeight,
		KeywordWeight: cfg.Memory.KeywordWeight,
		Embedder:      embedder,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open memory manager: %w", err)
	}

	prov, err := buildProvider(cfg.Providers)
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, err
	}

	searcher, err := search.NewDuckDuckGo(cfg.Search.MaxResults, cfg.Search.Timeout)
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, fmt.Errorf("init search: %w", err)
	}

	browserDrv := browser.NewDriver(cfg.Browser, zl)

	sandboxer, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, fmt.Errorf("init sandbox: %w", err)
	}

	workspaceMgr, err := workspace.NewManager(cfg.WorkspaceDir)
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	plan := planner.New(prov, planner.Config{
		Model:       cfg.Providers.DefaultModel,
		MaxTokens:   cfg.Providers.MaxTokens,
		Temperature: cfg.Providers.Temperature,
		MaxAttempts: cfg.Executor.MaxPlanAttempts,
		MaxRetries:  cfg.Executor.MaxStepRetries,
	}, zl)

	router := tools.NewRouter(prov, searcher, browserDrv, memoryMgr, store, workspaceMgr, sandboxer, tools.Config{
		Model:       cfg.Providers.DefaultModel,
		MaxTokens:   cfg.Providers.MaxTokens,
		Temperature: cfg.Providers.Temperature,
		TokenBudget: cfg.Memory.TokenBudget,
		MaxResults:  cfg.Search.MaxResults,
		StepTimeout: cfg.Executor.StepTimeout,
	}, zl)

	engine := orchestrator.New(store, plan, router, memoryMgr, cfg.Executor, cfg.Memory.TokenBudget, zl)

	archiver, err := session.NewArchiver(store, filepath.Join(cfg.DataDir, "archive"))
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, fmt.Errorf("init archiver: %w", err)
	}

	d := &Daemon{
		config:    cfg,
		logger:    log,
		store:     store,
		memoryMgr: memoryMgr,
		sandboxer: sandboxer,
		browser:   browserDrv,
		engine:    engine,
		cleanup:   session.NewCleanup(store, cfg.Sessions.RetentionAge, archiver),
	}

	// sandboxed commands write result files straight into the workspace;
	// the watcher feeds those back into memory so later steps retrieve
	// them without an explicit code_write
	d.watcher, err = workspace.NewWatcher(workspace.WatcherConfig{
		Dir:      cfg.WorkspaceDir,
		OnChange: d.ingestWorkspaceFile,
	})
	if err != nil {
		store.Close()
		memoryMgr.Close()
		return nil, fmt.Errorf("init workspace watcher: %w", err)
	}

	if cfg.Metrics.Enabled {
		observability.EnsureRegistered()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}

	return d, nil
}

// buildProvider assembles the default provider with its fallback chain.
func buildProvider(cfg config.ProvidersConfig) (provider.Provider, error) {
	names := append([]string{cfg.Default}, cfg.Fallback...)
	providers := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		p, err := provider.New(provider.Credentials{
			Name:    name,
			APIKey:  cfg.APIKeys[name],
			BaseURL: cfg.BaseURLs[name],
		})
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return provider.NewChain(providers...)
}

// Engine exposes the session API to callers embedding the daemon.
func (d *Daemon) Engine() *orchestrator.Engine { return d.engine }

// Start brings all modules up and recovers interrupted sessions.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mu.Unlock()

	zl := d.logger.Zerolog()
	zl.Info().Msg("Starting Daksha daemon")

	if err := d.sandboxer.Start(ctx); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	if err := d.cleanup.Start(); err != nil {
		zl.Warn().Err(err).Msg("Failed to start session cleanup")
	}

	if err := d.watcher.Start(); err != nil {
		zl.Warn().Err(err).Msg("Failed to start workspace watcher")
	}

	if d.metricsSrv != nil {
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("Metrics server exited")
			}
		}()
		zl.Info().Str("addr", d.metricsSrv.Addr).Msg("Metrics server started")
	}

	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	zl.Info().Msg("Daemon started")
	return nil
}

// Stop shuts everything down gracefully, letting in-flight steps
// settle first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	zl := d.logger.Zerolog()
	zl.Info().Msg("Stopping Daksha daemon")

	d.engine.Stop()

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			zl.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	if err := d.watcher.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop workspace watcher")
	}
	if err := d.cleanup.Stop(); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop session cleanup")
	}
	if err := d.sandboxer.Stop(context.Background()); err != nil {
		zl.Warn().Err(err).Msg("Failed to stop sandbox")
	}
	if err := d.browser.Close(); err != nil {
		zl.Warn().Err(err).Msg("Failed to close browser")
	}
	if err := d.memoryMgr.Close(); err != nil {
		zl.Warn().Err(err).Msg("Failed to close memory manager")
	}
	if err := d.store.Close(); err != nil {
		zl.Warn().Err(err).Msg("Failed to close session store")
	}

	zl.Info().Msg("Daemon stopped")
	return d.logger.Close()
}

// workspace files above this size are execution byproducts, not
// context worth retrieving
const maxIngestBytes = 64 * 1024

// ingestWorkspaceFile records an externally written workspace file as
// an artifact chunk of its session. The session is the first directory
// under the workspace root.
func (d *Daemon) ingestWorkspaceFile(path string) {
	zl := d.logger.Zerolog()

	rel, err := filepath.Rel(d.config.WorkspaceDir, path)
	if err != nil {
		return
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 {
		return
	}
	sessionID, relPath := parts[0], parts[1]

	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() > maxIngestBytes {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		zl.Warn().Err(err).Str("path", path).Msg("Failed to read workspace file")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.memoryMgr.Ingest(ctx, memory.Chunk{
		SessionID: sessionID,
		Kind:      memory.KindArtifact,
		Source:    relPath,
		Content:   string(data),
	}); err != nil {
		zl.Warn().Err(err).Str("path", path).Msg("Failed to ingest workspace file")
		return
	}
	zl.Debug().Str("session_id", sessionID).Str("file", relPath).Msg("Workspace file ingested")
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	zl := d.logger.Zerolog()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	return d.Stop()
}
