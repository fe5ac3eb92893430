package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/pvepilot/internal/agent"
	"github.com/btouchard/pvepilot/internal/alert"
	"github.com/btouchard/pvepilot/internal/api"
	"github.com/btouchard/pvepilot/internal/auth"
	"github.com/btouchard/pvepilot/internal/config"
	"github.com/btouchard/pvepilot/internal/event"
	"github.com/btouchard/pvepilot/internal/job"
	"github.com/btouchard/pvepilot/internal/llm"
	pvemcp "github.com/btouchard/pvepilot/internal/mcp"
	"github.com/btouchard/pvepilot/internal/notify"
	"github.com/btouchard/pvepilot/internal/pve"
	"github.com/btouchard/pvepilot/internal/store"
	"github.com/btouchard/pvepilot/internal/stream"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "version":
		fmt.Printf("pvepilot %s\n", version)
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: pvepilot <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the pvepilot server\n")
	fmt.Fprintf(os.Stderr, "  check     Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token     Print or rotate the bootstrap API token, or hash a token\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting pvepilot",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if !pveClient(cfg).Configured() {
		fmt.Fprintln(os.Stderr, "warning: PVE credentials are not configured (pve.host, pve.token_id, pve.token_secret)")
	}
	fmt.Println("configuration is valid")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	rotate := fs.Bool("rotate", false, "replace the bootstrap token")
	hash := fs.String("hash", "", "print the SHA-256 hash of a token for auth.api_tokens")
	_ = fs.Parse(args) // ExitOnError handles errors

	if *hash != "" {
		fmt.Println(auth.HashToken(*hash))
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	var token string
	if *rotate {
		token, err = auth.RotateToken(cfg.Auth.SecretFile)
	} else {
		token, _, err = auth.LoadOrCreateToken(cfg.Auth.SecretFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "token error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func pveClient(cfg *config.Config) *pve.Client {
	return pve.NewClient(pve.Options{
		Host:        cfg.PVE.Host,
		Port:        cfg.PVE.Port,
		TokenID:     cfg.PVE.TokenID,
		TokenSecret: cfg.PVE.TokenSecret,
		VerifyTLS:   cfg.PVE.VerifyTLS,
		Timeout:     cfg.PVE.Timeout,
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- PVE Client ---
	client := pveClient(cfg)
	if client.Configured() {
		slog.Info("pve client configured", "base_url", client.BaseURL())
	} else {
		slog.Warn("PVE credentials missing, tools will report the client as not authenticated")
	}

	// --- Job Tracker ---
	tracker := job.NewTracker(client, cfg.Jobs.PollInterval, cfg.Jobs.DefaultTimeout, cfg.Jobs.MaxTimeout)
	tracker.SetJournal(db)
	go retentionLoop(ctx, db, tracker, cfg.Database.RetentionDays)

	// --- MCP Server ---
	mcpServer := pvemcp.NewServer(&pvemcp.Deps{
		PVE:     client,
		Jobs:    tracker,
		Store:   db,
		Version: version,
	})
	mcpHTTP := server.NewStreamableHTTPServer(mcpServer)

	// --- Notifications ---
	hub := notify.FromConfig(cfg.Notifications, mcpServer)
	defer hub.Close()
	if hub.Len() > 0 {
		tracker.SetNotifyFunc(hub.Notify)
	}

	// --- Event Bus & Translator ---
	overflow, err := event.ParseOverflow(cfg.Monitor.Overflow)
	if err != nil {
		return err
	}
	bus := event.NewBus(event.WithLimit(cfg.Monitor.BufferLimit, overflow))
	translator := stream.NewTranslator(bus)

	// --- Agent ---
	pilot, closeAgent := setupAgent(ctx, cfg, mcpServer, db)
	defer closeAgent()

	// --- Auth ---
	var tokens *auth.TokenSet
	if cfg.Auth.Enabled {
		var fresh string
		tokens, fresh, err = auth.Setup(cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth setup: %w", err)
		}
		if fresh != "" {
			fmt.Fprintf(os.Stderr, "\nGenerated API token (stored in %s):\n\n    %s\n\n", cfg.Auth.SecretFile, fresh)
		}
		slog.Info("bearer auth enabled", "tokens", tokens.Len())
	}

	deps := api.Deps{
		Bus:          bus,
		Translator:   translator,
		Jobs:         tracker,
		History:      db,
		PVEReady:     client.Configured,
		MCP:          mcpHTTP,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		KeepAlive:    cfg.Monitor.KeepAlive,
		Version:      version,
	}
	if pilot != nil {
		deps.Agent = pilot
	}
	if tokens != nil {
		deps.Tokens = tokens
	}

	// --- Alertmanager webhook ---
	if cfg.Alerts.Enabled {
		var sub alert.Submitter
		switch {
		case cfg.Alerts.ForwardURL != "":
			sub = alert.NewForwarder(cfg.Alerts.ForwardURL, cfg.Alerts.ForwardToken, cfg.Alerts.Timeout)
			slog.Info("alerts forwarded", "url", cfg.Alerts.ForwardURL)
		case pilot != nil:
			sub = alert.NewLocal(pilot, translator)
		default:
			slog.Warn("alerts enabled but no agent is available, webhook disabled")
		}
		if sub != nil {
			deps.Alerts = alert.Handler(sub, cfg.Alerts.ThreadID)
		}
	}

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     api.NewRouter(deps),
		ReadTimeout: 30 * time.Second,
		// Streams lift their own write deadline.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("pvepilot is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// setupAgent builds the agent. A failure leaves the server running without
// one; /chat then answers 503.
func setupAgent(ctx context.Context, cfg *config.Config, mcpServer *server.MCPServer, db *store.SQLiteStore) (*agent.Agent, func()) {
	noop := func() {}
	if !cfg.Agent.Enabled {
		slog.Info("agent disabled")
		return nil, noop
	}

	provider, err := llm.NewFromConfig(cfg.LLM, cfg.FallbackLLM)
	if err != nil {
		slog.Error("agent not initialized: llm provider", "error", err)
		return nil, noop
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var tools *agent.MCPToolBox
	if cfg.Agent.MCPURL != "" {
		tools, err = agent.NewRemoteToolBox(connectCtx, cfg.Agent.MCPURL, cfg.Agent.MCPToken, version)
	} else {
		tools, err = agent.NewInProcessToolBox(connectCtx, mcpServer, version)
	}
	if err != nil {
		slog.Error("agent not initialized, could not connect to MCP tools",
			"mcp_url", cfg.Agent.MCPURL,
			"error", err)
		return nil, noop
	}
	slog.Info("agent tools loaded", "tools", len(tools.Definitions()), "provider", provider.Name())

	var prompt agent.PromptSource = agent.StaticPrompt(agent.DefaultPrompt)
	if cfg.Agent.PromptFile != "" {
		fp := agent.NewFilePrompt(cfg.Agent.PromptFile, agent.DefaultPrompt)
		if err := fp.Watch(ctx); err != nil {
			slog.Warn("system prompt hot-reload disabled", "path", cfg.Agent.PromptFile, "error", err)
		}
		prompt = fp
	}

	a := agent.New(provider, tools, db, prompt, agent.Options{
		MaxToolCalls: cfg.Agent.MaxToolCalls,
		HistoryLimit: cfg.Agent.HistoryLimit,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
	})
	return a, func() { _ = tools.Close() }
}

// retentionLoop deletes finished jobs and messages older than the retention
// window once at startup and then daily, both from the database and from
// the tracker's memory.
func retentionLoop(ctx context.Context, db store.Store, tracker *job.Tracker, days int) {
	if days <= 0 {
		return
	}
	cleanup := func() {
		cutoff := time.Now().AddDate(0, 0, -days)
		tracker.Prune(cutoff)
		if err := db.Cleanup(cutoff); err != nil {
			slog.Warn("retention cleanup failed", "error", err)
			return
		}
		slog.Debug("retention cleanup done", "cutoff", cutoff)
	}

	cleanup()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
