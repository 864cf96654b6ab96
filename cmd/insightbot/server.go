package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/insightbot/internal/agent"
	"github.com/kalambet/insightbot/internal/api"
	"github.com/kalambet/insightbot/internal/config"
	"github.com/kalambet/insightbot/internal/history"
	"github.com/kalambet/insightbot/internal/kv"
	"github.com/kalambet/insightbot/internal/metrics"
	"github.com/kalambet/insightbot/internal/pipeline"
	"github.com/kalambet/insightbot/internal/storage"
	"github.com/kalambet/insightbot/internal/verify"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the insightbot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running insightbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show insightbot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "insightbot.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openHistoryBackend returns the blob store selected by storage.backend.
// An unreachable Redis is not fatal: the history store runs degraded until
// the server comes back.
func openHistoryBackend(ctx context.Context, cfg config.Config, store *storage.Store) (history.Backend, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		slog.Warn("history backend is memory; records are lost on restart")
		return history.NewMemoryBackend(), func() {}, nil
	case config.BackendRedis:
		opts := kv.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		r, err := kv.Open(ctx, opts)
		if err != nil {
			slog.Warn("redis unavailable, history will run degraded", "addr", cfg.Redis.Addr, "error", err)
			r = kv.Dial(opts)
		}
		return r, func() { r.Close() }, nil
	case config.BackendSQLite:
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "insightbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("insightbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("insightbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite always holds the job queue and URL checks, and the history
	// blobs when storage.backend is sqlite.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	backend, closeBackend, err := openHistoryBackend(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeBackend()

	m := metrics.New()
	hist := history.NewStore(backend,
		history.WithMaxEntries(cfg.History.MaxEntries),
		history.WithMetrics(m),
	)
	if recs, st := hist.Load(ctx); st.OK() {
		slog.Info("search history loaded", "backend", cfg.Storage.Backend, "records", len(recs))
	} else {
		slog.Warn("search history unavailable, starting degraded", "backend", cfg.Storage.Backend, "error", st.Err)
	}

	patterns, err := history.LoadPatterns(cfg.History.PatternsFile)
	if err != nil {
		return err
	}
	extractor, err := history.NewExtractor(patterns)
	if err != nil {
		return fmt.Errorf("compiling extraction patterns: %w", err)
	}

	var checker *verify.Checker
	if cfg.Verify.Enabled {
		checker = verify.NewChecker(&http.Client{}, cfg.Verify.Concurrency, cfg.Verify.Timeout).WithObserver(m)
		worker := verify.NewWorker(store, hist, checker, 500*time.Millisecond)
		go worker.Run(ctx)
	}

	var asker *pipeline.Asker
	if cfg.AgentEnabled() {
		client := agent.NewClient(agent.Config{
			BaseURL: cfg.Agent.BaseURL,
			APIKey:  cfg.Agent.APIKey,
			Model:   cfg.Agent.Model,
			Timeout: cfg.Agent.Timeout,
			SystemPrompt: agent.SystemPrompt(agent.PromptData{
				Brands:    patterns.BrandLabels(),
				Companies: patterns.Vendors,
			}),
		}).WithTurnStore(storage.ConversationLog{Store: store})
		asker = pipeline.NewAsker(client, extractor, hist).WithMetrics(m)
		if checker != nil {
			asker.WithVerifyQueue(store)
		}
		slog.Info("agent configured", "model", cfg.Agent.Model, "base_url", cfg.Agent.BaseURL)
	} else {
		printWarning("no agent API key: /ask is disabled; %s", config.MissingAPIKeyHint())
	}

	handler := api.NewAppHandler(api.AppDeps{
		History:  hist,
		Asker:    asker,
		Checker:  checker,
		Checks:   store,
		Sessions: store,
		Metrics:  m,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{History: hist, Asker: asker})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "insightbot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("insightbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop insightbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to insightbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.AgentEnabled() {
		printStatus("Agent", "%s via %s", cfg.Agent.Model, cfg.Agent.BaseURL)
	} else {
		printStatus("Agent", "not configured")
	}
	backend := cfg.Storage.Backend
	if backend == config.BackendRedis {
		backend += " (" + cfg.Redis.Addr + ")"
	}
	printStatus("History backend", "%s", backend)
	printStatus("History limit", "%d", cfg.History.MaxEntries)

	if running {
		if token, err := config.GetAPIToken(); err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if resp, err := c.get(ctx, "/history/stats"); err == nil {
				var st history.Stats
				if decodeJSON(resp, &st) == nil {
					printStatus("Searches", "%d (%d in the last 7 days)", st.Total, st.LastSevenDays)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
