package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/regcopilot/internal/config"
	"github.com/kalambet/regcopilot/internal/engine"
	"github.com/kalambet/regcopilot/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the regcopilot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running regcopilot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show regcopilot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "regcopilot.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "regcopilot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("regcopilot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("regcopilot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Select(engine.SelectConfig{
		Backend:          cfg.Generation.Backend,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OpenRouterAPIKey: cfg.Proxy.OpenRouterAPIKey,
	})
	if err != nil {
		return fmt.Errorf("selecting generation backend: %w", err)
	}
	if err := engine.EnsureReady(ctx, eng, localModels(cfg), os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := buildApp(cfg, eng, store, logger)
	if err != nil {
		return err
	}

	go a.worker.Run(ctx)

	if cfg.Server.MCPEnabled {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("regcopilot listening", "addr", addr, "backend", cfg.Generation.Backend, "model", chatModel(cfg))
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
		printError("regcopilot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop regcopilot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to regcopilot (PID %d)", pid)
	return nil
}

type readyCheck struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

type readyReport struct {
	Status string                `json:"status"`
	Checks map[string]readyCheck `json:"checks"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/ready")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var report readyReport
		decodeErr := json.NewDecoder(resp.Body).Decode(&report)
		resp.Body.Close()
		running = true
		switch {
		case decodeErr != nil:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		case report.Status == "ready":
			printStatus("Server", "running on port %d", cfg.Server.Port)
		default:
			printStatus("Server", "%s on port %d", colorize(colorYellow, "not ready"), cfg.Server.Port)
		}
		for _, line := range checkLines(report.Checks) {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	printStatus("Backend", "%s", cfg.Generation.Backend)
	printStatus("Chat model", "%s", chatModel(cfg))
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Classifier", "%s", cfg.Routing.Classifier)
	if cfg.Tool.BaseURL != "" {
		printStatus("Tool gateway", "%s", cfg.Tool.BaseURL)
	} else {
		printStatus("Tool gateway", "%s", colorize(colorYellow, "not configured"))
	}

	if running && cfg.API.Token != "" {
		docsResp, err := apiGet(client, serverURL+"/documents?limit=100", cfg.API.Token)
		if err == nil {
			var docs []json.RawMessage
			if json.NewDecoder(docsResp.Body).Decode(&docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
			docsResp.Body.Close()
		}
		tracesResp, err := apiGet(client, serverURL+"/traces?limit=100", cfg.API.Token)
		if err == nil {
			var traces []json.RawMessage
			if json.NewDecoder(tracesResp.Body).Decode(&traces) == nil {
				printStatus("Traces", "%s", countLabel(len(traces), 100))
			}
			tracesResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// checkLines renders readiness checks in a stable order.
func checkLines(checks map[string]readyCheck) []string {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	slices.Sort(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		c := checks[name]
		state := colorize(colorGreen, c.Status)
		if c.Status != "ok" {
			state = colorize(colorRed, c.Status)
			if c.Error != "" {
				state += " (" + c.Error + ")"
			}
		}
		lines = append(lines, fmt.Sprintf("    %s %s", colorize(colorDim, name+":"), state))
	}
	return lines
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
