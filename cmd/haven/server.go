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
	"golang.org/x/sync/errgroup"

	"github.com/amberlight-labs/haven/internal/api"
	"github.com/amberlight-labs/haven/internal/channel"
	"github.com/amberlight-labs/haven/internal/checkin"
	"github.com/amberlight-labs/haven/internal/config"
	"github.com/amberlight-labs/haven/internal/ledger"
	"github.com/amberlight-labs/haven/internal/prefs"
	"github.com/amberlight-labs/haven/internal/provider"
	"github.com/amberlight-labs/haven/internal/schedule"
	"github.com/amberlight-labs/haven/internal/storage"
	"github.com/amberlight-labs/haven/internal/tone"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the haven server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running haven server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show haven system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "haven.pid")
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

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "haven version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice. The health endpoint is the source of truth;
	// the PID file only names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("haven is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("haven is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	userID := cfg.Engine.UserID
	prefSvc := prefs.NewService(store)
	led := ledger.New(store, prefSvc.Location)
	conv := channel.NewTranscript(store)

	// Tone analysis: model-backed when a provider key is configured, with
	// the keyword lexicon as fallback; lexicon only otherwise.
	var analyzer tone.Analyzer = tone.KeywordAnalyzer{}
	if cfg.Provider.APIKey != "" {
		client := provider.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model)
		analyzer = tone.NewModelAnalyzer(client)
		slog.Info("tone analysis via model provider", "model", cfg.Provider.Model)
	} else {
		slog.Info("no provider API key, tone analysis via keyword lexicon")
	}

	engine := checkin.NewEngine(store, conv, led, analyzer, prefSvc, checkin.Options{
		Mode:         cfg.Engine.Mode,
		ReplyTimeout: cfg.Engine.ReplyTimeout,
	})

	sched, err := schedule.New(store, prefSvc, prefSvc.Location(userID))
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.RegisterHandler(schedule.DailyCheckInCallback, func(jobCtx context.Context, jobUser string) {
		if err := engine.StartCheckIn(jobCtx, jobUser); err != nil {
			slog.Error("daily check-in failed", "user_id", jobUser, "error", err)
		}
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()
	if err := sched.EnsureDailyCheckIn(userID); err != nil {
		return fmt.Errorf("scheduling daily check-in: %w", err)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Prefs:  prefSvc,
		Ledger: led,
		Engine: engine,
		Sched:  sched,
		Token:  cfg.Server.APIToken,
		UserID: userID,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Prefs:  prefSvc,
		Ledger: led,
		Sched:  sched,
		UserID: userID,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "haven listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Engine.Mode == config.ModeDurable {
		sweeper := checkin.NewSweeper(store, conv, cfg.Engine.SweepInterval)
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("haven is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop haven (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to haven (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Mode", "%s", cfg.Engine.Mode)
	printStatus("Model", "%s", cfg.Provider.Model)

	if running {
		apiResp, err := apiGet(client, serverURL+"/internal/preferences", cfg.Server.APIToken)
		if err == nil {
			var p map[string]string
			if decodeJSON(apiResp, &p) == nil {
				printStatus("Agent", "%s", p["agent_name"])
				printStatus("Check-in time", "%s (%s)", p["check_in_time"], p["timezone"])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
