package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/audiopull"
	"github.com/gwlsn/audiopull/internal/api"
	"github.com/gwlsn/audiopull/internal/config"
	"github.com/gwlsn/audiopull/internal/jobs"
	"github.com/gwlsn/audiopull/internal/logger"
	"github.com/gwlsn/audiopull/internal/store"
)

// shutdownTimeout bounds how long in-flight requests and runs get to finish.
const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the cleanup sweeper",
	Long: `Run the HTTP API and the cleanup sweeper until interrupted.

Jobs live in memory only; the history database records finished
conversions for statistics.

Example:
  audiopull serve --port 3001`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	// History is optional; a broken database only disables stats
	var history store.Store
	var historyPath string
	if cfg.DatabasePath != "" {
		s, err := store.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			logger.Warn("History database unavailable", "path", cfg.DatabasePath, "error", err)
		} else {
			defer s.Close()
			if err := s.ResetSession(); err != nil {
				logger.Warn("Failed to start stats session", "error", err)
			}
			history = s
			historyPath = s.Path()
		}
	}

	client := newClient(cfg)
	prober := newProber(cfg)

	opts := jobs.Options{
		Root:        cfg.JobRoot(),
		Tool:        client,
		Prober:      prober,
		Workers:     cfg.Workers,
		ToolTimeout: cfg.ToolTimeout,
	}
	if history != nil {
		opts.History = history
	}
	orch, err := jobs.New(opts)
	if err != nil {
		return err
	}

	sweeper := jobs.NewSweeper(orch, jobs.SweeperOptions{
		Interval:        cfg.SweepInterval,
		StartupDelay:    cfg.StartupDelay,
		MaxAge:          cfg.MaxAge,
		EvictProcessing: cfg.EvictProcessing,
	})

	handler := api.NewHandler(orch, client, history, cfg)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(cmd, cfg, cfgPath, historyPath)

	probeCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	ytdlpOK := client.ProbeAvailability(probeCtx)
	ffprobeOK := prober.Available(probeCtx)
	cancel()
	if !ytdlpOK {
		logger.Warn("yt-dlp is not available; conversions will fail", "path", cfg.YtDlpPath)
	}
	if !ffprobeOK {
		logger.Info("ffprobe not available; artifacts will not be inspected", "path", cfg.FFprobePath)
	}
	logger.Info("audiopull started", "version", audiopull.Version, "port", cfg.Port,
		"workers", cfg.Workers, "root", orch.Root(), "max_age", cfg.MaxAge)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting requests before failing the runs still in flight
		serverErr := server.Shutdown(shutdownCtx)
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Runs still active at shutdown", "error", err)
		}
		return serverErr
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config, cfgPath, historyPath string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                         AUDIOPULL                         ║")
	fmt.Fprintln(out, "║              Video links in, audio files out              ║")
	versionLine := fmt.Sprintf("v%s", audiopull.Version)
	padding := 59 - len(versionLine)
	fmt.Fprintf(out, "║%*s%s%*s║\n", padding/2, "", versionLine, (padding+1)/2, "")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", cfgPath)
	fmt.Fprintf(out, "  Temp path:    %s\n", cfg.JobRoot())
	if historyPath != "" {
		fmt.Fprintf(out, "  Database:     %s\n", historyPath)
	} else {
		fmt.Fprintf(out, "  Database:     (disabled)\n")
	}
	fmt.Fprintf(out, "  Workers:      %d\n", jobs.ClampWorkerCount(cfg.Workers))
	fmt.Fprintf(out, "  Format:       %s (default quality %s)\n", cfg.AudioFormat, cfg.DefaultQuality)
	fmt.Fprintf(out, "  Max age:      %s (sweep every %s)\n", cfg.MaxAge, cfg.SweepInterval)
	fmt.Fprintf(out, "  yt-dlp:       %s\n", cfg.YtDlpPath)
	fmt.Fprintf(out, "  FFprobe:      %s\n", cfg.FFprobePath)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Starting server on port %d\n", cfg.Port)
	fmt.Fprintln(out, "  Press Ctrl+C to stop")
	fmt.Fprintln(out)
}
