package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gwlsn/audiopull/internal/api"
	"github.com/gwlsn/audiopull/internal/jobs"
	"github.com/gwlsn/audiopull/internal/logger"
)

var (
	convertQuality string
	convertJSON    bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <url>",
	Short: "Convert one video in the foreground",
	Long: `Run a single conversion and print the path of the audio file.

The file stays in the temp directory; nothing is swept while the
command runs.

Example:
  audiopull convert "https://www.youtube.com/watch?v=dQw4w9WgXcQ" --quality 192`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata <url>",
	Short: "Print video metadata as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetadata,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(metadataCmd)
	convertCmd.Flags().StringVar(&convertQuality, "quality", "", "audio quality passed to yt-dlp (default from config)")
	convertCmd.Flags().BoolVar(&convertJSON, "json", false, "print the finished job as JSON")
}

func videoURL(arg string) (string, error) {
	url := api.SanitizeURL(arg)
	if !api.ValidYouTubeURL(url) {
		return "", fmt.Errorf("invalid YouTube URL: %q", arg)
	}
	return url, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	url, err := videoURL(args[0])
	if err != nil {
		return err
	}

	quality := convertQuality
	if quality == "" {
		quality = cfg.DefaultQuality
	}

	orch, err := jobs.New(jobs.Options{
		Root:        cfg.JobRoot(),
		Tool:        newClient(cfg),
		Prober:      newProber(cfg),
		Workers:     1,
		ToolTimeout: cfg.ToolTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID := uuid.NewString()
	events := orch.Subscribe()
	defer orch.Unsubscribe(events)
	go func() {
		for ev := range events {
			if ev.Job.ID == jobID && ev.Type == "progress" {
				logger.Info("Progress", "job_id", jobID, "stage", ev.Job.Stage, "progress", ev.Job.Progress)
			}
		}
	}()

	if err := orch.Submit(jobID, url, quality); err != nil {
		return err
	}

	job, err := orch.Wait(ctx, jobID)
	if err != nil {
		orch.Cancel(jobID)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		orch.Shutdown(shutdownCtx)
		return fmt.Errorf("conversion interrupted: %w", err)
	}
	if job.Status == jobs.StatusFailed {
		return fmt.Errorf("conversion failed: %s", job.Error)
	}

	path, err := orch.ResolveFile(job.FileID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if convertJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": job, "path": path})
	}
	if job.Artifact != nil {
		fmt.Fprintf(out, "%s (%s)\n", path, job.Artifact)
	} else {
		fmt.Fprintln(out, path)
	}
	return nil
}

func runMetadata(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	url, err := videoURL(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ToolTimeout)
		defer cancel()
	}

	md, err := newClient(cfg).FetchMetadata(ctx, url)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(md)
}
