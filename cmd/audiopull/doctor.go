package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwlsn/audiopull"
	"github.com/gwlsn/audiopull/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the external tools and paths are usable",
	Long: `Check the yt-dlp binary, the ffprobe binary, the temp directory
and the history database. Exits non-zero when yt-dlp is missing.`,
	RunE: runDoctor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "audiopull v%s\n", audiopull.Version)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	fmt.Fprintf(out, "  Config:     %s\n", cfgPath)

	client := newClient(cfg)
	version, err := client.Version(ctx)
	ytdlpOK := err == nil
	if ytdlpOK {
		fmt.Fprintf(out, "  yt-dlp:     ok (%s, %s)\n", cfg.YtDlpPath, version)
	} else {
		fmt.Fprintf(out, "  yt-dlp:     MISSING (%s): %v\n", cfg.YtDlpPath, err)
	}

	if newProber(cfg).Available(ctx) {
		fmt.Fprintf(out, "  ffprobe:    ok (%s)\n", cfg.FFprobePath)
	} else {
		fmt.Fprintf(out, "  ffprobe:    missing (%s), artifacts will not be inspected\n", cfg.FFprobePath)
	}

	fmt.Fprintf(out, "  Temp path:  %s\n", cfg.JobRoot())

	if cfg.DatabasePath == "" {
		fmt.Fprintf(out, "  Database:   disabled\n")
	} else if s, err := store.NewSQLiteStore(cfg.DatabasePath); err != nil {
		fmt.Fprintf(out, "  Database:   error (%s): %v\n", cfg.DatabasePath, err)
	} else {
		stats, err := s.Stats()
		s.Close()
		if err != nil {
			fmt.Fprintf(out, "  Database:   error (%s): %v\n", cfg.DatabasePath, err)
		} else {
			fmt.Fprintf(out, "  Database:   ok (%s, %d completed, %d failed)\n",
				cfg.DatabasePath, stats.LifetimeCompleted, stats.LifetimeFailed)
		}
	}

	if !ytdlpOK {
		return errors.New("yt-dlp is required")
	}
	return nil
}
