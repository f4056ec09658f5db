package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gwlsn/audiopull/internal/config"
	"github.com/gwlsn/audiopull/internal/ffmpeg"
	"github.com/gwlsn/audiopull/internal/logger"
	"github.com/gwlsn/audiopull/internal/ytdlp"
)

var (
	cfgFile  string
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "audiopull",
	Short: "Convert online videos into downloadable audio files",
	Long: `audiopull drives yt-dlp to turn a video link into an audio file:

  - Fetch video metadata
  - Download and transcode the audio track
  - Serve the result for download until it expires

Configuration is read from a YAML file, then .env, then the environment.

Example:
  audiopull serve --config config/audiopull.yaml
  audiopull convert "https://youtu.be/dQw4w9WgXcQ" --quality 192`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CONFIG_PATH or ./config/audiopull.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

// loadConfig resolves the config file, applies .env and environment
// overrides, validates the result and initializes the logger.
func loadConfig() (*config.Config, string, error) {
	path := configPath()

	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, path, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}

	logger.InitWithFormat(cfg.LogLevel, cfg.LogFormat)
	return cfg, path, nil
}

// configPath resolves --config, then $CONFIG_PATH, then the default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config/audiopull.yaml"
}

func newClient(cfg *config.Config) *ytdlp.Client {
	return ytdlp.NewClient(
		ytdlp.WithBinary(cfg.YtDlpPath),
		ytdlp.WithRunner(&ytdlp.ExecRunner{MaxOutput: cfg.MaxOutputBytes}),
		ytdlp.WithAudioFormat(cfg.AudioFormat),
		ytdlp.WithMetadataFormat(ytdlp.MetadataFormat(cfg.MetadataFormat)),
	)
}

func newProber(cfg *config.Config) *ffmpeg.Prober {
	return ffmpeg.NewProber(cfg.FFprobePath)
}
