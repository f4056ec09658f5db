package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Port is the HTTP listen port (default 3001)
	Port int `yaml:"port"`

	// TempPath is the root under which one directory per job is created
	TempPath string `yaml:"temp_path"`

	// YtDlpPath is the path to the yt-dlp binary (default: "yt-dlp")
	YtDlpPath string `yaml:"ytdlp_path"`

	// FFprobePath is the path to ffprobe, used to inspect finished artifacts (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// AudioFormat is the target audio container/extension handed to yt-dlp (default: "mp3")
	AudioFormat string `yaml:"audio_format"`

	// DefaultQuality is used when a submission carries no quality (default: "320").
	// Passed to yt-dlp uninterpreted.
	DefaultQuality string `yaml:"default_quality"`

	// MetadataFormat selects how metadata is read from yt-dlp: "pipe" or "json"
	MetadataFormat string `yaml:"metadata_format"`

	// Workers is the number of conversions allowed to run tool stages at once
	Workers int `yaml:"workers"`

	// SweepInterval is the time between cleanup sweeps
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// StartupDelay is the wait before the first sweep
	StartupDelay time.Duration `yaml:"startup_delay"`

	// MaxAge is how long a job and its files live before a sweep evicts them
	MaxAge time.Duration `yaml:"max_age"`

	// EvictProcessing lets the sweeper evict jobs that are still running.
	// The run is cancelled before its directory is removed.
	EvictProcessing bool `yaml:"evict_processing"`

	// ToolTimeout bounds a run once it holds a worker slot (0 = no timeout)
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxOutputBytes caps captured stdout/stderr per invocation
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// DatabasePath is the SQLite file holding conversion history (empty = disabled)
	DatabasePath string `yaml:"database_path"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json"
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:            3001,
		TempPath:        "./temp",
		YtDlpPath:       "yt-dlp",
		FFprobePath:     "ffprobe",
		AudioFormat:     DefaultAudioFormat,
		DefaultQuality:  "320",
		MetadataFormat:  "pipe",
		Workers:         2,
		SweepInterval:   time.Hour,
		StartupDelay:    10 * time.Second,
		MaxAge:          time.Hour,
		EvictProcessing: true,
		ToolTimeout:     0,
		MaxOutputBytes:  1 << 20,
		DatabasePath:    "./data/audiopull.db",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads config from a YAML file, applying defaults for missing values.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides values from environment variables. lookup has the
// signature of os.LookupEnv. Interval variables (CLEANUP_INTERVAL,
// CLEANUP_STARTUP_DELAY, MAX_FILE_AGE) are milliseconds. DATABASE_PATH set to
// an empty string disables the history database.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	if v := get("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := get("TEMP_DIR"); v != "" {
		c.TempPath = v
	}
	if v := get("YTDLP_PATH"); v != "" {
		c.YtDlpPath = v
	}
	if v := get("FFPROBE_PATH"); v != "" {
		c.FFprobePath = v
	}
	if v := get("AUDIO_FORMAT"); v != "" {
		c.AudioFormat = v
	}
	if v := get("DEFAULT_QUALITY"); v != "" {
		c.DefaultQuality = v
	}
	if v := get("METADATA_FORMAT"); v != "" {
		c.MetadataFormat = v
	}
	if v := get("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if d, ok := envMillis(get("CLEANUP_INTERVAL")); ok {
		c.SweepInterval = d
	}
	if d, ok := envMillis(get("CLEANUP_STARTUP_DELAY")); ok {
		c.StartupDelay = d
	}
	if d, ok := envMillis(get("MAX_FILE_AGE")); ok {
		c.MaxAge = d
	}
	if v := get("EVICT_PROCESSING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EvictProcessing = b
		}
	}
	if v := get("TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ToolTimeout = d
		}
	}
	if v := get("MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxOutputBytes = n
		}
	}
	if v, ok := lookup("DATABASE_PATH"); ok {
		c.DatabasePath = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	c.applyDefaults()
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.TempPath == "" {
		errs = append(errs, errors.New("temp_path is required"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval))
	}
	if c.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("max_age must be positive, got %s", c.MaxAge))
	}
	if c.StartupDelay < 0 {
		errs = append(errs, fmt.Errorf("startup_delay must not be negative, got %s", c.StartupDelay))
	}
	if !IsValidAudioFormat(c.AudioFormat) {
		errs = append(errs, fmt.Errorf("audio_format must be one of %s, got %q",
			strings.Join(ValidAudioFormats, ", "), c.AudioFormat))
	}
	switch c.MetadataFormat {
	case "pipe", "json":
	default:
		errs = append(errs, fmt.Errorf("metadata_format must be pipe or json, got %q", c.MetadataFormat))
	}
	return errors.Join(errs...)
}

// Save writes the config to a YAML file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// JobRoot returns the absolute temp root, falling back to the configured
// value if it cannot be resolved.
func (c *Config) JobRoot() string {
	abs, err := filepath.Abs(c.TempPath)
	if err != nil {
		return c.TempPath
	}
	return abs
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.TempPath == "" {
		c.TempPath = def.TempPath
	}
	if c.YtDlpPath == "" {
		c.YtDlpPath = def.YtDlpPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = def.FFprobePath
	}
	if c.AudioFormat == "" {
		c.AudioFormat = def.AudioFormat
	}
	c.AudioFormat = strings.TrimPrefix(strings.ToLower(c.AudioFormat), ".")
	if c.DefaultQuality == "" {
		c.DefaultQuality = def.DefaultQuality
	}
	if c.MetadataFormat == "" {
		c.MetadataFormat = def.MetadataFormat
	}
	c.MetadataFormat = strings.ToLower(c.MetadataFormat)
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.MaxAge == 0 {
		c.MaxAge = def.MaxAge
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = def.MaxOutputBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
}

func envMillis(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
