package ytdlp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gwlsn/audiopull/internal/logger"
)

// outputTemplate names the downloaded file after the video title.
const outputTemplate = "%(title)s.%(ext)s"

// Client wraps the yt-dlp command line. It holds no per-request state and
// never retries; callers decide what to do with a failure.
type Client struct {
	binary         string
	runner         Runner
	audioFormat    string
	metadataFormat MetadataFormat
}

// Option is a functional option for configuring Client
type Option func(*Client)

// WithBinary sets a custom yt-dlp executable path
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithRunner sets a custom command runner (for testing)
func WithRunner(r Runner) Option {
	return func(c *Client) {
		c.runner = r
	}
}

// WithAudioFormat sets the target audio format, e.g. "mp3" or "m4a"
func WithAudioFormat(format string) Option {
	return func(c *Client) {
		if format != "" {
			c.audioFormat = strings.TrimPrefix(strings.ToLower(format), ".")
		}
	}
}

// WithMetadataFormat selects pipe-delimited or JSON metadata output
func WithMetadataFormat(f MetadataFormat) Option {
	return func(c *Client) {
		if f != "" {
			c.metadataFormat = f
		}
	}
}

// NewClient creates a Client with yt-dlp on PATH, mp3 output and pipe metadata.
func NewClient(opts ...Option) *Client {
	c := &Client{
		binary:         "yt-dlp",
		runner:         &ExecRunner{},
		audioFormat:    "mp3",
		metadataFormat: FormatPipe,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AudioFormat returns the extension of files produced by DownloadAudio.
func (c *Client) AudioFormat() string {
	return c.audioFormat
}

// FetchMetadata retrieves descriptive metadata for a video reference.
func (c *Client) FetchMetadata(ctx context.Context, reference string) (*Metadata, error) {
	var args []string
	switch c.metadataFormat {
	case FormatJSON:
		args = []string{"--dump-single-json", "--skip-download", "--no-warnings", "--no-playlist", "--", reference}
	default:
		args = []string{"--print", printTemplate, "--no-warnings", "--no-playlist", "--", reference}
	}

	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	if c.metadataFormat == FormatJSON {
		return ParseMetadataJSON(res.Stdout)
	}
	return ParseMetadataLine(string(res.Stdout))
}

// DownloadAudio extracts the audio track of reference into outputDir,
// transcoded to the client's audio format at the given quality, and returns
// the absolute path of the produced file. quality is passed through as-is.
//
// If several files with the target extension exist, the lexicographically
// smallest name wins.
func (c *Client) DownloadAudio(ctx context.Context, reference, outputDir, quality string) (string, error) {
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}

	args := []string{
		"--extract-audio",
		"--audio-format", c.audioFormat,
	}
	if quality != "" {
		args = append(args, "--audio-quality", quality)
	}
	args = append(args,
		"--output", filepath.Join(absDir, outputTemplate),
		"--no-warnings",
		"--no-playlist",
		"--embed-metadata",
		"--",
		reference,
	)

	if _, err := c.run(ctx, args...); err != nil {
		return "", err
	}

	return findOutput(absDir, c.audioFormat)
}

// Version returns the tool's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	res, err := c.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ProbeAvailability reports whether the tool can be started and exits 0.
func (c *Client) ProbeAvailability(ctx context.Context) bool {
	_, err := c.Version(ctx)
	return err == nil
}

func (c *Client) run(ctx context.Context, args ...string) (*Result, error) {
	logger.Debug("yt-dlp command", "args", strings.Join(args, " "))

	res, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ToolError{Binary: c.binary, ExitCode: -1, Err: err}
	}

	if res.Truncated {
		logger.Debug("yt-dlp output truncated", "binary", c.binary)
	}

	if res.ExitCode != 0 {
		return nil, &ToolError{
			Binary:   c.binary,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}

	return res, nil
}

// findOutput returns the first file in dir with the given extension.
// os.ReadDir sorts by name, which makes the pick deterministic.
func findOutput(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrNoOutput, dir, err)
	}

	suffix := "." + ext
	var matches []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), suffix) {
			matches = append(matches, e.Name())
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no %s file in %s", ErrNoOutput, suffix, dir)
	}
	if len(matches) > 1 {
		logger.Warn("Multiple audio files after conversion, using first by name",
			"dir", dir, "count", len(matches), "chosen", matches[0])
	}

	return filepath.Join(dir, matches[0]), nil
}
