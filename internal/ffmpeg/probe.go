package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// AudioInfo contains metadata about a converted audio file
type AudioInfo struct {
	Path       string        `json:"-"`
	Size       int64         `json:"size"`
	Duration   time.Duration `json:"duration"`
	Format     string        `json:"format"`
	Codec      string        `json:"codec"`
	Bitrate    int64         `json:"bitrate"` // bits per second
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

// String renders a short human summary, e.g. "mp3 320 kbps, 4.1 MB, 1m45s".
func (a *AudioInfo) String() string {
	return fmt.Sprintf("%s %d kbps, %s, %s",
		a.Codec, a.Bitrate/1000, humanize.Bytes(uint64(max(a.Size, 0))), a.Duration.Round(time.Second))
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    string `json:"bit_rate"`
}

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
}

// NewProber creates a new Prober with the given ffprobe path
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns metadata about an audio file
func (p *Prober) Probe(ctx context.Context, path string) (*AudioInfo, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "a",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe failed (exit %d): %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return nil, err
	}
	info.Path = path

	// ffprobe omits size for some muxers
	if info.Size == 0 {
		if st, err := os.Stat(path); err == nil {
			info.Size = st.Size()
		}
	}

	return info, nil
}

// Available reports whether ffprobe can be started.
func (p *Prober) Available(ctx context.Context) bool {
	return exec.CommandContext(ctx, p.ffprobePath, "-version").Run() == nil
}

func parseProbeOutput(output []byte) (*AudioInfo, error) {
	var probeOutput ffprobeOutput
	if err := json.Unmarshal(output, &probeOutput); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &AudioInfo{
		Format: probeOutput.Format.FormatName,
	}

	if probeOutput.Format.Size != "" {
		info.Size, _ = strconv.ParseInt(probeOutput.Format.Size, 10, 64)
	}
	if probeOutput.Format.BitRate != "" {
		info.Bitrate, _ = strconv.ParseInt(probeOutput.Format.BitRate, 10, 64)
	}
	if probeOutput.Format.Duration != "" {
		durationSec, _ := strconv.ParseFloat(probeOutput.Format.Duration, 64)
		info.Duration = time.Duration(durationSec * float64(time.Second))
	}

	for i := range probeOutput.Streams {
		stream := &probeOutput.Streams[i]
		if stream.CodecType != "audio" {
			continue
		}
		// Take first audio stream
		info.Codec = stream.CodecName
		info.Channels = stream.Channels
		info.SampleRate, _ = strconv.Atoi(stream.SampleRate)
		if info.Bitrate == 0 && stream.BitRate != "" {
			info.Bitrate, _ = strconv.ParseInt(stream.BitRate, 10, 64)
		}
		break
	}

	if info.Codec == "" {
		return nil, fmt.Errorf("no audio stream found")
	}

	return info, nil
}

// IsAudioFile returns true if the file extension suggests an audio file
func IsAudioFile(path string) bool {
	ext := strings.ToLower(path)
	audioExtensions := []string{
		".mp3", ".m4a", ".aac", ".opus", ".ogg", ".flac", ".wav", ".vorbis", ".alac",
	}
	for _, ae := range audioExtensions {
		if strings.HasSuffix(ext, ae) {
			return true
		}
	}
	return false
}
