package ytdlp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Placeholders used when the tool reports an empty title or channel.
const (
	UnknownTitle   = "Unknown Title"
	UnknownChannel = "Unknown Channel"
)

// printTemplate asks yt-dlp for one pipe-delimited record. A '|' inside the
// title or description shifts every later field; use the json format when
// that matters.
const printTemplate = "%(id)s|%(title)s|%(thumbnail)s|%(duration)s|%(channel)s|%(description)s|%(view_count)s|%(upload_date)s"

const metadataFields = 8

// MetadataFormat selects how metadata is requested from yt-dlp.
type MetadataFormat string

const (
	FormatPipe MetadataFormat = "pipe"
	FormatJSON MetadataFormat = "json"
)

// Metadata describes a remote video
type Metadata struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Thumbnail   string `json:"thumbnail"`
	Duration    int    `json:"duration"` // seconds
	Channel     string `json:"channel"`
	Description string `json:"description,omitempty"`
	ViewCount   int64  `json:"view_count,omitempty"`
	UploadDate  string `json:"upload_date,omitempty"` // YYYYMMDD
}

// ParseMetadataLine decomposes the output of printTemplate. Missing or
// non-numeric fields fall back to defaults; only empty output is an error.
func ParseMetadataLine(output string) (*Metadata, error) {
	line := strings.TrimSpace(output)
	if line == "" {
		return nil, &ParseError{Reason: "empty output"}
	}

	fields := strings.Split(line, "|")
	field := func(i int) string {
		if i >= len(fields) {
			return ""
		}
		return cleanField(fields[i])
	}

	md := &Metadata{
		ID:          field(0),
		Title:       field(1),
		Thumbnail:   field(2),
		Duration:    int(parseCount(field(3))),
		Channel:     field(4),
		Description: field(5),
		ViewCount:   parseCount(field(6)),
		UploadDate:  field(7),
	}
	md.applyDefaults()

	return md, nil
}

// infoJSON is the subset of yt-dlp's --dump-single-json output we read.
type infoJSON struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Thumbnail   string  `json:"thumbnail"`
	Duration    float64 `json:"duration"`
	Channel     string  `json:"channel"`
	Uploader    string  `json:"uploader"`
	Description string  `json:"description"`
	ViewCount   int64   `json:"view_count"`
	UploadDate  string  `json:"upload_date"`
}

// ParseMetadataJSON decodes yt-dlp's structured info dump.
func ParseMetadataJSON(output []byte) (*Metadata, error) {
	if len(strings.TrimSpace(string(output))) == 0 {
		return nil, &ParseError{Reason: "empty output"}
	}

	var info infoJSON
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}

	channel := info.Channel
	if channel == "" {
		channel = info.Uploader
	}

	md := &Metadata{
		ID:          info.ID,
		Title:       info.Title,
		Thumbnail:   info.Thumbnail,
		Duration:    int(info.Duration),
		Channel:     channel,
		Description: info.Description,
		ViewCount:   info.ViewCount,
		UploadDate:  info.UploadDate,
	}
	md.applyDefaults()

	return md, nil
}

func (m *Metadata) applyDefaults() {
	if m.Title == "" {
		m.Title = UnknownTitle
	}
	if m.Channel == "" {
		m.Channel = UnknownChannel
	}
	if m.Duration < 0 {
		m.Duration = 0
	}
	if m.ViewCount < 0 {
		m.ViewCount = 0
	}
}

// cleanField trims whitespace and maps yt-dlp's "NA" placeholder to empty.
func cleanField(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

// parseCount parses an integer field, accepting "125" and "125.0".
// Anything else is 0.
func parseCount(s string) int64 {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return 0
}
