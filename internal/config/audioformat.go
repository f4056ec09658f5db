package config

import "slices"

// ValidAudioFormats contains the formats accepted for audio_format.
// Each is passed to yt-dlp's --audio-format and is also the extension of
// the file it produces.
var ValidAudioFormats = []string{
	"mp3",  // Widest player support (default)
	"m4a",  // AAC in an MP4 container
	"opus", // Smallest at a given quality
	"flac", // Lossless
	"wav",  // Uncompressed PCM
}

// DefaultAudioFormat is the default output format.
const DefaultAudioFormat = "mp3"

// IsValidAudioFormat returns true if the format is supported.
func IsValidAudioFormat(format string) bool {
	return slices.Contains(ValidAudioFormats, format)
}
