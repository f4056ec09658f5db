// Package audiopull converts remote videos into downloadable audio files.
package audiopull

// Version is the current release, reported by the CLI and the health endpoint.
const Version = "0.3.1"
