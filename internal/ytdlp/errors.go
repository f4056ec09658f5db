package ytdlp

import (
	"errors"
	"fmt"
)

// Sentinel errors for adapter failures.
// These can be checked with errors.Is().
var (
	ErrToolExecution = errors.New("media tool execution failed")
	ErrParse         = errors.New("unparseable media tool output")
	ErrNoOutput      = errors.New("no audio file found after conversion")
)

// ToolError is returned when the external tool exits non-zero or cannot be
// started. Stderr holds the captured (bounded) error output.
type ToolError struct {
	Binary   string
	ExitCode int    // -1 when the process never ran to completion
	Stderr   string
	Err      error // start/wait failure, nil for a plain non-zero exit
}

func (e *ToolError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Binary, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("%s failed: %s", e.Binary, e.Stderr)
	default:
		return fmt.Sprintf("%s failed with exit code %d", e.Binary, e.ExitCode)
	}
}

func (e *ToolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrToolExecution, e.Err}
	}
	return []error{ErrToolExecution}
}

// ParseError is returned when the tool succeeded but its output could not be
// decomposed into metadata fields.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to parse metadata: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to parse metadata: %s", e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrParse, e.Err}
	}
	return []error{ErrParse}
}
