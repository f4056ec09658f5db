package ytdlp

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// DefaultMaxOutput caps how much stdout and stderr is kept per invocation.
const DefaultMaxOutput = 1 << 20

// Result is the captured outcome of one process invocation.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Truncated bool // stdout or stderr hit the capture limit
}

// Runner executes a command and captures its output. A non-zero exit is
// reported through Result.ExitCode with a nil error; the error is reserved
// for failures to start or wait on the process.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExecRunner is the production Runner built on os/exec.
type ExecRunner struct {
	// MaxOutput is the per-stream capture limit in bytes (0 = DefaultMaxOutput)
	MaxOutput int
}

// Run starts the command, waits for it and returns the bounded output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// yt-dlp spawns ffmpeg; if a grandchild keeps the pipes open after a
	// kill, stop waiting for it.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := &Result{
		Stdout:    stdout.buf,
		Stderr:    stderr.buf,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}

	return res, nil
}

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest, so a chatty process cannot grow memory without bound.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}
