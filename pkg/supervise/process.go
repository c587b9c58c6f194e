package supervise

import (
	"context"
	"errors"
	"io"

	"github.com/skeinlab/skein/pkg/build"
)

// ErrStillRunning is returned by ExitCode when the process has not exited and
// no wait was requested.
var ErrStillRunning = errors.New("process still running")

// Signal is a portable subset of process signals.
type Signal string

const (
	// SignalTerminate requests graceful termination (SIGTERM).
	SignalTerminate Signal = "TERM"

	// SignalKill forcibly terminates the process (SIGKILL).
	SignalKill Signal = "KILL"
)

// Process is a launched process as exposed by a transport. Implementations
// exist for local execution and SSH sessions.
type Process interface {
	// Stdin is the process's standard input.
	Stdin() io.Writer

	// Stdout is the process's standard output.
	Stdout() io.Reader

	// Stderr is the process's standard error.
	Stderr() io.Reader

	// Signal delivers a signal to the process.
	Signal(sig Signal) error

	// Wait blocks until the process exits and returns its exit code. It
	// must be safe to call exactly once.
	Wait() (int, error)
}

// Runner is the execution capability a provisioned host exposes: place an
// artifact plus its runtime config, then launch it.
type Runner interface {
	// Place copies the artifact and its config file onto the host,
	// verifying the artifact checksum after transfer.
	Place(ctx context.Context, artifact *build.Artifact, config []byte) error

	// Launch starts the placed artifact with the given arguments.
	Launch(ctx context.Context, artifact *build.Artifact, args []string) (Process, error)

	// Close releases any transport resources held by the runner.
	Close() error
}
