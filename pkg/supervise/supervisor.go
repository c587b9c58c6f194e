package supervise

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Control protocol lines exchanged with the launched process.
const (
	readyLine    = "ready"
	ackStartLine = "ack start"
	startPrefix  = "start: "
	stopCommand  = "stop"
)

func isControlLine(line string) bool {
	return line == readyLine || strings.HasPrefix(line, readyLine+": ") || line == ackStartLine
}

// ExitFunc is invoked exactly once when the supervised process exits. The
// unexpected flag is true when no stop was requested beforehand.
type ExitFunc func(code int, unexpected bool)

// Supervisor drives one launched process through the control protocol and
// exposes its output streams and exit status.
type Supervisor struct {
	name    string
	proc    Process
	grace   time.Duration
	control chan string

	stdout *Broadcaster
	stderr *Broadcaster

	mu            sync.Mutex
	stopRequested bool
	exited        bool
	exitCode      int
	exitErr       error

	done   chan struct{}
	onExit ExitFunc
}

// New wraps a launched process. The grace duration bounds how long Stop waits
// for voluntary exit before killing. onExit may be nil.
func New(name string, proc Process, grace time.Duration, onExit ExitFunc) *Supervisor {
	s := &Supervisor{
		name:    name,
		proc:    proc,
		grace:   grace,
		control: make(chan string, 4),
		stdout:  NewBroadcaster(),
		stderr:  NewBroadcaster(),
		done:    make(chan struct{}),
		onExit:  onExit,
	}

	go pumpLines(proc.Stdout(), s.stdout, s.control)
	go pumpLines(proc.Stderr(), s.stderr, nil)
	go s.watch()

	return s
}

// watch reaps the process and records its exit status.
func (s *Supervisor) watch() {
	code, err := s.proc.Wait()

	s.mu.Lock()
	s.exited = true
	s.exitCode = code
	s.exitErr = err
	unexpected := !s.stopRequested
	s.mu.Unlock()

	close(s.done)

	if unexpected {
		log.Warn().Str("service", s.name).Int("exit_code", code).Msg("process exited unexpectedly")
	}
	if s.onExit != nil {
		s.onExit(code, unexpected)
	}
}

// WaitReady blocks until the process reports that all of its listen sockets
// are bound, the process exits, or the context expires.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case line := <-s.control:
		if line == readyLine || strings.HasPrefix(line, readyLine+": ") {
			return nil
		}
		return fmt.Errorf("service %s: expected ready, got %q", s.name, line)
	case <-s.done:
		return fmt.Errorf("service %s exited before reporting ready (code %d)", s.name, s.exitCode)
	case <-ctx.Done():
		return fmt.Errorf("service %s: waiting for ready: %w", s.name, ctx.Err())
	}
}

// Start sends the connect table to the process and waits for the start ack.
// Every destination it will dial is guaranteed listening by the engine's
// launch barrier before Start is called.
func (s *Supervisor) Start(ctx context.Context, connects []byte) error {
	if err := s.writeLine(startPrefix + string(connects)); err != nil {
		return fmt.Errorf("service %s: send start: %w", s.name, err)
	}
	select {
	case line := <-s.control:
		if line != ackStartLine {
			return fmt.Errorf("service %s: expected %q, got %q", s.name, ackStartLine, line)
		}
		return nil
	case <-s.done:
		return fmt.Errorf("service %s exited before acking start (code %d)", s.name, s.exitCode)
	case <-ctx.Done():
		return fmt.Errorf("service %s: waiting for start ack: %w", s.name, ctx.Err())
	}
}

// Stop requests graceful termination. If the process has not exited within
// the grace period it is forcibly killed. Stop is idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return nil
	}
	alreadyRequested := s.stopRequested
	s.stopRequested = true
	s.mu.Unlock()

	if !alreadyRequested {
		// Best effort: the process may have closed stdin already.
		_ = s.writeLine(stopCommand)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		log.Warn().Str("service", s.name).Dur("grace", s.grace).Msg("grace period expired, killing process")
	case <-ctx.Done():
	}

	if err := s.proc.Signal(SignalKill); err != nil {
		return fmt.Errorf("service %s: kill: %w", s.name, err)
	}
	<-s.done
	return ctx.Err()
}

// ExitCode returns the process's exit status, or ErrStillRunning if the
// process has not exited.
func (s *Supervisor) ExitCode() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exited {
		return 0, ErrStillRunning
	}
	return s.exitCode, s.exitErr
}

// Wait suspends the caller until the process exits and returns its status.
func (s *Supervisor) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return s.ExitCode()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the process has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Running reports whether the process is still alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.exited
}

// Stdout streams output lines emitted after this call.
func (s *Supervisor) Stdout(ctx context.Context) <-chan string { return s.stdout.Subscribe(ctx) }

// Stderr streams error lines emitted after this call.
func (s *Supervisor) Stderr(ctx context.Context) <-chan string { return s.stderr.Subscribe(ctx) }

// StdoutFilter streams stdout lines with the given prefix, prefix stripped.
func (s *Supervisor) StdoutFilter(ctx context.Context, prefix string) <-chan string {
	return s.stdout.SubscribeFilter(ctx, prefix)
}

// StderrFilter streams stderr lines with the given prefix, prefix stripped.
func (s *Supervisor) StderrFilter(ctx context.Context, prefix string) <-chan string {
	return s.stderr.SubscribeFilter(ctx, prefix)
}

func (s *Supervisor) writeLine(line string) error {
	_, err := io.WriteString(s.proc.Stdin(), line+"\n")
	return err
}
