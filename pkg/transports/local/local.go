// Package local executes services as child processes of the engine. It is
// the transport behind local hosts: placement is a filesystem copy into a
// per-deployment staging directory and launch is os/exec.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/supervise"
)

// configEnv names the environment variable pointing a launched process at its
// placed launch configuration file.
const configEnv = "SKEIN_CONFIG"

// Runner places artifacts under a staging directory and launches them as
// child processes.
type Runner struct {
	stageDir string
}

// NewRunner creates a runner staging into dir. The directory is created on
// first placement.
func NewRunner(dir string) *Runner {
	return &Runner{stageDir: dir}
}

// Place copies the artifact binary and writes the config file next to it.
func (r *Runner) Place(ctx context.Context, artifact *build.Artifact, config []byte) error {
	dir := filepath.Join(r.stageDir, artifact.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(artifact.LocalPath))
	if err := copyFile(artifact.LocalPath, dst, 0o755); err != nil {
		return fmt.Errorf("stage artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	log.Debug().Str("artifact", artifact.ID).Str("dir", dir).Msg("artifact staged locally")
	return nil
}

// Launch starts the staged binary. The launch configuration path is passed
// through the environment.
func (r *Runner) Launch(ctx context.Context, artifact *build.Artifact, args []string) (supervise.Process, error) {
	dir := filepath.Join(r.stageDir, artifact.ID)
	bin := filepath.Join(dir, filepath.Base(artifact.LocalPath))

	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), configEnv+"="+filepath.Join(dir, "config.json"))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	log.Debug().Str("artifact", artifact.ID).Int("pid", cmd.Process.Pid).Msg("local process started")

	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Close removes the staging directory.
func (r *Runner) Close() error {
	if r.stageDir == "" {
		return nil
	}
	return os.RemoveAll(r.stageDir)
}

// process adapts exec.Cmd to the supervise.Process interface.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *process) Stdin() io.Writer  { return p.stdin }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// Signal delivers SIGTERM or SIGKILL to the child.
func (p *process) Signal(sig supervise.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	switch sig {
	case supervise.SignalKill:
		return p.cmd.Process.Kill()
	default:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Wait reaps the child and maps its termination to an exit code.
func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
