package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/skeinlab/skein/pkg/build"
	"github.com/skeinlab/skein/pkg/supervise"
)

// Runner executes services on a remote host over an established SSH
// connection. It implements supervise.Runner.
type Runner struct {
	client *Client
}

// NewRunner wraps a connected client.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// remoteDir is the per-artifact staging directory on the host.
func (r *Runner) remoteDir(artifact *build.Artifact) string {
	return path.Join(r.client.config.WorkDir, artifact.ID)
}

// Place uploads the artifact and its launch configuration via SFTP and
// verifies the artifact checksum after transfer.
func (r *Runner) Place(ctx context.Context, artifact *build.Artifact, config []byte) error {
	sshClient, err := r.client.getClient()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	defer sftpClient.Close()

	dir := r.remoteDir(artifact)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return &TransportError{Op: "place", Err: fmt.Errorf("create %s: %w", dir, err)}
	}

	binPath := path.Join(dir, filepath.Base(artifact.LocalPath))
	if err := uploadFile(sftpClient, artifact.LocalPath, binPath, 0o755); err != nil {
		return &TransportError{Op: "place", Err: err, IsTemporary: true}
	}

	sum, err := remoteChecksum(sftpClient, binPath)
	if err != nil {
		return &TransportError{Op: "place", Err: err, IsTemporary: true}
	}
	if sum != artifact.Checksum {
		return &TransportError{Op: "place",
			Err: fmt.Errorf("checksum mismatch for %s: got %s, want %s", binPath, sum, artifact.Checksum)}
	}

	cfgPath := path.Join(dir, "config.json")
	f, err := sftpClient.Create(cfgPath)
	if err != nil {
		return &TransportError{Op: "place", Err: err, IsTemporary: true}
	}
	if _, err := f.Write(config); err != nil {
		f.Close()
		return &TransportError{Op: "place", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "place", Err: err, IsTemporary: true}
	}

	log.Debug().Str("host", r.client.config.Host).Str("dir", dir).Msg("artifact placed on remote host")
	return nil
}

// Launch starts the placed artifact in a long-lived SSH session with stdio
// attached. The launch configuration path travels in the environment.
func (r *Runner) Launch(ctx context.Context, artifact *build.Artifact, args []string) (supervise.Process, error) {
	sshClient, err := r.client.getClient()
	if err != nil {
		return nil, err
	}
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "launch", Err: err, IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "launch", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "launch", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "launch", Err: err}
	}

	dir := r.remoteDir(artifact)
	bin := path.Join(dir, filepath.Base(artifact.LocalPath))
	cmd := buildCommand(dir, bin, path.Join(dir, "config.json"), args)

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "launch", Err: fmt.Errorf("start %q: %w", cmd, err)}
	}

	log.Debug().Str("host", r.client.config.Host).Str("command", cmd).Msg("remote process started")
	return &process{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Close disconnects the underlying SSH connection.
func (r *Runner) Close() error {
	return r.client.Disconnect()
}

// buildCommand renders the remote command line. Arguments are single-quoted
// so shell metacharacters in them are inert.
func buildCommand(dir, bin, cfgPath string, args []string) string {
	parts := []string{
		"cd " + shellQuote(dir), "&&",
		"SKEIN_CONFIG=" + shellQuote(cfgPath),
		shellQuote(bin),
	}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func uploadFile(client *sftp.Client, localPath, remotePath string, mode os.FileMode) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, mode)
}

// remoteChecksum hashes the remote file through SFTP, avoiding any dependency
// on tools installed on the host.
func remoteChecksum(client *sftp.Client, remotePath string) (string, error) {
	f, err := client.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// process adapts an ssh.Session running one command to supervise.Process.
type process struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (p *process) Stdin() io.Writer  { return p.stdin }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

// Signal delivers a signal through the SSH channel.
func (p *process) Signal(sig supervise.Signal) error {
	switch sig {
	case supervise.SignalKill:
		return p.session.Signal(ssh.SIGKILL)
	default:
		return p.session.Signal(ssh.SIGTERM)
	}
}

// Wait reaps the remote command and maps its termination to an exit code.
func (p *process) Wait() (int, error) {
	err := p.session.Wait()
	p.session.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		// Killed sessions often report no exit status.
		return -1, nil
	}
	return -1, err
}
