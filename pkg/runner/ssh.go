package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHRunner runs commands on a remote host over one shared connection.
type SSHRunner struct {
	config *SSHConfig
	logger zerolog.Logger

	connMu sync.Mutex
	client *ssh.Client
}

// NewSSHRunner validates config and creates a runner. The connection is
// opened on first use.
func NewSSHRunner(config *SSHConfig, logger zerolog.Logger) (*SSHRunner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &SSHRunner{
		config: config,
		logger: logger.With().Str("component", "ssh-runner").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the SSH connection if it is not already open.
func (r *SSHRunner) Connect(ctx context.Context) error {
	_, err := r.getClient(ctx)
	return err
}

func (r *SSHRunner) getClient(ctx context.Context) (*ssh.Client, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.client != nil {
		// A keepalive round trip detects a dead connection.
		if _, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return r.client, nil
		}
		r.logger.Warn().Msg("existing connection is dead, reconnecting")
		_ = r.client.Close()
		r.client = nil
	}

	clientConfig, err := r.config.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", r.config.Address(), clientConfig)
		done <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-done:
		if res.err != nil {
			return nil, &TransportError{
				Op:          "connect",
				Err:         res.err,
				IsTemporary: true,
				IsAuthError: strings.Contains(res.err.Error(), "unable to authenticate"),
			}
		}
		r.client = res.client
		r.logger.Debug().Msg("SSH connection established")
		return r.client, nil
	}
}

// Close closes the connection.
func (r *SSHRunner) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Run executes command remotely. Commands spanning several lines are
// uploaded as a script, run with the configured shell, then removed.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, int, error) {
	client, err := r.getClient(ctx)
	if err != nil {
		return "", -1, err
	}

	if !strings.Contains(strings.TrimSpace(command), "\n") {
		return r.exec(ctx, client, command)
	}

	remotePath, err := r.upload(ctx, client, command)
	if err != nil {
		return "", -1, err
	}
	defer r.remove(client, remotePath)

	return r.exec(ctx, client, r.config.Shell+" "+remotePath)
}

// exec runs one command in a new session.
func (r *SSHRunner) exec(ctx context.Context, client *ssh.Client, command string) (string, int, error) {
	startTime := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return "", -1, &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return out.String(), -1, ctx.Err()
	case runErr = <-done:
	}

	output := out.String()
	r.logger.Debug().
		Str("command", command).
		Int("output_len", len(output)).
		Dur("duration", time.Since(startTime)).
		Err(runErr).
		Msg("command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return output, exitErr.ExitStatus(), nil
		}
		return output, -1, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return output, 0, nil
}

// upload writes script to a fresh path under the remote temp directory.
func (r *SSHRunner) upload(ctx context.Context, client *ssh.Client, script string) (string, error) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	remotePath := path.Join(r.config.TempDir, "capstan-"+uuid.New().String()+".sh")
	f, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return "", &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote file: %w", err),
		}
	}
	if !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	if _, err := f.Write([]byte(script)); err != nil {
		_ = f.Close()
		_ = sftpClient.Remove(remotePath)
		return "", &TransportError{Op: "upload", Err: fmt.Errorf("failed to write script: %w", err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return "", &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := sftpClient.Chmod(remotePath, 0o700); err != nil {
		r.logger.Warn().Err(err).Str("path", remotePath).Msg("failed to set script permissions")
	}

	r.logger.Debug().Str("path", remotePath).Int("bytes", len(script)).Msg("script uploaded")
	return remotePath, nil
}

func (r *SSHRunner) remove(client *ssh.Client, remotePath string) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		r.logger.Warn().Err(err).Str("path", remotePath).Msg("failed to remove script")
		return
	}
	defer sftpClient.Close()
	if err := sftpClient.Remove(remotePath); err != nil {
		r.logger.Warn().Err(err).Str("path", remotePath).Msg("failed to remove script")
	}
}

// lockedBuffer serialises writes from the stdout and stderr copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
