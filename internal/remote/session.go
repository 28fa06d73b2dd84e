package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/myjob-hpc/myjob/internal/config"
	"github.com/myjob-hpc/myjob/internal/models"
)

const (
	connectAttempts = 3
	connectTimeout  = 30 * time.Second
)

// CommandResult is the fixed result structure returned by every remote
// command. A non-zero exit code is data for the caller to branch on, not
// an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Ok reports whether the command exited successfully.
func (r CommandResult) Ok() bool { return r.ExitCode == 0 }

// Runner executes commands on the remote host. Components take this
// interface so tests can substitute a fake transport.
type Runner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}

// ConnectionError reports an exhausted connection attempt sequence. The
// whole invocation is safe to retry later.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts: %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EnvironmentError reports a remote host that lacks required scheduler
// tooling. It is fatal and not retried.
type EnvironmentError struct {
	Probe string
	Err   error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment check failed (%s): %v", e.Probe, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// Session owns a single authenticated connection to the target host. It
// is reused for every remote command in one invocation; Run is serialized
// so no two logical operations interleave on the wire.
type Session struct {
	client *ssh.Client
	logger *zap.Logger
	mu     sync.Mutex
}

// Dial establishes the SSH connection, retrying up to 3 times with a
// fixed 30s per-attempt timeout. After exhausting retries it fails with a
// ConnectionError carrying the last underlying cause.
func Dial(ctx context.Context, conn config.ConnectionConfig, logger *zap.Logger) (*Session, error) {
	auth, err := authMethods(conn)
	if err != nil {
		return nil, &ConnectionError{Host: conn.Host, Attempts: 0, Err: err}
	}

	clientConfig := &ssh.ClientConfig{
		User:            conn.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	addr := net.JoinHostPort(conn.Host, fmt.Sprintf("%d", conn.Port))

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ConnectionError{Host: conn.Host, Attempts: attempt - 1, Err: err}
		}

		client, err := ssh.Dial("tcp", addr, clientConfig)
		if err == nil {
			logger.Debug("SSH connection established",
				zap.String("host", conn.Host),
				zap.Int("attempt", attempt),
			)
			return &Session{client: client, logger: logger}, nil
		}

		lastErr = err
		logger.Warn("SSH connection attempt failed",
			zap.String("host", conn.Host),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return nil, &ConnectionError{Host: conn.Host, Attempts: connectAttempts, Err: lastErr}
}

// authMethods builds the SSH auth chain: configured key file first, then
// a running ssh-agent if one is reachable.
func authMethods(conn config.ConnectionConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if conn.KeyFile != "" {
		keyPath := conn.KeyFile
		if strings.HasPrefix(keyPath, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to expand key path %s: %w", conn.KeyFile, err)
			}
			keyPath = path.Join(home, keyPath[2:])
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH auth method: configure connection.key_file or start an ssh-agent")
	}
	return methods, nil
}

// Run executes one command and returns its result. Callers are serialized
// on the session; cancellation tears down the remote process.
func (s *Session) Run(ctx context.Context, command string) (CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(ctx, command, nil)
}

// runLocked executes a command with an optional stdin payload. The caller
// must hold s.mu.
func (s *Session) runLocked(ctx context.Context, command string, stdin *strings.Reader) (CommandResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to open remote session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	done := make(chan error, 1)
	if err := sess.Start(command); err != nil {
		return CommandResult{}, fmt.Errorf("failed to start remote command: %w", err)
	}
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return CommandResult{}, ctx.Err()
	case err = <-done:
	}

	result := CommandResult{
		Stdout: strings.TrimRight(stdout.String(), "\n"),
		Stderr: strings.TrimRight(stderr.String(), "\n"),
	}
	if err != nil {
		exitErr, ok := err.(*ssh.ExitError)
		if !ok {
			return CommandResult{}, fmt.Errorf("remote command failed: %w", err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	s.logger.Debug("remote command finished",
		zap.String("command", command),
		zap.Int("exit_code", result.ExitCode),
	)
	return result, nil
}

// WriteFile uploads content to a remote path through the command channel.
// Parent directories are created as needed.
func (s *Session) WriteFile(ctx context.Context, remotePath, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", ShellQuote(path.Dir(remotePath)), ShellQuote(remotePath))
	result, err := s.runLocked(ctx, cmd, strings.NewReader(content))
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("failed to write %s: %s", remotePath, result.Stderr)
	}
	return nil
}

// Stream runs a command and copies its stdout to w until the command ends
// or ctx is cancelled. Cancellation closes the remote read cleanly and
// leaves the session reusable. Used for log following.
func (s *Session) Stream(ctx context.Context, command string, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open remote session: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open remote stdout: %w", err)
	}
	if err := sess.Start(command); err != nil {
		return fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(w, stdout)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		_ = sess.Close()
		<-done
		return nil
	case err = <-done:
		if err != nil {
			return fmt.Errorf("remote stream interrupted: %w", err)
		}
		return sess.Wait()
	}
}

// Close tears down the connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// CheckEnvironment verifies the remote host is usable: scheduler version
// probe, home directory probe, partition listing probe, in sequence. Any
// probe failure is fatal to the whole check; no partial info is returned.
func (s *Session) CheckEnvironment(ctx context.Context) (*models.RemoteEnvironmentInfo, error) {
	version, err := s.Run(ctx, "sinfo --version")
	if err != nil {
		return nil, &EnvironmentError{Probe: "scheduler version", Err: err}
	}
	if !version.Ok() || strings.TrimSpace(version.Stdout) == "" {
		return nil, &EnvironmentError{
			Probe: "scheduler version",
			Err:   fmt.Errorf("sinfo is not available on the remote host: %s", version.Stderr),
		}
	}

	home, err := s.Run(ctx, "echo $HOME")
	if err != nil {
		return nil, &EnvironmentError{Probe: "home directory", Err: err}
	}
	homeDir := strings.TrimSpace(home.Stdout)
	if !home.Ok() || homeDir == "" {
		return nil, &EnvironmentError{
			Probe: "home directory",
			Err:   fmt.Errorf("could not resolve remote home directory: %s", home.Stderr),
		}
	}

	partitions, err := s.Run(ctx, `sinfo -h -o "%P"`)
	if err != nil {
		return nil, &EnvironmentError{Probe: "partition listing", Err: err}
	}
	if !partitions.Ok() {
		return nil, &EnvironmentError{
			Probe: "partition listing",
			Err:   fmt.Errorf("could not list partitions: %s", partitions.Stderr),
		}
	}
	var names []string
	for _, line := range strings.Split(partitions.Stdout, "\n") {
		// The default partition carries a trailing "*" marker.
		name := strings.TrimSuffix(strings.TrimSpace(line), "*")
		if name != "" {
			names = append(names, name)
		}
	}

	info := &models.RemoteEnvironmentInfo{
		SlurmVersion:  strings.TrimSpace(version.Stdout),
		HomeDir:       homeDir,
		WorkspaceBase: path.Join(homeDir, ".myjob", "workspaces"),
		Partitions:    names,
	}
	s.logger.Info("remote environment verified",
		zap.String("slurm_version", info.SlurmVersion),
		zap.Int("partitions", len(info.Partitions)),
	)
	return info, nil
}

// ShellQuote wraps s in single quotes, escaping embedded quotes, so paths
// survive the remote shell untouched.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
