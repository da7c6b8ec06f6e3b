package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/util/retry"
)

const (
	defaultSSHPort        = 22
	defaultSSHDialTimeout = 10 * time.Second
	defaultSSHMaxRetries  = 12
	defaultSSHRetryDelay  = 5 * time.Second
	defaultSSHMaxDelay    = 30 * time.Second
)

// SSHConfig holds SSH connection settings for one server
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is tried before the password when set
	PrivateKey []byte

	DialTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration

	// HostKeyCallback defaults to ssh.InsecureIgnoreHostKey(); edge nodes
	// are fresh VMs whose host keys are not known in advance.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHRunner executes commands over one SSH connection, one session per command
type SSHRunner struct {
	host   string
	client *ssh.Client
}

// DialSSH validates the config and connects, retrying while the server boots
func DialSSH(ctx context.Context, cfg *SSHConfig) (*SSHRunner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config host cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("config user cannot be empty")
	}
	if cfg.Password == "" && len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("config needs a password or a private key")
	}

	c := *cfg
	if c.Port == 0 {
		c.Port = defaultSSHPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultSSHDialTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultSSHMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultSSHRetryDelay
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	clientConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: c.HostKeyCallback,
		Timeout:         c.DialTimeout,
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	var client *ssh.Client
	err := retry.WithExponentialBackoff(ctx, func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, clientConfig)
		if dialErr != nil && isAuthFailure(dialErr) {
			return retry.Fatal(dialErr)
		}
		return dialErr
	},
		retry.WithMaxRetries(c.MaxRetries),
		retry.WithInitialDelay(c.RetryDelay),
		retry.WithMaxDelay(defaultSSHMaxDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}

	return &SSHRunner{host: c.Host, client: client}, nil
}

// Run executes command and returns its combined output. The session is
// closed when ctx is done.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session on %s: %w", r.host, err)
	}
	defer func() { _ = session.Close() }()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return out.String(), fmt.Errorf("command on %s aborted: %w", r.host, ctx.Err())
	}

	if err != nil {
		return out.String(), fmt.Errorf("command failed on %s: %w", r.host, err)
	}
	return out.String(), nil
}

// FileExists runs test -f; exit status 1 means the file is absent
func (r *SSHRunner) FileExists(ctx context.Context, path string) (bool, error) {
	_, err := r.Run(ctx, "test -f "+ShellQuote(path))
	if err == nil {
		return true, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 {
		return false, nil
	}
	return false, err
}

// ReadFile returns the contents of a remote file
func (r *SSHRunner) ReadFile(ctx context.Context, path string) (string, error) {
	return r.Run(ctx, "cat "+ShellQuote(path))
}

func (r *SSHRunner) Close() error {
	return r.client.Close()
}

// ShellQuote quotes s for a POSIX shell
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
