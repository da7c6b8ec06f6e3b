package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/client"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// Keys the installer writes to its result file
const (
	EnvSubscriptionURLPrefix = "XRAY_SUBSCRIPTION_URL_PREFIX"
	EnvSudoUsername          = "SUDO_USERNAME"
	EnvSudoPassword          = "SUDO_PASSWORD"
)

var requiredPanelKeys = []string{EnvSubscriptionURLPrefix, EnvSudoUsername, EnvSudoPassword}

// RemoteShell runs commands on one server
type RemoteShell interface {
	Run(ctx context.Context, command string) (string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) (string, error)
	Close() error
}

// ShellDialer opens a RemoteShell
type ShellDialer func(ctx context.Context, cfg *client.SSHConfig) (RemoteShell, error)

// DialSSH is the ShellDialer backed by client.DialSSH
func DialSSH(ctx context.Context, cfg *client.SSHConfig) (RemoteShell, error) {
	runner, err := client.DialSSH(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return runner, nil
}

// PanelCredentials are the values extracted from the installer's result file
type PanelCredentials struct {
	Address  string
	Username string
	Password string
}

// BootstrapService installs the panel on a server over SSH
type BootstrapService struct {
	cfg    config.BootstrapConfig
	dial   ShellDialer
	logger zerolog.Logger
}

func NewBootstrapService(cfg *config.BootstrapConfig, dial ShellDialer) *BootstrapService {
	return &BootstrapService{
		cfg:    *cfg,
		dial:   dial,
		logger: log.WithComponent("bootstrap"),
	}
}

// Install fetches and runs the installer script, then extracts the panel
// credentials from the generated result file. A missing result file means
// the panel is mis-provisioned; nothing is retried here.
func (s *BootstrapService) Install(ctx context.Context, server *models.Server) (*PanelCredentials, error) {
	if server.IP == nil || server.Host == nil {
		return nil, fmt.Errorf("server %d has no address yet", server.ID)
	}
	if server.HasPendingPassword() {
		return nil, fmt.Errorf("server %d root password not retrieved yet", server.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	logger := s.logger.With().Int64("server_id", server.ID).Str("host", *server.Host).Logger()
	logger.Info().Msg("Starting panel bootstrap")
	start := time.Now()

	shell, err := s.dial(ctx, &client.SSHConfig{
		Host:     *server.IP,
		Port:     s.cfg.SSHPort,
		User:     server.Login,
		Password: *server.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to server %d: %w", server.ID, err)
	}
	defer func() { _ = shell.Close() }()

	script := client.ShellQuote(s.cfg.ScriptPath)
	steps := []string{
		fmt.Sprintf("curl -fsSL %s -o %s", client.ShellQuote(s.cfg.ScriptURL), script),
		"chmod +x " + script,
		script + " " + client.ShellQuote(*server.Host),
	}
	for i, cmd := range steps {
		out, err := shell.Run(ctx, cmd)
		if err != nil {
			logger.Error().Err(err).Int("step", i+1).Str("output", tail(out, 512)).Msg("Bootstrap step failed")
			return nil, fmt.Errorf("bootstrap step %d on server %d: %w", i+1, server.ID, err)
		}
	}

	exists, err := shell.FileExists(ctx, s.cfg.ResultFile)
	if err != nil {
		return nil, fmt.Errorf("check result file on server %d: %w", server.ID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s on server %d", ErrPanelNotInstalled, s.cfg.ResultFile, server.ID)
	}

	content, err := shell.ReadFile(ctx, s.cfg.ResultFile)
	if err != nil {
		return nil, fmt.Errorf("read result file on server %d: %w", server.ID, err)
	}

	creds, err := ExtractPanelCredentials(ParseEnvFile(content))
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", server.ID, err)
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Panel bootstrap finished")
	return creds, nil
}

// ParseEnvFile parses KEY=VALUE lines. Blank lines and comments are skipped,
// an export prefix and matching surrounding quotes are removed.
func ParseEnvFile(content string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = unquote(strings.TrimSpace(value))
	}
	return env
}

// ExtractPanelCredentials pulls the panel address and admin login out of the
// parsed result file. All required keys must be present and non-empty.
func ExtractPanelCredentials(env map[string]string) (*PanelCredentials, error) {
	var missing []string
	for _, key := range requiredPanelKeys {
		if env[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrPanelCredentialsIncomplete, strings.Join(missing, ", "))
	}

	return &PanelCredentials{
		Address:  strings.TrimRight(env[EnvSubscriptionURLPrefix], "/"),
		Username: env[EnvSudoUsername],
		Password: env[EnvSudoPassword],
	}, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
