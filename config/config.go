// Package config loads agentrelay's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/transport"
)

// Remote is a named SSH endpoint the CLI can run on.
type Remote struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`
	// KeyFile is a private key; "~/" is expanded.
	KeyFile string `yaml:"key_file"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`
	KnownHosts  string `yaml:"known_hosts"`
	Port        int    `yaml:"port"`
	// DialTimeout accepts Go duration strings such as "10s".
	DialTimeout time.Duration `yaml:"dial_timeout"`
	UseAgent    bool          `yaml:"use_agent"`
}

// Server configures `agentrelay serve`.
type Server struct {
	Listen          string        `yaml:"listen"`
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
	// AllowedOrigins lists browser origins, besides the server's own, that
	// may open /ws.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the on-disk configuration.
type Config struct {
	Remotes        map[string]Remote `yaml:"remotes"`
	CLIPath        string            `yaml:"cli_path"`
	Model          string            `yaml:"model"`
	PermissionMode string            `yaml:"permission_mode"`
	Server         Server            `yaml:"server"`
	AllowedTools   []string          `yaml:"allowed_tools"`
	StderrNoise    []string          `yaml:"stderr_noise"`
	MaxTurns       int               `yaml:"max_turns"`
	MaxErrorLen    int               `yaml:"max_error_len"`
	Timeout        time.Duration     `yaml:"timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		CLIPath:     "claude",
		MaxErrorLen: 1000,
		Server: Server{
			Listen:          "127.0.0.1:8787",
			ConversationTTL: 30 * time.Minute,
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/agentrelay/config.yaml or the
// platform equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "agentrelay.yaml"
	}
	return filepath.Join(dir, "agentrelay", "config.yaml")
}

// Load reads path. Returns the default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxTurns < 0 {
		errs = append(errs, errors.New("max_turns must not be negative"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.Server.ConversationTTL < 0 {
		errs = append(errs, errors.New("server.conversation_ttl must not be negative"))
	}
	switch claude.PermissionMode(c.PermissionMode) {
	case "", claude.PermissionModeDefault, claude.PermissionModeAcceptEdits,
		claude.PermissionModePlan, claude.PermissionModeBypass:
	default:
		errs = append(errs, fmt.Errorf("unknown permission_mode %q", c.PermissionMode))
	}
	for _, name := range c.RemoteNames() {
		r := c.Remotes[name]
		if r.Host == "" {
			errs = append(errs, fmt.Errorf("remote %q: host is required", name))
		}
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("remote %q: invalid port %d", name, r.Port))
		}
	}
	return errors.Join(errs...)
}

// RemoteNames returns the configured remote names in sorted order.
func (c *Config) RemoteNames() []string {
	names := make([]string, 0, len(c.Remotes))
	for name := range c.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClaudeOptions converts the file into invocation options. remote selects
// a named entry of Remotes; empty runs the CLI locally.
func (c *Config) ClaudeOptions(remote string) ([]claude.Option, error) {
	var opts []claude.Option
	if c.CLIPath != "" {
		opts = append(opts, claude.WithCLIPath(c.CLIPath))
	}
	if c.Model != "" {
		opts = append(opts, claude.WithModel(c.Model))
	}
	if c.PermissionMode != "" {
		opts = append(opts, claude.WithPermissionMode(claude.PermissionMode(c.PermissionMode)))
	}
	if c.MaxTurns > 0 {
		opts = append(opts, claude.WithMaxTurns(c.MaxTurns))
	}
	if c.Timeout > 0 {
		opts = append(opts, claude.WithTimeout(c.Timeout))
	}
	if len(c.AllowedTools) > 0 {
		opts = append(opts, claude.WithAllowedTools(c.AllowedTools...))
	}
	if c.StderrNoise != nil {
		opts = append(opts, claude.WithStderrNoise(c.StderrNoise...))
	}
	if c.MaxErrorLen > 0 {
		opts = append(opts, claude.WithMaxErrorLen(c.MaxErrorLen))
	}

	if remote != "" {
		r, ok := c.Remotes[remote]
		if !ok {
			return nil, fmt.Errorf("unknown remote %q", remote)
		}
		rc, err := r.transportConfig()
		if err != nil {
			return nil, fmt.Errorf("remote %q: %w", remote, err)
		}
		opts = append(opts, claude.WithRemote(rc))
	}
	return opts, nil
}

func (r Remote) transportConfig() (transport.RemoteConfig, error) {
	rc := transport.RemoteConfig{
		Host:        r.Host,
		Port:        r.Port,
		User:        r.User,
		KeyFile:     r.KeyFile,
		KnownHosts:  r.KnownHosts,
		DialTimeout: r.DialTimeout,
		UseAgent:    r.UseAgent,
	}
	if r.PasswordEnv != "" {
		pw, ok := os.LookupEnv(r.PasswordEnv)
		if !ok {
			return rc, fmt.Errorf("password variable %s is not set", r.PasswordEnv)
		}
		rc.Password = pw
	}
	if rc.User == "" {
		rc.User = os.Getenv("USER")
	}
	return rc, nil
}
