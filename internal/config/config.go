package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the skillrunner service.
type Config struct {
	// DataDir holds installed skills, the run store database and auth state.
	// If empty, defaults to ~/.skillrunner.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	// RunsDir holds per-run workspaces. If empty, defaults to <data_dir>/runs.
	RunsDir string `json:"runs_dir,omitempty" yaml:"runs_dir,omitempty"`

	// ListenAddr is the HTTP listen address (default 127.0.0.1:8713).
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`

	// MaxParallelJobs bounds concurrently running turns (default 2).
	MaxParallelJobs int `json:"max_parallel_jobs,omitempty" yaml:"max_parallel_jobs,omitempty"`

	// SessionTimeoutSec is the default per-run hard timeout (default 1800).
	SessionTimeoutSec int `json:"session_timeout_sec,omitempty" yaml:"session_timeout_sec,omitempty"`

	// LandlockEnabled reports whether the codex landlock sandbox is usable on
	// this host. When false the codex adapter rewrites --full-auto to --yolo.
	LandlockEnabled bool `json:"landlock_enabled,omitempty" yaml:"landlock_enabled,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// OAuthOverrides replaces built-in OAuth client credentials per engine.
	OAuthOverrides map[string]OAuthClientOverride `json:"oauth_overrides,omitempty" yaml:"oauth_overrides,omitempty"`
}

// OAuthClientOverride replaces the built-in OAuth client for one engine.
type OAuthClientOverride struct {
	ClientID     string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
}

const (
	defaultListenAddr        = "127.0.0.1:8713"
	defaultMaxParallelJobs   = 2
	defaultSessionTimeoutSec = 1800
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.MaxParallelJobs < 0 {
		return errors.New("max_parallel_jobs must be >= 0")
	}
	if c.SessionTimeoutSec < 0 {
		return errors.New("session_timeout_sec must be >= 0")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// ApplyDefaults fills unset fields with safe defaults.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(c.RunsDir) == "" {
		c.RunsDir = filepath.Join(c.DataDir, "runs")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.MaxParallelJobs == 0 {
		c.MaxParallelJobs = defaultMaxParallelJobs
	}
	if c.SessionTimeoutSec == 0 {
		c.SessionTimeoutSec = defaultSessionTimeoutSec
	}
}

// ApplyEnv overlays SKILL_RUNNER_* environment variables onto c.
// Env values win over file values.
func (c *Config) ApplyEnv() {
	if c == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv("SKILL_RUNNER_DATA_DIR")); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SKILL_RUNNER_RUNS_DIR")); v != "" {
		c.RunsDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SKILL_RUNNER_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("SKILL_RUNNER_MAX_PARALLEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxParallelJobs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SKILL_RUNNER_SESSION_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SessionTimeoutSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("LANDLOCK_ENABLED")); v != "" {
		c.LandlockEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	for _, engine := range []string{"codex", "gemini", "iflow", "opencode"} {
		upper := strings.ToUpper(engine)
		id := strings.TrimSpace(os.Getenv("SKILL_RUNNER_" + upper + "_CLIENT_ID"))
		secret := strings.TrimSpace(os.Getenv("SKILL_RUNNER_" + upper + "_CLIENT_SECRET"))
		if id == "" && secret == "" {
			continue
		}
		if c.OAuthOverrides == nil {
			c.OAuthOverrides = make(map[string]OAuthClientOverride)
		}
		ov := c.OAuthOverrides[engine]
		if id != "" {
			ov.ClientID = id
		}
		if secret != "" {
			ov.ClientSecret = secret
		}
		c.OAuthOverrides[engine] = ov
	}
}

// DefaultDataDir returns ~/.skillrunner, falling back to a relative dir when
// the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".skillrunner"
	}
	return filepath.Join(home, ".skillrunner")
}

// DefaultConfigPath returns the default config path:
//
//	~/.skillrunner/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}

// Load reads a JSON or YAML config file, applies env overrides and defaults.
// A missing file is not an error: env + defaults still apply.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
		} else {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	default:
		return nil, err
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg atomically (tmp file + rename).
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// NewLogger builds the root slog logger for the service.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.TrimSpace(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	f := strings.TrimSpace(format)
	if f == "" {
		// Humans get text, pipes get JSON.
		if term.IsTerminal(int(os.Stderr.Fd())) {
			f = "text"
		} else {
			f = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if f == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
