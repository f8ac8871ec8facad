package cli

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floegence/skillrunner/internal/authflow"
	"github.com/floegence/skillrunner/internal/config"
	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/engine/codex"
	"github.com/floegence/skillrunner/internal/engine/gemini"
	"github.com/floegence/skillrunner/internal/engine/iflow"
	"github.com/floegence/skillrunner/internal/engine/opencode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/httpapi"
	"github.com/floegence/skillrunner/internal/lockfile"
	"github.com/floegence/skillrunner/internal/orchestrator"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
	"github.com/floegence/skillrunner/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the skill execution service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address override (host:port); the service always binds loopback")
	serveCmd.Flags().String("data-dir", "", "Data directory override")
	serveCmd.Flags().String("runs-dir", "", "Runs directory override")
	serveCmd.Flags().Int("max-parallel", 0, "Max concurrently running jobs override")
	serveCmd.Flags().String("log-format", "", "Log format: json|text")
	serveCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "skillrunner.lock"))
	if err != nil {
		return fmt.Errorf("failed to acquire %s (another instance running?): %w",
			filepath.Join(cfg.DataDir, "skillrunner.lock"), err)
	}
	defer lock.Release()

	st, err := store.Open(filepath.Join(cfg.DataDir, "state", "state.db"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()

	ws := workspace.New(filepath.Join(cfg.DataDir, "requests"), cfg.RunsDir, logger)
	skills := skill.NewManager(cfg.DataDir, logger)

	reg, err := newEngineRegistry()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:             st,
		Workspace:         ws,
		Skills:            skills,
		Registry:          reg,
		Hub:               events.NewHub(),
		MaxParallelJobs:   cfg.MaxParallelJobs,
		SessionTimeoutSec: cfg.SessionTimeoutSec,
		LandlockEnabled:   cfg.LandlockEnabled,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settle runs interrupted by the previous process before accepting work.
	if err := orch.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	}

	authReg := authflow.NewRegistry()
	for name, ov := range cfg.OAuthOverrides {
		authReg.OverrideClient(name, ov.ClientID, ov.ClientSecret)
	}
	auth := authflow.NewManager(authflow.Options{
		Registry: authReg,
		Logger:   logger,
	})
	defer auth.Close()

	port, err := listenPort(cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv, err := httpapi.New(httpapi.Options{
		Logger:    logger,
		Port:      port,
		Store:     st,
		Workspace: ws,
		Skills:    skills,
		Orch:      orch,
		Registry:  reg,
		Auth:      auth,
		Version:   buildVersion,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	if list, lerr := skills.List(); lerr == nil {
		logger.Info("service ready", "skills", len(list), "engines", strings.Join(reg.Names(), ","))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	_ = srv.Close()
	orch.Shutdown()
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("listen"); strings.TrimSpace(v) != "" {
		cfg.ListenAddr = strings.TrimSpace(v)
	}
	if v, _ := cmd.Flags().GetString("data-dir"); strings.TrimSpace(v) != "" {
		cfg.DataDir = strings.TrimSpace(v)
		cfg.RunsDir = filepath.Join(cfg.DataDir, "runs")
	}
	if v, _ := cmd.Flags().GetString("runs-dir"); strings.TrimSpace(v) != "" {
		cfg.RunsDir = strings.TrimSpace(v)
	}
	if v, _ := cmd.Flags().GetInt("max-parallel"); v > 0 {
		cfg.MaxParallelJobs = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); strings.TrimSpace(v) != "" {
		cfg.LogFormat = strings.TrimSpace(v)
	}
	if v, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(v) != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
}

// newEngineRegistry registers the built-in engine adapters.
func newEngineRegistry() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, a := range []*engine.Adapter{codex.New(), gemini.New(), iflow.New(), opencode.New()} {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, fmt.Errorf("invalid listen_addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen_addr port %q", portStr)
	}
	return port, nil
}
