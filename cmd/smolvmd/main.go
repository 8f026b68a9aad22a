package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/phooq/smolvm/internal/audit"
	"github.com/phooq/smolvm/internal/config"
	"github.com/phooq/smolvm/internal/httpapi"
	"github.com/phooq/smolvm/internal/hypervisor"
	"github.com/phooq/smolvm/internal/registry"
	"github.com/phooq/smolvm/internal/sandbox"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".smolvm", "smolvmd.yaml")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if cfg.HostID == "" {
		cfg.HostID = uuid.NewString()[:8]
		_ = config.Save(cfgPath, cfg)
		logger.Info("generated host id", "host_id", cfg.HostID)
	}

	logger.Info("smolvmd starting", "host_id", cfg.HostID, "config", cfgPath)

	reg := registry.NewFileRegistry(cfg.Registry.Path, cfg.Registry.LockTimeout)

	auditStore, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		return err
	}
	defer auditStore.Close()
	logger.Info("audit store opened", "db_path", cfg.Audit.DBPath)

	hv := hypervisor.NewProcessAdapter(hypervisorLauncherPath())

	mgr, err := sandbox.NewManager(reg, hv, cfg.Sandbox.WorkDir,
		cfg.Sandbox.BootTimeout, cfg.Sandbox.ShutdownTimeout, cfg.Sandbox.PingTimeout, logger)
	if err != nil {
		return err
	}

	if err := mgr.Reattach(ctx); err != nil {
		logger.Warn("reattach pass failed", "error", err)
	}

	server := httpapi.NewServer(mgr, reg, auditStore, logger, cfg.HTTP.AllowedOrigins)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http bridge listening", "addr", cfg.HTTP.ListenAddr)
		errCh <- server.ListenAndServe(cfg.HTTP.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("smolvmd shutting down")
		shutdownAll(mgr, logger)
	case err := <-errCh:
		if err != nil {
			logger.Error("http bridge exited", "error", err)
			shutdownAll(mgr, logger)
			return err
		}
	}

	return nil
}

// shutdownAll stops every sandbox still tracked in memory so guest
// processes don't outlive the daemon on a clean exit.
func shutdownAll(mgr *sandbox.Manager, logger *slog.Logger) {
	for name, state := range mgr.List() {
		if state != sandbox.StateRunning {
			continue
		}
		if err := mgr.Stop(context.Background(), name); err != nil {
			logger.Warn("sandbox stop failed during shutdown", "name", name, "error", err)
		}
	}
}

// hypervisorLauncherPath resolves the detached-child launcher binary
// ProcessAdapter execs to enter a guest; it ships alongside smolvmd.
func hypervisorLauncherPath() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "smolvm-launcher")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "smolvm-launcher"
}
