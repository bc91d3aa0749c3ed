package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/health"
	"github.com/sqlwarden/sqlwarden/internal/inject"
	"github.com/sqlwarden/sqlwarden/internal/metrics"
	"github.com/sqlwarden/sqlwarden/internal/policy"
	"github.com/sqlwarden/sqlwarden/internal/proxy"
	"github.com/sqlwarden/sqlwarden/internal/session"
	"github.com/sqlwarden/sqlwarden/internal/stats"
)

// diskReloader implements stats.PolicyReloader by re-reading the policy
// file from disk and pushing the result into the live evaluator.
type diskReloader struct {
	path      string
	evaluator *policy.Evaluator
}

func (d *diskReloader) ReloadFromDisk() error {
	cfg, err := config.Load(d.path)
	if err != nil {
		return fmt.Errorf("reloading policy from disk: %w", err)
	}
	d.evaluator.Reload(cfg.Policy)
	return nil
}

func main() {
	configPath := flag.String("config", "configs/sqlwarden.yaml", "path to policy configuration file")
	flag.Parse()

	slog.Info("sqlwardend starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", *configPath, "access_rules", len(cfg.Policy.AccessControl))

	m := metrics.New()

	evaluator := policy.NewEvaluator()
	evaluator.Reload(cfg.Policy)

	detector := inject.New(inject.DefaultPatterns)
	statsColl := stats.New()

	deps := session.Deps{
		Evaluator:   evaluator,
		Detector:    detector,
		Stats:       statsColl,
		Metrics:     m,
		IdleTimeout: cfg.Policy.Global.IdleTimeout,
		UpstreamDSN: cfg.Listen.UpstreamAddr(),
		DialTimeout: cfg.ConnectTimeout,
	}

	proxyServer := proxy.NewServer(deps, cfg.Policy.Global.MaxConnections)
	if err := proxyServer.Listen(cfg.Listen.ClientPort); err != nil {
		slog.Error("failed to start proxy listener", "error", err)
		os.Exit(1)
	}

	reloader := &diskReloader{path: *configPath, evaluator: evaluator}
	controlServer := stats.NewControlServer(cfg.Listen.ControlSock, statsColl, proxyServer, reloader)
	go func() {
		if err := controlServer.Run(); err != nil {
			slog.Error("control server stopped with error", "error", err)
		}
	}()

	checker := health.NewChecker(cfg.Listen.UpstreamAddr(), 30*time.Second, 3, cfg.ConnectTimeout)
	checker.Start()

	healthServer := health.NewServer(checker, statsColl, m.Registry, cfg.Policy.Global.MaxConnections)
	if err := healthServer.Start(cfg.Listen.HealthBind, cfg.Listen.HealthPort); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		evaluator.Reload(newCfg.Policy)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("sqlwardend ready",
		"client_port", cfg.Listen.ClientPort,
		"upstream", cfg.Listen.UpstreamAddr(),
		"health_addr", fmt.Sprintf("%s:%d", cfg.Listen.HealthBind, cfg.Listen.HealthPort),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading policy")
			if err := reloader.ReloadFromDisk(); err != nil {
				slog.Error("SIGHUP reload failed", "error", err)
			}
			continue
		}

		slog.Info("received signal, shutting down", "signal", sig.String())
		break
	}

	if configWatcher != nil {
		configWatcher.Stop()
	}
	controlServer.Stop()
	healthServer.Stop()
	checker.Stop()
	proxyServer.Stop()

	slog.Info("sqlwardend stopped")
}
