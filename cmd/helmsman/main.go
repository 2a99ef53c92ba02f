// Command helmsman runs the browser instance orchestrator: it launches
// debug-enabled browser processes, tracks them in a registry, and tears them
// down through the tiered shutdown protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"helmsman/pkg/browser"
	"helmsman/pkg/config"
	"helmsman/pkg/logx"
	"helmsman/pkg/metrics"
	"helmsman/pkg/persistence"
	"helmsman/pkg/statusserver"
	"helmsman/pkg/version"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		statusAddr    = flag.String("status-addr", "", "Status server listen address (overrides config)")
		prometheusURL = flag.String("prometheus-url", "", "Prometheus server URL for aggregated metrics endpoints")
		killStrays    = flag.Bool("kill-strays", false, "Kill leftover debug-enabled browser processes on startup")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("helmsman %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	if *debug {
		logx.SetDebug(true)
	}

	os.Exit(run(*configPath, *statusAddr, *prometheusURL, *killStrays))
}

// run contains the main application logic and returns an exit code. This
// allows defers to execute before os.Exit is called.
func run(configPath, statusAddr, prometheusURL string, killStrays bool) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		return 1
	}
	if statusAddr != "" {
		cfg.Status.Addr = statusAddr
	}

	opts := make([]browser.Option, 0, 2)

	if cfg.Persistence.DBPath != "" {
		store, err := persistence.Open(cfg.Persistence.DBPath, uuid.New().String())
		if err != nil {
			logger.Error("Failed to open audit store: %v", err)
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close audit store: %v", err)
			}
		}()
		opts = append(opts, browser.WithAudit(store))
	}

	recorder := metrics.NewPrometheusRecorder()
	opts = append(opts, browser.WithMetrics(recorder))

	manager := browser.NewManager(cfg, opts...)

	if killStrays {
		if n := manager.KillStrayProcesses(); n > 0 {
			logger.Info("Killed %d stray browser processes", n)
		}
	}

	var statusOpts []statusserver.Option
	if prometheusURL != "" {
		querier, err := metrics.NewQueryService(prometheusURL)
		if err != nil {
			logger.Error("Failed to create metrics query service: %v", err)
			return 1
		}
		statusOpts = append(statusOpts, statusserver.WithMetricsQuery(querier))
	}

	var statusSrv *statusserver.Server
	if cfg.Status.Addr != "" {
		statusSrv = statusserver.New(cfg.Status.Addr, manager, statusOpts...)
		go func() {
			if err := statusSrv.Start(); err != nil {
				logger.Error("Status server error: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Orchestrator running (ports %d-%d, max %d instances)",
		cfg.Ports.Base, cfg.Ports.Base+cfg.Ports.Count-1, cfg.Browser.MaxInstances)

	<-ctx.Done()
	logger.Info("Shutdown signal received, tearing down instances")

	// Give the tiered protocol room for every instance before the final
	// deadline cuts waits short.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Shutdown.ProtocolTimeout+cfg.Shutdown.TermTimeout+cfg.Shutdown.KillTimeout+5*time.Second)
	defer cancel()

	result := manager.Shutdown(shutdownCtx)
	if len(result.Failed) > 0 {
		for _, failure := range result.Failed {
			logger.Error("Instance %s teardown failed: %s", failure.ID, failure.Reason)
		}
	}
	logger.Info("Teardown complete: %d closed, %d failed", len(result.Succeeded), len(result.Failed))

	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status server shutdown: %v", err)
		}
	}

	if len(result.Failed) > 0 {
		return 1
	}
	return 0
}
