// Command helmsman-host is the native messaging host: it speaks the
// length-prefixed JSON framing over stdin/stdout and relays command
// envelopes between the browser extension and the orchestrator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"helmsman/pkg/browser"
	"helmsman/pkg/config"
	"helmsman/pkg/logx"
	"helmsman/pkg/nativemsg"
	"helmsman/pkg/version"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		installManifest = flag.Bool("install-manifest", false, "Install the native messaging host manifest and exit")
		systemWide      = flag.Bool("system", false, "Install the manifest system-wide instead of per-user")
		origins         = flag.String("origins", "", "Comma-separated allowed extension origins (with -install-manifest)")
		showVersion     = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("helmsman-host %s\n", version.Version)
		os.Exit(0)
	}

	logger := logx.NewLogger("host-main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	if *installManifest {
		os.Exit(installHostManifest(cfg, *origins, !*systemWide, logger))
	}

	host := nativemsg.NewHost(cfg.Bridge.HostName, os.Stdin, os.Stdout)
	registerBridgeHandlers(host)

	if err := host.Run(context.Background()); err != nil {
		logger.Error("Host terminated: %v", err)
		os.Exit(1)
	}
}

// registerBridgeHandlers wires the relay: attach opens a debug session to an
// instance and registers it as the command sink, detach tears it down, and
// command envelopes route through the sink. Handlers run sequentially in the
// host loop, so the session map needs no locking.
func registerBridgeHandlers(host *nativemsg.Host) {
	router := nativemsg.NewRouter()
	sinks := make(map[string]*browser.SessionSink)

	host.RegisterHandler("command", router.Handle)

	host.RegisterHandler("attach", func(ctx context.Context, env *nativemsg.Envelope) (*nativemsg.Envelope, error) {
		if env.Instance == "" {
			return nil, fmt.Errorf("attach envelope missing instance id")
		}

		var req struct {
			Port int `json:"port"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.Port <= 0 {
			return nil, fmt.Errorf("attach payload must carry a debug port")
		}

		session, err := browser.DialSession(ctx, req.Port)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", env.Instance, err)
		}

		if prev, ok := sinks[env.Instance]; ok {
			_ = prev.Close()
		}
		sink := browser.NewSessionSink(session)
		sinks[env.Instance] = sink
		router.Attach(env.Instance, sink)

		payload, _ := json.Marshal(map[string]any{"attached": true, "port": req.Port})
		return &nativemsg.Envelope{Type: "attach_result", Instance: env.Instance, Payload: payload}, nil
	})

	host.RegisterHandler("detach", func(_ context.Context, env *nativemsg.Envelope) (*nativemsg.Envelope, error) {
		router.Detach(env.Instance)
		if sink, ok := sinks[env.Instance]; ok {
			_ = sink.Close()
			delete(sinks, env.Instance)
		}

		payload, _ := json.Marshal(map[string]any{"attached": false})
		return &nativemsg.Envelope{Type: "detach_result", Instance: env.Instance, Payload: payload}, nil
	})
}

// installHostManifest writes the host descriptor so the browser can spawn
// this binary.
func installHostManifest(cfg *config.Config, origins string, userLevel bool, logger *logx.Logger) int {
	execPath, err := os.Executable()
	if err != nil {
		logger.Error("Failed to resolve own executable: %v", err)
		return 1
	}

	allowed := cfg.Bridge.AllowedOrigins
	if origins != "" {
		allowed = strings.Split(origins, ",")
	}

	manifest, err := nativemsg.NewHostManifest(
		cfg.Bridge.HostName,
		"Helmsman browser orchestration bridge",
		execPath,
		allowed,
	)
	if err != nil {
		logger.Error("Failed to build manifest: %v", err)
		return 1
	}

	path, err := manifest.Install(userLevel)
	if err != nil {
		logger.Error("Failed to install manifest: %v", err)
		return 1
	}

	fmt.Printf("Installed native messaging host manifest: %s\n", path)
	return 0
}
