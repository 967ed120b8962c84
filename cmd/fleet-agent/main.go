// fleet-agent - kiosk device agent
//
// fleet-agent runs on each kiosk. It generates a device keypair on first
// boot, announces itself to fleetd, and once adopted polls for display
// config and queued commands, signing every request with its Ed25519 key.
//
// Browser integration is delivered through hooks; this binary wires
// logging stand-ins plus a real reboot hook, and is the integration
// point for an actual kiosk renderer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openkiosk/fleetd/internal/agent"
	"github.com/openkiosk/fleetd/internal/infrastructure/config"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	"github.com/openkiosk/fleetd/internal/registry"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultStateDir = "/var/lib/fleet-agent"

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "fleetd base URL")
	stateDir := flag.String("state-dir", defaultStateDir, "directory for the device keypair and id")
	configPath := flag.String("config", "", "path for the persisted display config (default <state-dir>/display.json)")
	pollInterval := flag.Duration("poll-interval", 0, "base poll interval (default 30s)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "heartbeat interval (default 60s)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if *configPath == "" {
		*configPath = filepath.Join(*stateDir, "display.json")
	}

	log := logging.New(config.LoggingConfig{
		Level:  *logLevel,
		Format: "json",
		Output: "stdout",
	}, version)
	log.Info("starting fleet-agent",
		"version", version,
		"commit", commit,
		"build_date", date,
		"server", *serverURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := agent.New(agent.Config{
		ServerURL:         *serverURL,
		StateDir:          *stateDir,
		ConfigPath:        *configPath,
		PollInterval:      *pollInterval,
		HeartbeatInterval: *heartbeatInterval,
	}, kioskHooks(log), log)

	if err := client.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info("fleet-agent stopped")
}

// kioskHooks returns the command hooks for this platform.
//
// Refresh, Navigate, ApplyConfig and Identify log what a renderer
// integration would do. Reboot is real and runs after the ack has
// reached the controller. Capture is absent, so screenshot commands
// are acked as failed.
func kioskHooks(log *logging.Logger) agent.Hooks {
	return agent.Hooks{
		Refresh: func() error {
			log.Info("refresh requested")
			return nil
		},
		Navigate: func(url string) error {
			log.Info("navigate requested", "url", url)
			return nil
		},
		ApplyConfig: func(cfg registry.DisplayConfig) error {
			log.Info("display config applied",
				"url", cfg.URL,
				"zoom", cfg.ZoomFactor,
				"fullscreen", cfg.Fullscreen,
			)
			return nil
		},
		Identify: func() error {
			log.Info("identify requested")
			return nil
		},
		Reboot: func() error {
			log.Warn("rebooting machine")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return exec.CommandContext(ctx, "systemctl", "reboot").Run()
		},
	}
}
