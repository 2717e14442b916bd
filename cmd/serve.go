package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/retroim/buddyd/internal/bus"
	"github.com/retroim/buddyd/internal/console"
	"github.com/retroim/buddyd/internal/engine"
	"github.com/retroim/buddyd/internal/gateway"
	"github.com/retroim/buddyd/internal/model"
	"github.com/retroim/buddyd/internal/session"
	"github.com/retroim/buddyd/internal/state"
	"github.com/retroim/buddyd/pkg/config"
	"github.com/retroim/buddyd/pkg/log"
	"github.com/retroim/buddyd/pkg/metrics"
)

var (
	gatewayAddr   string
	noGateway     bool
	metricsFlag   bool
	consoleFlag   bool
	watchConfig   bool
	homeserverURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon and serve the window gateway",
	Long: `Connect to the homeserver (restoring a saved session when one
exists), keep the local state store in sync, and serve desktop windows
over the websocket gateway.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&gatewayAddr, "gateway-addr", "", "Gateway listen address (overrides config)")
	serveCmd.Flags().BoolVar(&noGateway, "no-gateway", false, "Disable the websocket gateway")
	serveCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Enable the Prometheus metrics endpoint")
	serveCmd.Flags().BoolVar(&consoleFlag, "console", false, "Echo events to the terminal while serving")
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Watch the config file and hot-reload tunables")
	serveCmd.Flags().StringVar(&homeserverURL, "homeserver", "", "Homeserver base URL (overrides config)")
}

func loadServeConfig() (*config.Config, string) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.LoadConfig(path)
			if err != nil {
				log.WithError(err).WithField("config_path", path).Error("failed to load configuration")
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
			log.WithField("config_path", path).Info("configuration loaded")
			return cfg, path
		}
	}

	log.Debug("no config file found, using defaults")
	return config.NewDefaultConfig(), ""
}

func runServe(cobraCmd *cobra.Command, args []string) {
	cfg, cfgPath := loadServeConfig()

	// Flags set on the command line win over the config file.
	cobraCmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "homeserver":
			cfg.Homeserver.URL = homeserverURL
		case "gateway-addr":
			cfg.Gateway.Addr = gatewayAddr
		case "no-gateway":
			enabled := !noGateway
			cfg.Gateway.Enabled = &enabled
		case "metrics":
			cfg.Metrics.Enabled = metricsFlag
		case "console":
			cfg.Console.Enabled = consoleFlag
		}
	})

	sessions, err := session.Open(cfg.Session.Path)
	if err != nil {
		log.WithError(err).Error("failed to open session store")
		fmt.Fprintf(os.Stderr, "Error opening session store: %v\n", err)
		os.Exit(1)
	}
	defer sessions.Close()

	b := bus.New()

	var rec engine.Recorder
	var gauge gateway.SessionGauge
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{Addr: cfg.Metrics.Addr})
		rec = metricsServer.GetMetrics()
		gauge = metricsServer.GetMetrics()
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.WithError(err).Error("metrics server exited")
			}
		}()
	}

	eng := engine.New(cfg, state.New(), b, sessions, rec)

	var tap *console.Tap
	if cfg.Console.Enabled {
		tap = console.New(os.Stdout, b)
		tap.Start()
	}

	var gw *gateway.Server
	if cfg.Gateway.Enabled == nil || *cfg.Gateway.Enabled {
		gw = gateway.NewServer(cfg.Gateway.Addr, eng, b, gauge)
		go func() {
			if err := gw.Start(); err != nil {
				log.WithError(err).Error("gateway exited")
				fmt.Fprintf(os.Stderr, "Gateway error: %v\n", err)
				os.Exit(1)
			}
		}()
	}

	var watcher *config.Watcher
	if watchConfig && cfgPath != "" {
		watcher, err = config.NewWatcher(cfgPath)
		if err != nil {
			log.WithError(err).Warn("config watching unavailable")
		} else {
			watcher.OnChange(func(_, newConfig *config.Config) {
				eng.UpdateConfig(newConfig)
			})
			go watcher.StartWatching()
		}
	}

	// Resume the previous session when one is stored; windows can log
	// in through the gateway otherwise.
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	if userID, err := eng.RestoreSession(restoreCtx); err == nil {
		log.WithField("user_id", userID).Info("session restored")
	} else if errors.Is(err, model.ErrNoSession) {
		log.Info("no saved session; waiting for a window to log in")
	} else {
		log.WithError(err).Warn("stored session could not be restored; log in again")
	}
	cancelRestore()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.StopWatching()
	}
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("gateway shutdown failed")
		}
	}
	eng.Disconnect()
	if tap != nil {
		tap.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics shutdown failed")
		}
	}
}
