// agentcored is the orchestration daemon: it loads config, brings up the
// core manager with the builtin capability plugins, and serves diagnostics
// until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"agentcore/internal/config"
	"agentcore/internal/core"
	"agentcore/internal/debugserver"
	"agentcore/internal/eventbus"
	"agentcore/internal/storage"
	"agentcore/pkg/logx"

	// Builtin capability plugins register themselves at init.
	_ "agentcore/internal/plugin/builtin/lending"
	_ "agentcore/internal/plugin/builtin/nft"
	_ "agentcore/internal/plugin/builtin/swap"
	_ "agentcore/internal/plugin/builtin/token"
)

var (
	flagConfig string
	flagEnv    string
)

func main() {
	root := &cobra.Command{
		Use:           "agentcored",
		Short:         "capability-plugin orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&flagEnv, "env", "", "optional .env file to load first")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "start the daemon",
			RunE:  func(cmd *cobra.Command, args []string) error { return run() },
		},
		&cobra.Command{
			Use:   "validate",
			Short: "parse and validate the config, then exit",
			RunE:  func(cmd *cobra.Command, args []string) error { return validate() },
		},
	)
	root.RunE = func(cmd *cobra.Command, args []string) error { return run() }

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func durOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func loadEnv() {
	if flagEnv != "" {
		if err := godotenv.Load(flagEnv); err != nil {
			fmt.Fprintln(os.Stderr, "warn: env file:", err)
		}
		return
	}
	// Default .env is optional.
	_ = godotenv.Load()
}

func validate() error {
	loadEnv()
	cm := config.NewManager(flagConfig)
	cfg, err := cm.Parse()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	fmt.Printf("%s: ok (network=%s, %d plugin entries)\n", flagConfig, cfg.Core.Network, len(cfg.Plugins))
	return nil
}

func run() error {
	loadEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cm := config.NewManager(flagConfig)
	cfg, err := cm.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	})
	defer logSvc.Close()
	cm.SetLogger(log)
	cm.SetValidator(func(ctx context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	bus := eventbus.New()
	logSvc.SetAlertFunc(func(level logx.Level, line string) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeAlert, Time: time.Now(), Data: line})
	})

	var store storage.Store
	if cfg.Storage != nil {
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: durOr(cfg.Storage.BusyTimeout, 0),
		}, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		if store != nil {
			defer store.Close()
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []core.Option{
		core.WithLogger(log),
		core.WithBus(bus),
		core.WithConfigManager(cm),
		core.WithPrometheus(promReg),
	}
	if store != nil {
		opts = append(opts, core.WithStore(store))
	}
	mgr := core.New(cfg, opts...)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var debug *debugserver.Server
	if cfg.Debug != nil && cfg.Debug.Enabled {
		debug = debugserver.New(debugserver.Config{
			Enabled:       true,
			Addr:          cfg.Debug.Addr,
			Token:         cfg.Debug.Token,
			AllowInsecure: cfg.Debug.AllowInsecure,
			ReadTimeout:   durOr(cfg.Debug.ReadTimeout, 5*time.Second),
			WriteTimeout:  durOr(cfg.Debug.WriteTimeout, 30*time.Second),
			IdleTimeout:   durOr(cfg.Debug.IdleTimeout, time.Minute),
		}, log, promReg, func() (any, bool) {
			hs := mgr.GetHealthStatus()
			return hs, hs.Healthy()
		})
		if err := debug.Start(); err != nil {
			log.Warn("debug server not started", logx.Err(err))
		}
	}

	go func() {
		if err := cm.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("agentcored running",
		logx.String("config", flagConfig),
		logx.String("network", cfg.Core.Network),
	)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if debug != nil {
		debug.Stop(stopCtx)
	}
	if err := mgr.Shutdown(stopCtx); err != nil {
		log.Error("shutdown", logx.Err(err))
		return err
	}
	return nil
}
