package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geode-project/geode/internal/api"
	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/cli"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/events"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/features"
	"github.com/geode-project/geode/internal/health"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/relay"
	"github.com/geode-project/geode/internal/scheduler"
	"github.com/geode-project/geode/internal/telemetry"
	"github.com/geode-project/geode/internal/util"
)

type runOptions struct {
	configDir string
	host      string
	logLevel  string
	noConsole bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to the host and run the extension (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runOpts)
	},
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&runOpts.configDir, "config-dir", config.Dir(), "configuration directory")
		c.Flags().StringVar(&runOpts.host, "host", "", "host address, overrides host.address")
		c.Flags().StringVar(&runOpts.logLevel, "log-level", "", "log level, overrides logging.level")
		c.Flags().BoolVar(&runOpts.noConsole, "no-console", false, "disable the interactive console")
	}
	rootCmd.AddCommand(runCmd)
}

func run(opts runOptions) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Geode")

	// Load configuration
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// Command line overrides
	if opts.host != "" {
		cfg.Host.Address = opts.host
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	// Reconfigure logger with loaded settings
	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
		NoColor:    cfg.Logging.NoColor,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	// Validate configuration
	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return errors.New("configuration validation failed, please fix the errors above")
	}

	// Log system info
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// Message table
	registry, err := loadRegistry(cfg.Messages.File)
	if err != nil {
		return err
	}
	log.Info().Int("messages", registry.Len()).Str("file", cfg.Messages.File).Msg("message table loaded")

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event bus; the console's quit command emits shutdown
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	// Extension runtime
	ext := cfg.GetExtension()
	x := extension.New(extension.Options{
		Name:           ext.Name,
		Description:    ext.Description,
		Author:         ext.Author,
		Version:        ext.Version,
		UseClick:       ext.UseClick,
		CanLeave:       ext.CanLeave,
		CanDelete:      ext.CanDelete,
		RequestTimeout: config.Seconds(cfg.Requests.TimeoutSec),
	}, registry, eventBus)
	sessionID := func() string { return x.Session().Snapshot().ID }

	// Bundled handlers
	feats := features.New(x, cfg.GetFeatures)
	feats.Install()

	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msgf("starting %s", name)
			fn()
		}()
	}

	// Packet capture
	var (
		store    *capture.Store
		recorder *capture.Recorder
		pruner   scheduler.Pruner
		diskPath string
	)
	if cfg.Capture.Enabled {
		diskPath = filepath.Dir(cfg.Capture.Path)
		if err := util.EnsureDir(diskPath); err != nil {
			return err
		}
		store, err = capture.Open(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("failed to open capture store: %w", err)
		}
		defer store.Close()

		recorder = capture.NewRecorder(store, sessionID, 4096)
		recorder.Start()
		defer recorder.Stop()
		x.Pipeline().Observe(recorder.Observe)
		pruner = store
	}

	// Task scheduler
	sched := scheduler.NewScheduler(cfg.Capture, pruner, x.Pipeline().Stats)
	spawn("task scheduler", func() { sched.Start(ctx) })

	// Health checks
	healthMgr := health.NewManager(cfg.Health, eventBus, x, diskPath)
	spawn("health check manager", func() { healthMgr.Start(ctx) })

	// MQTT telemetry
	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, eventBus, x.Pipeline().Stats, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			spawn("MQTT telemetry", func() {
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			})
		}
	}

	// NATS relay
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("geode"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to NATS, relay disabled")
		} else {
			defer nc.Close()
			natsRelay := relay.NewNATSRelay(nc, cfg.NATS.Prefix, x, cfg.NATS.AllowSend, sessionID)
			x.Pipeline().Observe(natsRelay.Observe)
			if err := natsRelay.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("NATS send subscription failed")
			}
			defer natsRelay.Stop()
			log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.Prefix).Msg("NATS relay connected")
		}
	}

	// Redis session shadow
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, session shadow disabled")
		} else {
			shadow := relay.NewRedisShadow(rdb, cfg.Redis.Prefix,
				config.Seconds(cfg.Redis.TTLSec), config.Seconds(cfg.Redis.RefreshSec),
				x.Session().Snapshot, eventBus)
			spawn("Redis session shadow", func() {
				if err := shadow.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("Redis session shadow failed")
				}
			})
		}
	}

	// REST API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg,
			Extension: x,
			Health:    healthMgr,
			Features:  feats,
			Version:   AppVersion,
		}
		if store != nil {
			deps.Captures = store
			deps.Recorder = recorder
		}
		apiServer := api.NewServer(cfg.API, cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace", deps)
		spawn("REST API server", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}

	// Interactive console
	if !opts.noConsole {
		console := cli.NewCLI(cfg, x, store, feats, os.Stdin, os.Stdout)
		// The console blocks on stdin; it is not waited for on shutdown.
		go console.Start(ctx)
	}

	// Host link, redialed until shutdown
	host := cfg.Host
	dial := func(ctx context.Context) (extension.Transport, error) {
		timeout := config.Seconds(host.DialTimeoutSec)
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
		defer dialCancel()
		link, err := network.Dial(dialCtx, host.Address, config.Seconds(host.ReadTimeoutSec))
		if err != nil {
			return nil, err
		}
		return link, nil
	}

	log.Info().Str("host", host.Address).Msg("connecting to host")
	if err := x.Serve(ctx, dial, config.Seconds(host.ReconnectDelaySec)); err != nil {
		log.Error().Err(err).Msg("extension stopped")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	x.Close()

	// Wait for tasks with a deadline
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("Geode stopped")
	return nil
}

func loadRegistry(path string) (*messages.Registry, error) {
	if path == "" {
		return messages.Default()
	}
	reg, err := messages.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load message table %s: %w", path, err)
	}
	return reg, nil
}

// startWithRetry retries startFn on bind errors at a fixed 3 second interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
