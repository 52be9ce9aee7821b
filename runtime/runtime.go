package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/drive/config"
	"github.com/InsulaLabs/drive/db/core"
	"github.com/InsulaLabs/drive/db/registry"
	"github.com/InsulaLabs/drive/db/tkv"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Runtime manages the execution of drived, handling configuration,
// signal processing, and the lifecycle of the node.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	nodeCfg    *config.Node
	configFile string
	genCerts   bool
	rawArgs    []string
	service    *core.Core

	currentLogLevel slog.Level
}

// New parses the flags and loads the node configuration. With --new-cfg it
// only writes a fresh config; Run is then a no-op.
func New(args []string, defaultConfigFile string) (*Runtime, error) {

	r := &Runtime{
		rawArgs:         args,
		currentLogLevel: slog.LevelInfo,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "drivedRuntime")

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the node configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new node configuration file to a given path.")
	fs.BoolVar(&r.genCerts, "gen-certs", false, "Create a self-signed cert and key at the configured tls paths if they are missing.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeConfig(genConfigFile, config.GenerateConfig()); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return r, nil
	}

	var err error
	r.nodeCfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = parseLogLevel(r.nodeCfg.Logging.Level)
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "drivedRuntime")

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
		signal.Stop(sigChan)
	}()

	return r, nil
}

func writeConfig(path string, cfg *config.Node) error {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

// Run opens the store, serves until the app context is cancelled and closes
// the store again.
func (r *Runtime) Run() error {
	if r.nodeCfg == nil {
		r.logger.Info("Runtime.Run called without a loaded config (e.g., after --new-cfg). Nothing to run.")
		r.appCancel()
		return nil
	}

	if err := os.MkdirAll(r.nodeCfg.DataDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", r.nodeCfg.DataDir, err)
	}

	if r.genCerts && r.nodeCfg.TLS.Cert != "" {
		if err := ensureKeys(r.logger, r.nodeCfg); err != nil {
			return fmt.Errorf("failed to set up tls keys: %w", err)
		}
	}

	kvm, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: parseLogLevel(r.nodeCfg.Storage.BadgerLogLevel),
		Directory:      r.nodeCfg.DataDir,
		AppCtx:         r.appCtx,
		Engine:         tkv.Engine(r.nodeCfg.Storage.Engine),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", r.nodeCfg.Storage.Engine, err)
	}
	defer func() {
		if err := kvm.Close(); err != nil {
			r.logger.Error("Failed to close store", "error", err)
		}
	}()

	reg := registry.New(registry.Config{
		Logger: r.logger,
		DB:     kvm,
	})

	r.service, err = core.New(r.appCtx, r.logger.WithGroup("service"), r.nodeCfg, reg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	color.HiGreen("drived serving on %s (engine: %s)", r.nodeCfg.HttpBinding, r.nodeCfg.Storage.Engine)
	r.service.Run()

	if r.appCtx.Err() == nil {
		// Run returned without a shutdown request, the listener failed.
		r.appCancel()
		return errors.New("server stopped unexpectedly")
	}
	return nil
}

// Wait for the runtime to complete its operations.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}
