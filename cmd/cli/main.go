package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cochaviz/kiln/internal/bootimage"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/config"
	"github.com/cochaviz/kiln/internal/lifecycle"
	"github.com/cochaviz/kiln/internal/lifecycle/libvirt"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	a := &app{
		levelVar: &levelVar,
		logger:   logging.NewCLI(os.Stderr, &levelVar),
		viper:    config.NewViper(),
	}
	slog.SetDefault(a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what every command shares once flags are parsed.
type app struct {
	levelVar *slog.LevelVar
	logger   *slog.Logger
	viper    *viper.Viper

	configPath string
	cfg        config.Config
}

func newRootCommand(a *app) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = "cli"
	)

	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Build VM disk images from unattended install scripts",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Log record format (cli, json)")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a YAML configuration file (default "+config.DefaultConfigFile+" when present)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.logger = logging.New(mode, os.Stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger)

		cfg, err := config.Load(a.viper, a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}

	root.AddCommand(
		newBuildCommand(a),
		newRecordsCommand(a),
		newCacheCommand(a),
		newStubCommand(a),
		newRespinCommand(a),
		newScriptCommand(a),
		newOSCommand(a),
		newSetupCommand(a),
	)
	return root
}

// backend opens the libvirt connection named by the configuration. The
// credential endpoint, when given, overrides the configured URI.
func (a *app) backend(ctx context.Context) (*libvirt.Backend, error) {
	lcfg := a.cfg.Lifecycle
	lcfg.ConnectURI = a.cfg.ConnectURI()
	return libvirt.New(ctx, lcfg, filepath.Join(a.cfg.Build.WorkDir, "instances"), a.logger)
}

func (a *app) readyOptions() lifecycle.ReadyOptions {
	return lifecycle.ReadyOptions{Interval: a.cfg.Lifecycle.ReadyInterval, Ceiling: a.cfg.Lifecycle.ReadyCeiling}
}

// objectCache wires the shared cache. A nil client leaves the cache
// local-only.
func (a *app) objectCache(ctx context.Context, client lifecycle.Client) (*cache.ObjectCache, error) {
	fetcher, err := cache.NewFetcher(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("configure fetchers: %w", err)
	}
	if err := os.MkdirAll(a.cfg.Cache.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	index, err := cache.OpenIndex(filepath.Join(a.cfg.Cache.Root, a.cfg.Cache.IndexName))
	if err != nil {
		return nil, err
	}
	c := &cache.ObjectCache{
		Root:           a.cfg.Cache.Root,
		Index:          index,
		Fetcher:        fetcher,
		PollInterval:   a.cfg.Cache.PollInterval,
		PendingCeiling: a.cfg.Cache.PendingCeiling,
		LeaseTTL:       a.cfg.Cache.LeaseTTL,
		UseVolumes:     a.cfg.Cache.UseVolumes,
		Logger:         a.logger,
	}
	if client != nil {
		c.Uploader = build.CacheUploader{Publisher: &lifecycle.Publisher{
			Client: client,
			Ready:  a.readyOptions(),
			Logger: a.logger,
		}}
	}
	return c, nil
}

func (a *app) assembler() *bootimage.Assembler {
	return bootimage.NewAssembler(a.cfg.Build.WorkDir, a.cfg.Paths, a.logger)
}

// verifySetup reports a missing layout with a pointer to 'kiln setup'.
func (a *app) verifySetup(logger *slog.Logger) error {
	if err := setup.Verify(a.cfg); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'kiln setup' to create the state directories")
		return err
	}
	return nil
}
