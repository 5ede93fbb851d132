// Command fusecached mounts a remote HTTP object store as a local
// FUSE filesystem backed by an on-disk block cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fusecache/fusecache/internal/config"
	"github.com/fusecache/fusecache/internal/engine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fusecached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile string
	var mountPoint string
	var remoteURL string
	var cacheRoot string
	var partSize string
	var blockSize string
	var capacitySize string
	var readOnly bool
	var allowOther bool
	var logLevel string

	flagSet := pflag.NewFlagSet("fusecached", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flagSet.StringVar(&mountPoint, "mount-point", "", "directory to mount the cache at")
	flagSet.StringVar(&remoteURL, "remote", "", "base URL of the remote object store")
	flagSet.StringVar(&cacheRoot, "cache-root", "", "directory holding cached blocks and metadata")
	flagSet.StringVar(&partSize, "part-size", "", "remote object part size, e.g. 64MB")
	flagSet.StringVar(&blockSize, "block-size", "", "local cache block size, e.g. 64KB")
	flagSet.StringVar(&capacitySize, "capacity", "", "maximum cache disk usage, e.g. 10GB")
	flagSet.BoolVar(&readOnly, "read-only", false, "mount the filesystem read-only")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.PrintDefaults()
		return nil
	}

	cfg := config.NewDefault()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("loading config from environment: %w", err)
	}

	applyFlagOverrides(cfg, mountPoint, remoteURL, cacheRoot, partSize, blockSize, capacitySize, logLevel, flagSet, readOnly, allowOther)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := parseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	logger.Info("fusecached mounted", "mount_point", cfg.Mount.MountPoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("fusecached unmounting")
	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	return e.Stop(stopCtx)
}

func applyFlagOverrides(cfg *config.Configuration, mountPoint, remoteURL, cacheRoot, partSize, blockSize, capacitySize, logLevel string, flagSet *pflag.FlagSet, readOnly, allowOther bool) {
	if mountPoint != "" {
		cfg.Mount.MountPoint = mountPoint
	}
	if remoteURL != "" {
		cfg.Mount.RemoteBaseURL = remoteURL
	}
	if cacheRoot != "" {
		cfg.Mount.CacheRoot = cacheRoot
	}
	if partSize != "" {
		cfg.Mount.PartSize = partSize
	}
	if blockSize != "" {
		cfg.Mount.BlockSize = blockSize
	}
	if capacitySize != "" {
		cfg.Mount.CapacitySize = capacitySize
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if flagSet.Changed("read-only") {
		cfg.Mount.ReadOnly = readOnly
	}
	if flagSet.Changed("allow-other") {
		cfg.Mount.AllowOther = allowOther
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
