// Package engine wires the cache's components together: metadata
// store, block cache, hot range cache, remote client, writeback
// manager, FUSE dispatcher, health checks, and metrics. It replaces
// the placeholder lifecycle type that used to live under
// internal/adapter.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/circuit"
	"github.com/fusecache/fusecache/internal/config"
	"github.com/fusecache/fusecache/internal/fusefs"
	"github.com/fusecache/fusecache/internal/health"
	"github.com/fusecache/fusecache/internal/hotcache"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/internal/metrics"
	"github.com/fusecache/fusecache/internal/remote"
	"github.com/fusecache/fusecache/internal/writeback"
	"github.com/fusecache/fusecache/pkg/retry"
)

// Engine owns the full lifecycle of one mounted cache: construction
// wires every component from Configuration, Start brings them up in
// dependency order, and Stop tears them down, unmounting first and
// closing the metastore last.
type Engine struct {
	cfg    *config.Configuration
	logger *slog.Logger

	meta      *metastore.Store
	hot       *hotcache.Cache
	remote    *remote.Client
	cache     *blockcache.Cache
	wb        *writeback.Manager
	checker   *health.Checker
	collector *metrics.Collector
	platform  fusefs.Platform

	mu      sync.Mutex
	started bool
}

// New validates cfg and constructs every component, but starts
// nothing: no background goroutines run and the filesystem is not
// yet mounted until Start is called.
func New(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	partBytes, err := cfg.Mount.PartBytes()
	if err != nil {
		return nil, err
	}
	blockBytes, err := cfg.Mount.BlockBytes()
	if err != nil {
		return nil, err
	}
	capacityBytes, err := cfg.Mount.CapacityBytes()
	if err != nil {
		return nil, err
	}
	cacheSizeBytes, err := cfg.Performance.CacheSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("performance.cache_size: %w", err)
	}

	meta, err := metastore.Open(metastore.Config{
		CacheRoot: cfg.Mount.CacheRoot,
		PoolSize:  cfg.Performance.ConnectionPoolSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening metastore: %w", err)
	}

	hot := hotcache.New(&hotcache.Config{
		MaxSize:         cacheSizeBytes,
		MaxEntries:      cfg.Cache.MaxEntries,
		TTL:             cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.TTL,
	})

	remoteClient, err := remote.New(remote.Config{
		BaseURL:    cfg.Mount.RemoteBaseURL,
		GetTimeout: cfg.Network.Timeouts.Read,
		PutTimeout: cfg.Network.Timeouts.Write,
		Retry: retry.Config{
			MaxAttempts:  cfg.Network.Retry.MaxAttempts,
			InitialDelay: cfg.Network.Retry.BaseDelay,
			MaxDelay:     cfg.Network.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Breaker: circuit.Config{
			Interval: cfg.Network.CircuitBreaker.Timeout,
			Timeout:  cfg.Network.CircuitBreaker.Timeout,
		},
	})
	if err != nil {
		meta.Close()
		hot.Close()
		return nil, fmt.Errorf("creating remote client: %w", err)
	}

	cache := blockcache.New(blockcache.Config{
		CacheRoot:  cfg.Mount.CacheRoot,
		PartBytes:  partBytes,
		BlockBytes: blockBytes,
	}, meta, remoteClient, hot)

	wb := writeback.New(writeback.Config{
		CacheRoot:     cfg.Mount.CacheRoot,
		PartBytes:     partBytes,
		BlockBytes:    blockBytes,
		CapacityBytes: capacityBytes,
		FlushInterval: cfg.WriteBuffer.FlushInterval,
	}, meta, remoteClient, logger)

	checker, err := health.NewChecker(&health.Config{
		Enabled:       cfg.Monitoring.HealthChecks.Enabled,
		CheckInterval: cfg.Monitoring.HealthChecks.Interval,
		Timeout:       cfg.Monitoring.HealthChecks.Timeout,
		HTTPEnabled:   true,
		HTTPPort:      cfg.Global.HealthPort,
		HTTPPath:      "/health",
	})
	if err != nil {
		meta.Close()
		hot.Close()
		return nil, fmt.Errorf("creating health checker: %w", err)
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Monitoring.Metrics.Enabled,
		Port:           cfg.Global.MetricsPort,
		Path:           "/metrics",
		Labels:         cfg.Monitoring.Metrics.CustomLabels,
		Namespace:      "fusecache",
		UpdateInterval: 30 * time.Second,
	})
	if err != nil {
		meta.Close()
		hot.Close()
		return nil, fmt.Errorf("creating metrics collector: %w", err)
	}

	mountConfig := &fusefs.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		CacheRoot:  cfg.Mount.CacheRoot,
		Options: &fusefs.MountOptions{
			ReadOnly:     cfg.Mount.ReadOnly,
			AllowOther:   cfg.Mount.AllowOther,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Permissions: &fusefs.Permissions{
			UID:      uint32(os.Getuid()),
			GID:      uint32(os.Getgid()),
			FileMode: 0644,
			DirMode:  0755,
		},
	}
	platform := fusefs.NewPlatform(cache, meta, remoteClient, wb, mountConfig, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		meta:      meta,
		hot:       hot,
		remote:    remoteClient,
		cache:     cache,
		wb:        wb,
		checker:   checker,
		collector: collector,
		platform:  platform,
	}

	e.registerHealthChecks()

	return e, nil
}

// registerHealthChecks wires the checks that matter for this domain:
// remote reachability, cache disk writability, and the mount itself
// staying up. RegisterCheck only fails on a duplicate name, which
// cannot happen here.
func (e *Engine) registerHealthChecks() {
	_ = e.checker.RegisterCheck("remote-reachable", "remote object store responds to stat", health.CategoryNetwork, health.PriorityCritical, func(ctx context.Context) error {
		_, err := e.remote.Stat(ctx, "/")
		return err
	})
	_ = e.checker.RegisterCheck("cache-disk-writable", "cache root accepts writes", health.CategoryStorage, health.PriorityCritical, func(ctx context.Context) error {
		return probeWritable(e.cfg.Mount.CacheRoot)
	})
	_ = e.checker.RegisterCheck("mount-alive", "filesystem remains mounted", health.CategoryCore, health.PriorityHigh, func(ctx context.Context) error {
		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if started && !e.platform.IsMounted() {
			return fmt.Errorf("mount point %s is no longer mounted", e.cfg.Mount.MountPoint)
		}
		return nil
	})
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".health-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Start brings every component up in dependency order: writeback
// ticker, health checks, metrics server, then the mount itself.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := os.MkdirAll(e.cfg.Mount.MountPoint, 0755); err != nil {
		return fmt.Errorf("preparing mount point: %w", err)
	}

	e.wb.Start(ctx)

	if err := e.checker.Start(ctx); err != nil {
		return fmt.Errorf("starting health checker: %w", err)
	}

	if err := e.collector.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics collector: %w", err)
	}

	if err := e.platform.Mount(ctx); err != nil {
		return fmt.Errorf("mounting filesystem: %w", err)
	}

	e.started = true
	e.logger.Info("engine started",
		"mount_point", e.cfg.Mount.MountPoint,
		"remote_base_url", e.cfg.Mount.RemoteBaseURL,
		"cache_root", e.cfg.Mount.CacheRoot)

	go e.platform.Serve()

	return nil
}

// Stop tears components down (unmount, writeback, health checker,
// metrics collector, hot cache, metastore), best-effort: it
// records but does not abort on a component's teardown error, since
// a stuck unmount shouldn't prevent the writeback flush and metastore
// close that follow it.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}

	var errs []error

	if err := e.platform.Unmount(); err != nil {
		errs = append(errs, fmt.Errorf("unmount: %w", err))
	}

	e.wb.Stop()

	if err := e.checker.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("health checker stop: %w", err))
	}

	if err := e.collector.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics collector stop: %w", err))
	}

	e.hot.Close()

	if err := e.meta.Close(); err != nil {
		errs = append(errs, fmt.Errorf("metastore close: %w", err))
	}

	e.started = false
	e.logger.Info("engine stopped")

	if len(errs) > 0 {
		return fmt.Errorf("engine stop: %v", errs)
	}
	return nil
}

// Stats returns a snapshot of the mounted filesystem's operation
// counters, or nil if the engine has not started.
func (e *Engine) Stats() *fusefs.FilesystemStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	return e.platform.GetStats()
}
