//go:build !cgofuse
// +build !cgofuse

package fusefs

import (
	"context"
	"log/slog"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/metastore"
)

// Platform is the backend-independent mount lifecycle the cmd/
// layer drives: one implementation wraps go-fuse (this build), the
// other wraps cgofuse (the "cgofuse" build tag).
type Platform interface {
	Mount(ctx context.Context) error
	Unmount() error
	Serve()
	IsMounted() bool
	GetStats() *FilesystemStats
}

// platformMountManager adapts *MountManager to Platform; Serve blocks
// until the mount is torn down, matching cgofuse's blocking Mount
// call on the other build.
type platformMountManager struct {
	*MountManager
}

func (p *platformMountManager) Serve() { p.Wait() }

// NewPlatform constructs the go-fuse-backed Platform for this build.
// Signature matches the cgofuse build's NewPlatform so cmd/ wiring
// stays the same across both.
func NewPlatform(cache *blockcache.Cache, meta *metastore.Store, remote RemoteDirectory, wb Flusher, config *MountConfig, logger *slog.Logger) Platform {
	fsys := New(cache, meta, remote, wb, configFromMountConfig(config), logger)
	return &platformMountManager{MountManager: NewMountManager(fsys, config, logger)}
}
