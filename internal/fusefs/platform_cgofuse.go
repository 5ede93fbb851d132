//go:build cgofuse
// +build cgofuse

package fusefs

import (
	"context"
	"log/slog"
	"time"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/metastore"
)

// Platform is the backend-independent mount lifecycle the cmd/ layer
// drives; this build wraps cgofuse for platforms without a native
// FUSE kernel driver.
type Platform interface {
	Mount(ctx context.Context) error
	Unmount() error
	Serve()
	IsMounted() bool
	GetStats() *FilesystemStats
}

// platformCgoFuseManager adapts *CgoFuseMountManager to Platform.
// cgofuse's own Mount call already backgrounds itself (see
// CgoFuseFS.Mount), so Serve just polls the mounted flag until it
// drops, matching the teacher's original cgofuse wrapper, which never
// exposed a native wait primitive either.
type platformCgoFuseManager struct {
	*CgoFuseMountManager
}

func (p *platformCgoFuseManager) Serve() {
	for p.IsMounted() {
		time.Sleep(200 * time.Millisecond)
	}
}

// NewPlatform constructs the cgofuse-backed Platform for this build.
func NewPlatform(cache *blockcache.Cache, meta *metastore.Store, remote RemoteDirectory, wb Flusher, config *MountConfig, logger *slog.Logger) Platform {
	return &platformCgoFuseManager{CgoFuseMountManager: NewCgoFuseMountManager(cache, meta, remote, wb, config, logger)}
}
