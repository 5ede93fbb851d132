//go:build cgofuse
// +build cgofuse

package fusefs

import (
	"context"
	"log/slog"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/metastore"
)

// CgoFuseMountManager owns the lifecycle of one cgofuse mount, the
// counterpart to MountManager on the go-fuse build.
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager builds the cgofuse filesystem from its
// collaborators and config, then wraps it for lifecycle management.
func NewCgoFuseMountManager(cache *blockcache.Cache, meta *metastore.Store, remote RemoteDirectory, wb Flusher, config *MountConfig, logger *slog.Logger) *CgoFuseMountManager {
	if config == nil {
		config = &MountConfig{}
	}
	fsys := NewCgoFuseFS(cache, meta, remote, wb, configFromMountConfig(config), logger)
	return &CgoFuseMountManager{filesystem: fsys, config: config}
}

func (m *CgoFuseMountManager) Mount(ctx context.Context) error { return m.filesystem.Mount(ctx) }
func (m *CgoFuseMountManager) Unmount() error                  { return m.filesystem.Unmount() }
func (m *CgoFuseMountManager) IsMounted() bool                 { return m.filesystem.IsMounted() }
func (m *CgoFuseMountManager) GetStats() *FilesystemStats      { return m.filesystem.GetStats() }
