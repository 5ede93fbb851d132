package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FilesystemStats is the subset of Stats surfaced through
// MountManager, independent of which backend (go-fuse or cgofuse)
// produced it.
type FilesystemStats struct {
	Lookups      int64
	Opens        int64
	Reads        int64
	Writes       int64
	Creates      int64
	Deletes      int64
	BytesRead    int64
	BytesWritten int64
	Errors       int64
}

// MountManager owns the lifecycle of one go-fuse mount.
type MountManager struct {
	filesystem *Filesystem
	server     *fuse.Server
	config     *MountConfig
	logger     *slog.Logger
	mounted    bool
}

// MountConfig is the mount-time configuration: where to mount and
// with what kernel-visible options and default ownership.
type MountConfig struct {
	MountPoint  string
	CacheRoot   string // backs Statfs; the cache's on-disk root directory
	Options     *MountOptions
	Permissions *Permissions
}

// configFromMountConfig derives a Filesystem Config from a
// MountConfig, the bridge between the mount-lifecycle options
// (go-fuse/cgofuse specific) and the dispatcher's own settings.
func configFromMountConfig(mc *MountConfig) *Config {
	cfg := &Config{MountPoint: mc.MountPoint, CacheRoot: mc.CacheRoot}
	if mc.Options != nil {
		cfg.ReadOnly = mc.Options.ReadOnly
		cfg.AllowOther = mc.Options.AllowOther
		cfg.AttrTimeout = mc.Options.AttrTimeout
		cfg.EntryTimeout = mc.Options.EntryTimeout
	}
	if mc.Permissions != nil {
		cfg.DefaultUID = mc.Permissions.UID
		cfg.DefaultGID = mc.Permissions.GID
		cfg.DefaultMode = mc.Permissions.FileMode
		cfg.DefaultDir = mc.Permissions.DirMode
	}
	return cfg
}

// MountOptions mirrors the go-fuse MountOptions/Options fields the
// dispatcher exposes as tunables.
type MountOptions struct {
	ReadOnly     bool
	AllowOther   bool
	AllowRoot    bool
	DefaultPerms bool

	Debug        bool
	FSName       string
	Subtype      string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
	MaxWrite     uint32
}

// Permissions sets the default uid/gid/mode reported for every file
// and directory that has no chmod/chown override recorded.
type Permissions struct {
	UID      uint32
	GID      uint32
	FileMode uint32
	DirMode  uint32
}

// NewMountManager creates a MountManager. config may be nil, in which
// case sane defaults (current process uid/gid, 1s attr/entry cache)
// are used.
func NewMountManager(filesystem *Filesystem, config *MountConfig, logger *slog.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "fusecache",
				Subtype:      "fusecache",
			},
			Permissions: &Permissions{
				UID:      safeIntToUint32(os.Getuid()),
				GID:      safeIntToUint32(os.Getgid()),
				FileMode: 0644,
				DirMode:  0755,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MountManager{filesystem: filesystem, config: config, logger: logger}
}

// Mount mounts the filesystem at config.MountPoint and starts serving
// requests in a background goroutine.
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("fusefs: already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("fusefs: invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()
	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("fusefs: mount failed: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("mounted", "mount_point", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.mounted = false
		m.logger.Info("unmounted", "mount_point", m.config.MountPoint)
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a forced unmount
// if the kernel-cooperative path fails.
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("fusefs: not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("graceful unmount failed, forcing", "error", err)
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("fusefs: unmount failed: %w (force also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether Mount has succeeded and Unmount hasn't
// yet completed.
func (m *MountManager) IsMounted() bool { return m.mounted }

// Wait blocks until the mount is torn down.
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// GetStats returns a snapshot of the dispatcher's operation counters.
func (m *MountManager) GetStats() *FilesystemStats {
	s := m.filesystem.Stats()
	return &FilesystemStats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten, Errors: s.Errors,
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}
	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        o.FSName,
			FsName:      o.FSName,
			DirectMount: true,
			Debug:       o.Debug,
			AllowOther:  o.AllowOther,
			MaxWrite:    int(o.MaxWrite),
		},
		AttrTimeout:     &o.AttrTimeout,
		EntryTimeout:    &o.EntryTimeout,
		NullPermissions: !o.DefaultPerms,
	}

	if o.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if o.AllowRoot {
		opts.Options = append(opts.Options, "allow_root")
	}
	if o.FSName != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("fsname=%s", o.FSName))
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", o.Subtype))
	}
	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), filepath.Clean(m.config.MountPoint))
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil { // lazy
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1) // force
}

// MountWatcher periodically cross-checks MountManager's believed
// mount state against /proc/mounts, logging a warning on drift (e.g.
// a mount point force-unmounted out from under the process).
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// NewMountWatcher creates a MountWatcher. interval defaults to 30s.
func NewMountWatcher(manager *MountManager, interval time.Duration) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &MountWatcher{manager: manager, interval: interval, stopCh: make(chan struct{}), stopped: make(chan struct{})}
}

// Start launches the watch loop in a background goroutine.
func (w *MountWatcher) Start() { go w.run() }

// Stop halts the watch loop and waits for it to exit.
func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkMount()
		}
	}
}

func (w *MountWatcher) checkMount() {
	believed := w.manager.IsMounted()
	actual := w.manager.isAlreadyMounted()
	if believed != actual {
		w.manager.logger.Warn("mount state drift detected", "believed_mounted", believed, "actually_mounted", actual,
			"mount_point", w.manager.config.MountPoint)
	}
}
