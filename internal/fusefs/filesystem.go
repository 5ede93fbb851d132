package fusefs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/internal/remote"
	"github.com/fusecache/fusecache/pkg/ferrors"
)

// errNotFound is compared by code via FSError.Is, matching the
// sentinel pattern internal/blockcache uses for the same check.
var errNotFound = ferrors.New(ferrors.ErrCodeNotFound, "")

// hashPathForNewFile computes the content-addressed identity a
// brand-new, still-empty file will use once Write gives it bytes.
func hashPathForNewFile(path string) string {
	return layout.HashPath(path)
}

// RemoteDirectory is the subset of internal/remote.Client the
// dispatcher needs beyond blockcache's own Fetcher/Flusher use: the
// namespace operations (stat, list, create, delete, rename) that
// mutate or resolve the remote tree itself rather than object bytes.
type RemoteDirectory interface {
	Stat(ctx context.Context, path string) (remote.Info, error)
	List(ctx context.Context, path string) ([]string, error)
	Create(ctx context.Context, path string, isDir bool) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Flusher is the subset of internal/writeback.Manager the dispatcher
// needs for fsync/flush: a synchronous, single-object writeback.
type Flusher interface {
	FlushPath(ctx context.Context, path string) error
}

// Config configures a Filesystem and its mount.
type Config struct {
	MountPoint string
	CacheRoot  string // backs Statfs; the cache's on-disk root directory
	ReadOnly   bool
	AllowOther bool

	DefaultUID  uint32
	DefaultGID  uint32
	DefaultMode uint32 // regular file mode bits, e.g. 0644
	DefaultDir  uint32 // directory mode bits, e.g. 0755

	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.DefaultMode == 0 {
		out.DefaultMode = 0644
	}
	if out.DefaultDir == 0 {
		out.DefaultDir = 0755
	}
	if out.AttrTimeout == 0 {
		out.AttrTimeout = time.Second
	}
	if out.EntryTimeout == 0 {
		out.EntryTimeout = time.Second
	}
	return &out
}

// Stats tracks coarse per-operation counters, surfaced through
// internal/metrics.
type Stats struct {
	mu sync.RWMutex

	Lookups int64
	Opens   int64
	Reads   int64
	Writes  int64
	Creates int64
	Deletes int64
	Errors  int64

	BytesRead    int64
	BytesWritten int64
}

func (s *Stats) inc(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}

func (s *Stats) add(counter *int64, n int64) {
	s.mu.Lock()
	*counter += n
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Lookups: s.Lookups, Opens: s.Opens, Reads: s.Reads, Writes: s.Writes,
		Creates: s.Creates, Deletes: s.Deletes, Errors: s.Errors,
		BytesRead: s.BytesRead, BytesWritten: s.BytesWritten,
	}
}

// Filesystem is the root of the dispatcher: one instance backs one
// mount, wiring go-fuse's node callbacks to the cache's data model.
type Filesystem struct {
	cache  *blockcache.Cache
	meta   *metastore.Store
	remote RemoteDirectory
	wb     Flusher
	cfg    *Config
	logger *slog.Logger

	stats *Stats

	mu        sync.Mutex
	overrides map[string]*attrOverride
}

// New creates a Filesystem. logger may be nil, in which case
// slog.Default() is used.
func New(cache *blockcache.Cache, meta *metastore.Store, remote RemoteDirectory, wb Flusher, cfg *Config, logger *slog.Logger) *Filesystem {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Filesystem{
		cache:     cache,
		meta:      meta,
		remote:    remote,
		wb:        wb,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		stats:     &Stats{},
		overrides: make(map[string]*attrOverride),
	}
}

// Root returns the root directory inode, rooted at the logical path
// "/".
func (fsys *Filesystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: fsys, path: "/"}
}

// Stats returns the dispatcher's operation counters.
func (fsys *Filesystem) Stats() Stats {
	return fsys.stats.Snapshot()
}

func (fsys *Filesystem) now() int64 { return time.Now().Unix() }
