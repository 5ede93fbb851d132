//go:build cgofuse
// +build cgofuse

package fusefs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/pkg/ferrors"
)

// CgoFuseFS implements fuse.FileSystemInterface directly over the
// same cache/metastore/remote/writeback collaborators Filesystem
// wires into the go-fuse node tree, for platforms without a native
// FUSE kernel driver.
type CgoFuseFS struct {
	fuse.FileSystemBase

	cache  *blockcache.Cache
	meta   *metastore.Store
	remote RemoteDirectory
	wb     Flusher
	cfg    *Config
	logger *slog.Logger

	mu         sync.Mutex
	overrides  map[string]*attrOverride
	nextHandle uint64
	handles    map[uint64]string

	host    *fuse.FileSystemHost
	mounted bool
}

// NewCgoFuseFS creates a CgoFuseFS.
func NewCgoFuseFS(cache *blockcache.Cache, meta *metastore.Store, remote RemoteDirectory, wb Flusher, cfg *Config, logger *slog.Logger) *CgoFuseFS {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CgoFuseFS{
		cache: cache, meta: meta, remote: remote, wb: wb, cfg: cfg.withDefaults(), logger: logger,
		overrides: make(map[string]*attrOverride), nextHandle: 1, handles: make(map[uint64]string),
	}
}

// Mount mounts the filesystem in a background goroutine, matching
// cgofuse's blocking FileSystemHost.Mount call.
func (cf *CgoFuseFS) Mount(ctx context.Context) error {
	cf.mu.Lock()
	if cf.mounted {
		cf.mu.Unlock()
		return errors.New("fusefs: already mounted")
	}
	cf.host = fuse.NewFileSystemHost(cf)
	cf.mu.Unlock()

	options := []string{"-o", "fsname=fusecache"}
	if cf.cfg.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if cf.cfg.ReadOnly {
		options = append(options, "-o", "ro")
	}

	go func() {
		if ok := cf.host.Mount(cf.cfg.MountPoint, options); !ok {
			cf.logger.Error("cgofuse mount returned failure", "mount_point", cf.cfg.MountPoint)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	cf.mu.Lock()
	cf.mounted = true
	cf.mu.Unlock()
	return nil
}

// Unmount unmounts the filesystem.
func (cf *CgoFuseFS) Unmount() error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if !cf.mounted || cf.host == nil {
		return errors.New("fusefs: not mounted")
	}
	if !cf.host.Unmount() {
		return errors.New("fusefs: cgofuse unmount failed")
	}
	cf.mounted = false
	return nil
}

// IsMounted reports the current mount state.
func (cf *CgoFuseFS) IsMounted() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.mounted
}

// GetStats is not tracked separately on the cgofuse backend; counters
// live on *Filesystem for the go-fuse build only.
func (cf *CgoFuseFS) GetStats() *FilesystemStats { return &FilesystemStats{} }

func toCgoErrno(err error) int {
	if err == nil {
		return 0
	}
	errno := ferrors.ToErrno(err)
	switch errno {
	case syscall.ENOENT:
		return -fuse.ENOENT
	case syscall.EEXIST:
		return -fuse.EEXIST
	case syscall.ENOTDIR:
		return -fuse.ENOTDIR
	case syscall.EISDIR:
		return -fuse.EISDIR
	case syscall.ENOSPC:
		return -fuse.ENOSPC
	case syscall.EACCES:
		return -fuse.EACCES
	case syscall.EAGAIN:
		return -fuse.EAGAIN
	case syscall.EINVAL:
		return -fuse.EINVAL
	case syscall.ENOTEMPTY:
		return -fuse.ENOTEMPTY
	default:
		return -fuse.EIO
	}
}

func (cf *CgoFuseFS) logicalPath(path string) string {
	if path == "/" {
		return "/"
	}
	return path
}

func (cf *CgoFuseFS) fillFileStat(path string, e metastore.Entry, stat *fuse.Stat_t) {
	stat.Mode = fuse.S_IFREG | cf.cfg.DefaultMode
	stat.Size = e.Size
	stat.Nlink = 1
	stat.Uid, stat.Gid = cf.cfg.DefaultUID, cf.cfg.DefaultGID
	stat.Mtim.Sec, stat.Atim.Sec, stat.Ctim.Sec = e.Timestamp, e.Timestamp, e.Timestamp

	cf.mu.Lock()
	o := cf.overrides[path]
	cf.mu.Unlock()
	if o == nil {
		return
	}
	if o.hasMode {
		stat.Mode = fuse.S_IFREG | o.mode
	}
	if o.hasUID {
		stat.Uid = o.uid
	}
	if o.hasGID {
		stat.Gid = o.gid
	}
	if o.hasMtim {
		stat.Mtim.Sec = o.mtime.Unix()
	}
}

func (cf *CgoFuseFS) fillDirStat(path string, stat *fuse.Stat_t) {
	stat.Mode = fuse.S_IFDIR | cf.cfg.DefaultDir
	stat.Nlink = 2
	stat.Uid, stat.Gid = cf.cfg.DefaultUID, cf.cfg.DefaultGID
}

// Getattr fills stat for path, trying the metadata store first and
// falling back to a remote stat on a miss. Unlike DirectoryNode.Lookup
// on the go-fuse build, it does not record a metadata row for a file
// found only on the remote side.
func (cf *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	ctx := context.Background()
	path = cf.logicalPath(path)

	if path == "/" {
		cf.fillDirStat(path, stat)
		return 0
	}

	e, err := cf.meta.Get(ctx, path)
	if err == nil {
		if e.LocalPath == "" {
			cf.fillDirStat(path, stat)
		} else {
			cf.fillFileStat(path, e, stat)
		}
		return 0
	}
	if !errors.Is(err, errNotFound) {
		return toCgoErrno(err)
	}

	info, statErr := cf.remote.Stat(ctx, path)
	if statErr != nil {
		return toCgoErrno(statErr)
	}
	if info.IsDir {
		cf.fillDirStat(path, stat)
		return 0
	}
	cf.fillFileStat(path, metastore.Entry{Size: info.Size, Timestamp: info.Timestamp}, stat)
	return 0
}

// Open registers a handle; all data access happens through blockcache
// keyed by path, so the handle itself only needs to remember which
// path it belongs to.
func (cf *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	cf.mu.Lock()
	h := cf.nextHandle
	cf.nextHandle++
	cf.handles[h] = cf.logicalPath(path)
	cf.mu.Unlock()
	return 0, h
}

// Create writes a zero-length row, same as DirectoryNode.Create on
// the go-fuse build, then opens it.
func (cf *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS, 0
	}
	ctx := context.Background()
	path = cf.logicalPath(path)

	if _, err := cf.meta.Get(ctx, path); err == nil {
		return -fuse.EEXIST, 0
	}
	now := time.Now().Unix()
	entry := metastore.Entry{Path: path, LocalPath: hashPathForNewFile(path), Timestamp: now, LastAccessed: now}
	if err := cf.meta.Put(ctx, entry); err != nil {
		return toCgoErrno(err), 0
	}
	return cf.Open(path, flags)
}

// Read delegates to blockcache.Cache.Read.
func (cf *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := cf.cache.Read(context.Background(), cf.logicalPath(path), ofst, int64(len(buff)))
	if err != nil {
		return toCgoErrno(err)
	}
	return copy(buff, data)
}

// Write delegates to blockcache.Cache.Write.
func (cf *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	if err := cf.cache.Write(context.Background(), cf.logicalPath(path), ofst, buff); err != nil {
		return toCgoErrno(err)
	}
	return len(buff)
}

// Truncate delegates to blockcache.Cache.Truncate.
func (cf *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	if err := cf.cache.Truncate(context.Background(), cf.logicalPath(path), size); err != nil {
		return toCgoErrno(err)
	}
	return 0
}

// Release forgets the handle; Flush already pushed dirty blocks out.
func (cf *CgoFuseFS) Release(path string, fh uint64) int {
	cf.mu.Lock()
	delete(cf.handles, fh)
	cf.mu.Unlock()
	return 0
}

// Flush synchronously writes back this object's dirty blocks.
func (cf *CgoFuseFS) Flush(path string, fh uint64) int {
	if err := cf.wb.FlushPath(context.Background(), cf.logicalPath(path)); err != nil {
		return toCgoErrno(err)
	}
	return 0
}

// Fsync mirrors Flush.
func (cf *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return cf.Flush(path, fh)
}

// Mkdir writes a directory row directly, same as the go-fuse build.
func (cf *CgoFuseFS) Mkdir(path string, mode uint32) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	path = cf.logicalPath(path)
	if _, err := cf.meta.Get(ctx, path); err == nil {
		return -fuse.EEXIST
	}
	now := time.Now().Unix()
	if err := cf.meta.Put(ctx, metastore.Entry{Path: path, Timestamp: now, LastAccessed: now}); err != nil {
		return toCgoErrno(err)
	}
	if err := cf.remote.Create(ctx, path, true); err != nil {
		cf.logger.Warn("remote mkdir failed, local directory created anyway", "path", path, "error", err)
	}
	return 0
}

// Unlink removes a file's row via blockcache.Cache.Unlink, the same
// path the go-fuse build's DirectoryNode.Unlink uses.
func (cf *CgoFuseFS) Unlink(path string) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	path = cf.logicalPath(path)

	e, err := cf.meta.Get(ctx, path)
	if err != nil {
		return toCgoErrno(err)
	}
	if e.LocalPath == "" {
		return -fuse.EISDIR
	}
	if _, err := cf.cache.Unlink(ctx, path); err != nil {
		return toCgoErrno(err)
	}
	cf.mu.Lock()
	delete(cf.overrides, path)
	cf.mu.Unlock()
	if err := cf.remote.Delete(ctx, path); err != nil {
		cf.logger.Warn("remote delete failed after local unlink", "path", path, "error", err)
	}
	return 0
}

// Rmdir refuses a non-empty directory, otherwise removes the row.
func (cf *CgoFuseFS) Rmdir(path string) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	path = cf.logicalPath(path)

	e, err := cf.meta.Get(ctx, path)
	if err != nil {
		return toCgoErrno(err)
	}
	if e.LocalPath != "" {
		return -fuse.ENOTDIR
	}
	children, err := cf.meta.ListByPrefix(ctx, path+"/")
	if err != nil {
		return toCgoErrno(err)
	}
	if len(children) > 0 {
		return -fuse.ENOTEMPTY
	}
	if err := cf.meta.Remove(ctx, path); err != nil {
		return toCgoErrno(err)
	}
	if err := cf.remote.Delete(ctx, path); err != nil {
		cf.logger.Warn("remote rmdir failed after local removal", "path", path, "error", err)
	}
	return 0
}

// Rename moves a file row via blockcache.Cache.Rename and a directory
// row by rewriting it in the metadata store. RENAME_EXCHANGE/RENAME_NOREPLACE have no cgofuse-level flag
// equivalent exposed through this callback, so only the plain
// overwrite-allowed semantics apply on this backend.
func (cf *CgoFuseFS) Rename(oldpath, newpath string) int {
	if cf.cfg.ReadOnly {
		return -fuse.EROFS
	}
	ctx := context.Background()
	oldpath, newpath = cf.logicalPath(oldpath), cf.logicalPath(newpath)

	srcEntry, err := cf.meta.Get(ctx, oldpath)
	if err != nil {
		return toCgoErrno(err)
	}
	if destEntry, destErr := cf.meta.Get(ctx, newpath); destErr == nil {
		if destEntry.LocalPath != "" {
			if _, err := cf.cache.Unlink(ctx, newpath); err != nil {
				return toCgoErrno(err)
			}
		} else if err := cf.meta.Remove(ctx, newpath); err != nil {
			return toCgoErrno(err)
		}
	}

	if srcEntry.LocalPath == "" {
		srcEntry.Path = newpath
		if err := cf.meta.Put(ctx, srcEntry); err != nil {
			return toCgoErrno(err)
		}
		if err := cf.meta.Remove(ctx, oldpath); err != nil {
			return toCgoErrno(err)
		}
	} else if err := cf.cache.Rename(ctx, oldpath, newpath); err != nil {
		return toCgoErrno(err)
	}

	cf.mu.Lock()
	if o, ok := cf.overrides[oldpath]; ok {
		cf.overrides[newpath] = o
		delete(cf.overrides, oldpath)
	}
	cf.mu.Unlock()

	if err := cf.remote.Rename(ctx, oldpath, newpath); err != nil {
		cf.logger.Warn("remote rename failed after local rename", "old_path", oldpath, "new_path", newpath, "error", err)
	}
	return 0
}

// Readdir merges the metadata store's children with a remote listing
// fallback, same algorithm as DirectoryNode.Readdir.
func (cf *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	ctx := context.Background()
	path = cf.logicalPath(path)
	fill(".", nil, 0)
	fill("..", nil, 0)

	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	local, err := cf.meta.ListByPrefix(ctx, prefix)
	if err != nil {
		return toCgoErrno(err)
	}

	seen := make(map[string]bool)
	for _, e := range local {
		rel := strings.TrimPrefix(e.Path, prefix)
		if rel == "" {
			continue
		}
		name, isDir := firstSegment(rel)
		if seen[name] {
			continue
		}
		seen[name] = true

		stat := &fuse.Stat_t{}
		if isDir || e.LocalPath == "" {
			cf.fillDirStat(prefix+name, stat)
		} else {
			cf.fillFileStat(prefix+name, e, stat)
		}
		if !fill(name, stat, 0) {
			return 0
		}
	}

	names, err := cf.remote.List(ctx, path)
	if err == nil {
		for _, name := range names {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			if !fill(name, nil, 0) {
				return 0
			}
		}
	}
	return 0
}

// Chmod, Chown and Utimens update only the in-process attribute
// overlay; there is no server-side ACL/owner system in the remote
// API to persist them to (spec.md §6).
func (cf *CgoFuseFS) Chmod(path string, mode uint32) int {
	cf.overrideFor(cf.logicalPath(path)).setMode(mode)
	return 0
}

func (cf *CgoFuseFS) Chown(path string, uid, gid uint32) int {
	o := cf.overrideFor(cf.logicalPath(path))
	if uid != ^uint32(0) {
		o.setUID(uid)
	}
	if gid != ^uint32(0) {
		o.setGID(gid)
	}
	return 0
}

func (cf *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	if len(tmsp) < 2 {
		return 0
	}
	o := cf.overrideFor(cf.logicalPath(path))
	o.setMtime(time.Unix(tmsp[1].Sec, tmsp[1].Nsec))
	return 0
}

func (cf *CgoFuseFS) overrideFor(path string) *attrOverride {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	o := cf.overrides[path]
	if o == nil {
		o = &attrOverride{}
		cf.overrides[path] = o
	}
	return o
}

func (o *attrOverride) setMode(mode uint32)  { o.hasMode, o.mode = true, mode&0o7777 }
func (o *attrOverride) setUID(uid uint32)    { o.hasUID, o.uid = true, uid }
func (o *attrOverride) setGID(gid uint32)    { o.hasGID, o.gid = true, gid }
func (o *attrOverride) setMtime(t time.Time) { o.hasMtim, o.mtime = true, t }

// Mknod, Readlink and Link are out of scope (spec.md Non-goals).
func (cf *CgoFuseFS) Mknod(path string, mode uint32, dev uint64) int { return -fuse.EPERM }
func (cf *CgoFuseFS) Readlink(path string) (int, string)             { return -fuse.ENOSYS, "" }
func (cf *CgoFuseFS) Link(oldpath, newpath string) int               { return -fuse.ENOSYS }

// Statfs reports the cache root's real free space.
func (cf *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	var st syscall.Statfs_t
	if err := syscall.Statfs(cf.cfg.CacheRoot, &st); err != nil {
		return toCgoErrno(err)
	}
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Bsize = uint64(st.Bsize)
	stat.Namemax = 255
	return 0
}
