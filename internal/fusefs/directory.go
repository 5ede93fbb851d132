package fusefs

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/pkg/ferrors"
)

// DirectoryNode represents one directory: a metastore row with an
// empty local_path (spec.md §3's directory/file distinction), or a
// path that only exists on the remote side and hasn't been listed
// locally yet.
type DirectoryNode struct {
	fs.Inode
	fsys *Filesystem
	path string
}

func (n *DirectoryNode) joinPath(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

// Getattr fills in the directory's own attributes; used for the root
// and for stat() through an already-resolved inode.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.applyDirAttrs(n.path, &out.Attr)
	return 0
}

// Setattr only ever changes chmod/chown/utimens for a directory; size
// and content have no meaning here.
func (n *DirectoryNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	applyOverride(n.fsys.overrideFor(n.path), in)
	n.fsys.applyDirAttrs(n.path, &out.Attr)
	return 0
}

// Access reports every access as permitted; no ACL system exists in
// the remote API of spec.md §6 to consult.
func (n *DirectoryNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	return 0
}

// Statfs reports the underlying cache root's real free space, since
// capacity pressure there is what actually bounds writes (remote
// capacity isn't observable through spec.md §6's API).
func (n *DirectoryNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.fsys.cfg.CacheRoot, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = safeIntToUint32(int(st.Bsize))
	out.NameLen = 255
	out.Frsize = safeIntToUint32(int(st.Bsize))
	return 0
}

// Lookup resolves a child by consulting the metadata store first,
// then falling back to a remote stat when no local row exists.
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.inc(&n.fsys.stats.Lookups)
	childPath := n.joinPath(name)

	entry, err := n.fsys.meta.Get(ctx, childPath)
	if err == nil {
		return n.childInode(ctx, name, entry), 0
	}
	if !errors.Is(err, errNotFound) {
		return nil, ferrors.ToErrno(err)
	}

	info, statErr := n.fsys.remote.Stat(ctx, childPath)
	if statErr != nil {
		return nil, ferrors.ToErrno(statErr)
	}

	if info.IsDir {
		return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}

	now := time.Now().Unix()
	newEntry := metastore.Entry{Path: childPath, LocalPath: hashPathForNewFile(childPath), Size: info.Size, Timestamp: info.Timestamp, LastAccessed: now}
	if err := n.fsys.meta.Put(ctx, newEntry); err != nil {
		return nil, ferrors.ToErrno(err)
	}
	return n.NewInode(ctx, &FileNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

func (n *DirectoryNode) childInode(ctx context.Context, name string, entry metastore.Entry) *fs.Inode {
	if entry.LocalPath == "" {
		return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys, path: entry.Path}, fs.StableAttr{Mode: fuse.S_IFDIR})
	}
	return n.NewInode(ctx, &FileNode{fsys: n.fsys, path: entry.Path}, fs.StableAttr{Mode: fuse.S_IFREG})
}

// Readdir merges the metadata store's knowledge of this directory
// with a remote listing fallback, so entries created on another
// mount (and never yet looked up here) still show up.
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	prefix := n.path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	local, err := n.fsys.meta.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, ferrors.ToErrno(err)
	}

	seen := make(map[string]bool)
	var dirEntries []fuse.DirEntry

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
		mode := uint32(fuse.S_IFREG)
		if isDir || e.LocalPath == "" {
			mode = fuse.S_IFDIR
		}
		dirEntries = append(dirEntries, fuse.DirEntry{Name: name, Mode: mode})
	}

	names, err := n.fsys.remote.List(ctx, n.path)
	if err == nil {
		for _, name := range names {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			dirEntries = append(dirEntries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
		}
	}

	return fs.NewListDirStream(dirEntries), 0
}

// firstSegment splits a path relative to its parent directory into
// its leading component, reporting whether more path remains (i.e.
// the leading component is itself a directory).
func firstSegment(rel string) (name string, isDir bool) {
	if idx := strings.Index(rel, "/"); idx != -1 {
		return rel[:idx], true
	}
	return rel, false
}

// Mkdir writes a directory row directly through the metadata store,
// bypassing blockcache entirely: a directory carries no block data.
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, syscall.EROFS
	}
	childPath := n.joinPath(name)

	if _, err := n.fsys.meta.Get(ctx, childPath); err == nil {
		return nil, syscall.EEXIST
	}

	now := time.Now().Unix()
	if err := n.fsys.meta.Put(ctx, metastore.Entry{Path: childPath, Timestamp: now, LastAccessed: now}); err != nil {
		return nil, ferrors.ToErrno(err)
	}
	if err := n.fsys.remote.Create(ctx, childPath, true); err != nil {
		n.fsys.logger.Warn("remote mkdir failed, local directory created anyway", "path", childPath, "error", err)
	}
	return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys, path: childPath}, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Create writes a zero-length file row directly, then hands control
// to the new FileNode's Open so the caller gets back a usable handle
// in the same call, matching go-fuse's NodeCreater contract.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fsys.cfg.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	childPath := n.joinPath(name)

	if _, err := n.fsys.meta.Get(ctx, childPath); err == nil {
		return nil, nil, 0, syscall.EEXIST
	}

	now := time.Now().Unix()
	entry := metastore.Entry{Path: childPath, LocalPath: hashPathForNewFile(childPath), Timestamp: now, LastAccessed: now}
	if err := n.fsys.meta.Put(ctx, entry); err != nil {
		return nil, nil, 0, ferrors.ToErrno(err)
	}
	n.fsys.stats.inc(&n.fsys.stats.Creates)

	fileNode := &FileNode{fsys: n.fsys, path: childPath}
	inode := n.NewInode(ctx, fileNode, fs.StableAttr{Mode: fuse.S_IFREG})
	fh, fuseFlags, errno := fileNode.Open(ctx, flags)
	return inode, fh, fuseFlags, errno
}

// Unlink removes a file's metadata row and local materialization,
// then best-effort deletes it remotely.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	childPath := n.joinPath(name)

	entry, err := n.fsys.meta.Get(ctx, childPath)
	if err != nil {
		return ferrors.ToErrno(err)
	}
	if entry.LocalPath == "" {
		return syscall.EISDIR
	}

	if _, err := n.fsys.cache.Unlink(ctx, childPath); err != nil {
		return ferrors.ToErrno(err)
	}
	n.fsys.forgetOverride(childPath)
	n.fsys.stats.inc(&n.fsys.stats.Deletes)

	if err := n.fsys.remote.Delete(ctx, childPath); err != nil {
		n.fsys.logger.Warn("remote delete failed after local unlink", "path", childPath, "error", err)
	}
	return 0
}

// Rmdir refuses a non-empty directory and otherwise removes the row
// the same way Unlink does, minus any block-cache involvement.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	childPath := n.joinPath(name)

	entry, err := n.fsys.meta.Get(ctx, childPath)
	if err != nil {
		return ferrors.ToErrno(err)
	}
	if entry.LocalPath != "" {
		return syscall.ENOTDIR
	}

	prefix := childPath + "/"
	children, err := n.fsys.meta.ListByPrefix(ctx, prefix)
	if err != nil {
		return ferrors.ToErrno(err)
	}
	if len(children) > 0 {
		return syscall.ENOTEMPTY
	}

	if err := n.fsys.meta.Remove(ctx, childPath); err != nil {
		return ferrors.ToErrno(err)
	}
	n.fsys.forgetOverride(childPath)
	if err := n.fsys.remote.Delete(ctx, childPath); err != nil {
		n.fsys.logger.Warn("remote rmdir failed after local removal", "path", childPath, "error", err)
	}
	return 0
}

// Rename moves name to newName under newParent, honoring
// RENAME_NOREPLACE (fail if the destination exists) and
// RENAME_EXCHANGE (swap both paths' cache state) per spec.md §4.F.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}
	destDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EIO
	}

	oldPath := n.joinPath(name)
	newPath := destDir.joinPath(newName)

	destEntry, destErr := n.fsys.meta.Get(ctx, newPath)
	destExists := destErr == nil

	if flags&renameNoReplace != 0 && destExists {
		return syscall.EEXIST
	}
	if flags&renameExchange != 0 && !destExists {
		return syscall.ENOENT
	}

	srcEntry, err := n.fsys.meta.Get(ctx, oldPath)
	if err != nil {
		return ferrors.ToErrno(err)
	}

	if flags&renameExchange != 0 {
		tmp := tempSwapPath(oldPath)
		if err := n.fsys.renameEntry(ctx, oldPath, tmp, srcEntry); err != nil {
			return ferrors.ToErrno(err)
		}
		if err := n.fsys.renameEntry(ctx, newPath, oldPath, destEntry); err != nil {
			return ferrors.ToErrno(err)
		}
		tmpEntry, err := n.fsys.meta.Get(ctx, tmp)
		if err != nil {
			return ferrors.ToErrno(err)
		}
		if err := n.fsys.renameEntry(ctx, tmp, newPath, tmpEntry); err != nil {
			return ferrors.ToErrno(err)
		}
		n.fsys.renameOverride(oldPath, tmp)
		n.fsys.renameOverride(newPath, oldPath)
		n.fsys.renameOverride(tmp, newPath)
		return 0
	}

	if destExists {
		if destEntry.LocalPath != "" {
			if _, err := n.fsys.cache.Unlink(ctx, newPath); err != nil {
				return ferrors.ToErrno(err)
			}
		} else if err := n.fsys.meta.Remove(ctx, newPath); err != nil {
			return ferrors.ToErrno(err)
		}
	}

	if err := n.fsys.renameEntry(ctx, oldPath, newPath, srcEntry); err != nil {
		return ferrors.ToErrno(err)
	}
	n.fsys.renameOverride(oldPath, newPath)

	if err := n.fsys.remote.Rename(ctx, oldPath, newPath); err != nil {
		n.fsys.logger.Warn("remote rename failed after local rename", "old_path", oldPath, "new_path", newPath, "error", err)
	}
	return 0
}

// Mknod is out of scope (spec.md Non-goals: no device/special files).
func (n *DirectoryNode) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EPERM
}

// renameEntry moves one metadata row from oldPath to newPath,
// preserving the directory/file distinction (spec.md §3): a directory
// row (empty LocalPath) is a metadata-only move, since it carries no
// block data for blockcache.Cache.Rename to relocate, while a file row
// goes through the cache so its part/bitmap directories move with it.
func (fsys *Filesystem) renameEntry(ctx context.Context, oldPath, newPath string, entry metastore.Entry) error {
	if entry.LocalPath == "" {
		entry.Path = newPath
		if err := fsys.meta.Put(ctx, entry); err != nil {
			return err
		}
		return fsys.meta.Remove(ctx, oldPath)
	}
	return fsys.cache.Rename(ctx, oldPath, newPath)
}

const (
	renameNoReplace = 1 << 0
	renameExchange  = 1 << 1
)

func tempSwapPath(p string) string {
	return p + ".fusecache-rename-swap"
}
