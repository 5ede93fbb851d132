package fusefs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fusecache/fusecache/pkg/ferrors"
)

// FileNode represents one regular file: a metastore row whose
// local_path holds the object's hash_hex identity.
type FileNode struct {
	fs.Inode
	fsys *Filesystem
	path string
}

// Getattr fetches the current size/timestamp from the metadata store
// and layers any chmod/chown/utimens override on top.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, err := f.fsys.meta.Get(ctx, f.path)
	if err != nil {
		return ferrors.ToErrno(err)
	}
	f.fsys.applyFileAttrs(f.path, entry.Size, entry.Timestamp, &out.Attr)
	return 0
}

// Setattr handles truncate (FATTR_SIZE, via blockcache.Truncate) and
// chmod/chown/utimens (attribute overlay only).
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if f.fsys.cfg.ReadOnly {
		return syscall.EROFS
	}

	if size, ok := in.GetSize(); ok {
		if err := f.fsys.cache.Truncate(ctx, f.path, int64(size)); err != nil {
			return ferrors.ToErrno(err)
		}
	}
	applyOverride(f.fsys.overrideFor(f.path), in)

	entry, err := f.fsys.meta.Get(ctx, f.path)
	if err != nil {
		return ferrors.ToErrno(err)
	}
	f.fsys.applyFileAttrs(f.path, entry.Size, entry.Timestamp, &out.Attr)
	return 0
}

// Open returns a handle for an already-looked-up file; Create calls
// this directly after writing the new row so both paths share one
// FileHandle implementation.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if f.fsys.cfg.ReadOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	f.fsys.stats.inc(&f.fsys.stats.Opens)
	return &FileHandle{fsys: f.fsys, path: f.path}, 0, 0
}

// Readlink is out of scope (spec.md Non-goals: no symbolic-link
// semantics); every regular file rejects it rather than silently
// no-op.
func (f *FileNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return nil, syscall.ENOSYS
}

// Link is out of scope alongside Readlink: no hard-link accounting
// exists in the metadata row.
func (f *FileNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.ENOSYS
}

// Fsync flushes this object's dirty blocks to remote synchronously,
// sharing the same code path as the periodic writeback tick.
func (f *FileNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	if err := f.fsys.wb.FlushPath(ctx, f.path); err != nil {
		return ferrors.ToErrno(err)
	}
	return 0
}
