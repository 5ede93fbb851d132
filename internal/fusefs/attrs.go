package fusefs

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// attrOverride holds the FUSE-visible attributes chmod/chown/utimens
// change but the metadata row has no column for: the row (spec.md §3)
// carries only path/local_path/size/timestamp/last_accessed/dirty, so
// these live purely in memory and reset across a restart.
type attrOverride struct {
	hasMode bool
	mode    uint32
	hasUID  bool
	uid     uint32
	hasGID  bool
	gid     uint32
	hasAtim bool
	atime   time.Time
	hasMtim bool
	mtime   time.Time
}

// applyOverride records whichever chmod/chown/utimens fields in are
// present into o; fields the caller left unset (Valid bit clear) are
// left untouched.
func applyOverride(o *attrOverride, in *fuse.SetAttrIn) {
	if mode, ok := in.GetMode(); ok {
		o.hasMode, o.mode = true, mode&0o7777
	}
	if uid, ok := in.GetUID(); ok {
		o.hasUID, o.uid = true, uid
	}
	if gid, ok := in.GetGID(); ok {
		o.hasGID, o.gid = true, gid
	}
	if atime, ok := in.GetATime(); ok {
		o.hasAtim, o.atime = true, atime
	}
	if mtime, ok := in.GetMTime(); ok {
		o.hasMtim, o.mtime = true, mtime
	}
}

func (fsys *Filesystem) overrideFor(path string) *attrOverride {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	o := fsys.overrides[path]
	if o == nil {
		o = &attrOverride{}
		fsys.overrides[path] = o
	}
	return o
}

func (fsys *Filesystem) peekOverride(path string) (attrOverride, bool) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	o, ok := fsys.overrides[path]
	if !ok {
		return attrOverride{}, false
	}
	return *o, true
}

func (fsys *Filesystem) forgetOverride(path string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	delete(fsys.overrides, path)
}

func (fsys *Filesystem) renameOverride(oldPath, newPath string) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if o, ok := fsys.overrides[oldPath]; ok {
		fsys.overrides[newPath] = o
		delete(fsys.overrides, oldPath)
	}
}

// applyFileAttrs fills out with an object's defaults, then layers any
// recorded override on top.
func (fsys *Filesystem) applyFileAttrs(path string, size int64, timestamp int64, out *fuse.Attr) {
	out.Mode = fuse.S_IFREG | fsys.cfg.DefaultMode
	out.Size = safeInt64ToUint64(size)
	out.Uid = fsys.cfg.DefaultUID
	out.Gid = fsys.cfg.DefaultGID
	out.Mtime = safeInt64ToUint64(timestamp)
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Nlink = 1

	if o, ok := fsys.peekOverride(path); ok {
		if o.hasMode {
			out.Mode = fuse.S_IFREG | o.mode
		}
		if o.hasUID {
			out.Uid = o.uid
		}
		if o.hasGID {
			out.Gid = o.gid
		}
		if o.hasAtim {
			out.Atime = safeInt64ToUint64(o.atime.Unix())
		}
		if o.hasMtim {
			out.Mtime = safeInt64ToUint64(o.mtime.Unix())
			out.Ctime = out.Mtime
		}
	}
}

func (fsys *Filesystem) applyDirAttrs(path string, out *fuse.Attr) {
	out.Mode = fuse.S_IFDIR | fsys.cfg.DefaultDir
	out.Uid = fsys.cfg.DefaultUID
	out.Gid = fsys.cfg.DefaultGID
	out.Nlink = 2

	if o, ok := fsys.peekOverride(path); ok {
		if o.hasMode {
			out.Mode = fuse.S_IFDIR | o.mode
		}
		if o.hasUID {
			out.Uid = o.uid
		}
		if o.hasGID {
			out.Gid = o.gid
		}
	}
}

// safeInt64ToUint64 prevents a negative timestamp/size from wrapping
// into a huge unsigned value at the FUSE ABI boundary.
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 clamps rather than wraps when a byte count or id
// exceeds 32 bits.
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}
