// Package fusefs is the operation dispatcher: it exposes the cache as
// a POSIX filesystem by implementing go-fuse's node interfaces over
// internal/blockcache, internal/metastore, internal/remote and
// internal/writeback.
//
// Two mount backends exist, selected at build time: the default
// build uses github.com/hanwen/go-fuse/v2
// (filesystem.go, directory.go, file.go, handle.go, mount.go,
// platform.go); building with the "cgofuse" tag instead links
// github.com/winfsp/cgofuse for platforms without a native FUSE
// kernel driver (cgofuse_filesystem.go, cgofuse_mount.go,
// platform_cgofuse.go). The cgofuse backend builds its own CgoFuseFS
// rather than a Filesystem; both backends share the Config type and
// its defaults in filesystem.go and the same Platform interface in
// platform.go/platform_cgofuse.go.
//
// A logical path is either a directory (metastore.Entry.LocalPath
// empty) or a regular file (LocalPath set to its hash_hex), never
// both. mkdir and create write that distinction directly through
// Filesystem.meta, bypassing blockcache, since a directory has no
// block data and a brand-new file has none yet.
//
// Symlinks and device nodes are outside scope: Readlink, Link and
// Mknod are accepted at this boundary and rejected with ENOSYS/EPERM
// rather than left unimplemented. chmod/chown/utimens have nowhere to
// persist in the metadata row, so they only update an in-process
// attribute overlay consulted by Getattr.
package fusefs
