package fusefs

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fusecache/fusecache/internal/blockcache"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/internal/remote"
)

// fakeRemote implements both RemoteDirectory and blockcache.Fetcher
// against an in-memory object map, standing in for internal/remote.Client.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	dirs    map[string]bool
	calls   map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte), dirs: make(map[string]bool), calls: make(map[string]int)}
}

func (r *fakeRemote) Stat(ctx context.Context, path string) (remote.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirs[path] {
		return remote.Info{IsDir: true}, nil
	}
	if data, ok := r.objects[path]; ok {
		return remote.Info{Size: int64(len(data))}, nil
	}
	return remote.Info{}, errNotFound
}

func (r *fakeRemote) List(ctx context.Context, path string) ([]string, error) {
	return nil, errNotFound
}

func (r *fakeRemote) Create(ctx context.Context, path string, isDir bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["create:"+path]++
	if isDir {
		r.dirs[path] = true
	} else {
		r.objects[path] = nil
	}
	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["delete:"+path]++
	delete(r.objects, path)
	delete(r.dirs, path)
	return nil
}

func (r *fakeRemote) Rename(ctx context.Context, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["rename:"+oldPath+"->"+newPath]++
	return nil
}

func (r *fakeRemote) Fetch(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[path]
	if !ok {
		return nil, errNotFound
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if offset > end {
		offset = end
	}
	return data[offset:end], nil
}

type fakeFlusher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFlusher) FlushPath(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	return nil
}

func newTestFilesystem(t *testing.T) (*Filesystem, *metastore.Store, *fakeRemote) {
	t.Helper()
	root := t.TempDir()

	meta, err := metastore.Open(metastore.Config{CacheRoot: root})
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	rem := newFakeRemote()
	cache := blockcache.New(blockcache.Config{CacheRoot: root, PartBytes: 64, BlockBytes: 16}, meta, rem, nil)

	fsys := New(cache, meta, rem, &fakeFlusher{}, &Config{CacheRoot: root}, nil)
	return fsys, meta, rem
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	if cfg.DefaultMode != 0644 || cfg.DefaultDir != 0755 {
		t.Fatalf("unexpected default mode/dir: %#o %#o", cfg.DefaultMode, cfg.DefaultDir)
	}
	if cfg.AttrTimeout != time.Second || cfg.EntryTimeout != time.Second {
		t.Fatalf("unexpected default timeouts: %v %v", cfg.AttrTimeout, cfg.EntryTimeout)
	}
}

func TestStatsSnapshotIsIndependentCopy(t *testing.T) {
	s := &Stats{}
	s.inc(&s.Lookups)
	s.add(&s.BytesRead, 42)
	snap := s.Snapshot()
	if snap.Lookups != 1 || snap.BytesRead != 42 {
		t.Fatalf("snapshot mismatch: Lookups=%d BytesRead=%d", snap.Lookups, snap.BytesRead)
	}
	s.inc(&s.Lookups)
	if snap.Lookups != 1 {
		t.Fatalf("snapshot should not observe later mutation, got %d", snap.Lookups)
	}
}

func TestJoinPath(t *testing.T) {
	root := &DirectoryNode{path: "/"}
	if got := root.joinPath("foo"); got != "/foo" {
		t.Fatalf("root joinPath = %q, want /foo", got)
	}
	sub := &DirectoryNode{path: "/foo"}
	if got := sub.joinPath("bar"); got != "/foo/bar" {
		t.Fatalf("sub joinPath = %q, want /foo/bar", got)
	}
}

func TestFirstSegment(t *testing.T) {
	if name, isDir := firstSegment("a"); name != "a" || isDir {
		t.Fatalf("firstSegment(a) = %q, %v", name, isDir)
	}
	if name, isDir := firstSegment("a/b/c"); name != "a" || !isDir {
		t.Fatalf("firstSegment(a/b/c) = %q, %v", name, isDir)
	}
}

func TestHashPathForNewFileDeterministic(t *testing.T) {
	a := hashPathForNewFile("/some/path")
	b := hashPathForNewFile("/some/path")
	if a != b {
		t.Fatalf("hashPathForNewFile not deterministic: %q vs %q", a, b)
	}
	if a == hashPathForNewFile("/some/other") {
		t.Fatalf("hashPathForNewFile collided across distinct paths")
	}
}

func TestAttrOverrideOverlay(t *testing.T) {
	fsys, _, _ := newTestFilesystem(t)

	o := fsys.overrideFor("/f")
	o.hasMode, o.mode = true, 0600
	o.hasUID, o.uid = true, 7
	o.hasGID, o.gid = true, 8

	var out fuse.Attr
	fsys.applyFileAttrs("/f", 10, 1000, &out)
	if out.Mode != fuse.S_IFREG|0600 {
		t.Fatalf("mode override not applied: %#o", out.Mode)
	}
	if out.Uid != 7 || out.Gid != 8 {
		t.Fatalf("uid/gid override not applied: %d %d", out.Uid, out.Gid)
	}

	fsys.forgetOverride("/f")
	if _, ok := fsys.peekOverride("/f"); ok {
		t.Fatalf("override should have been forgotten")
	}

	o2 := fsys.overrideFor("/g")
	o2.hasMode, o2.mode = true, 0700
	fsys.renameOverride("/g", "/h")
	if _, ok := fsys.peekOverride("/g"); ok {
		t.Fatalf("old path should have no override after rename")
	}
	if got, ok := fsys.peekOverride("/h"); !ok || !got.hasMode || got.mode != 0700 {
		t.Fatalf("override did not move to new path: %+v, ok=%v", got, ok)
	}
}

func TestApplyDirAttrsDefaults(t *testing.T) {
	fsys, _, _ := newTestFilesystem(t)
	fsys.cfg.DefaultUID, fsys.cfg.DefaultGID = 1000, 1000
	var out fuse.Attr
	fsys.applyDirAttrs("/d", &out)
	if out.Mode != fuse.S_IFDIR|0755 || out.Nlink != 2 {
		t.Fatalf("unexpected dir attrs: %+v", out)
	}
}

func putEntry(t *testing.T, meta *metastore.Store, e metastore.Entry) {
	t.Helper()
	if err := meta.Put(context.Background(), e); err != nil {
		t.Fatalf("meta.Put: %v", err)
	}
}

func TestDirectoryNodeMkdirRejectsExisting(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/d"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if _, errno := root.Mkdir(ctx, "d", 0755, nil); errno != syscall.EEXIST {
		t.Fatalf("expected EEXIST, got %v", errno)
	}
}

func TestDirectoryNodeMkdirRejectsReadOnly(t *testing.T) {
	fsys, _, _ := newTestFilesystem(t)
	fsys.cfg.ReadOnly = true
	root := &DirectoryNode{fsys: fsys, path: "/"}
	if _, errno := root.Mkdir(context.Background(), "d", 0755, nil); errno != syscall.EROFS {
		t.Fatalf("expected EROFS, got %v", errno)
	}
}

func TestDirectoryNodeCreateRejectsExisting(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/f", LocalPath: "somehash"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if _, _, _, errno := root.Create(ctx, "f", 0, 0644, nil); errno != syscall.EEXIST {
		t.Fatalf("expected EEXIST, got %v", errno)
	}
}

func TestDirectoryNodeUnlink(t *testing.T) {
	fsys, meta, rem := newTestFilesystem(t)
	ctx := context.Background()
	path := "/file.txt"
	hashHex := hashPathForNewFile(path)
	putEntry(t, meta, metastore.Entry{Path: path, LocalPath: hashHex, Size: 0, Timestamp: 1})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Unlink(ctx, "file.txt"); errno != 0 {
		t.Fatalf("Unlink failed: %v", errno)
	}
	if _, err := meta.Get(ctx, path); err == nil {
		t.Fatalf("entry should be gone after unlink")
	}
	rem.mu.Lock()
	n := rem.calls["delete:"+path]
	rem.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one remote delete call, got %d", n)
	}
}

func TestDirectoryNodeUnlinkRejectsDirectory(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/sub"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Unlink(ctx, "sub"); errno != syscall.EISDIR {
		t.Fatalf("expected EISDIR, got %v", errno)
	}
}

func TestDirectoryNodeRmdir(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/empty"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rmdir(ctx, "empty"); errno != 0 {
		t.Fatalf("Rmdir failed: %v", errno)
	}
	if _, err := meta.Get(ctx, "/empty"); err == nil {
		t.Fatalf("directory entry should be gone")
	}
}

func TestDirectoryNodeRmdirRejectsNonEmpty(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/parent"})
	putEntry(t, meta, metastore.Entry{Path: "/parent/child", LocalPath: "h"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rmdir(ctx, "parent"); errno != syscall.ENOTEMPTY {
		t.Fatalf("expected ENOTEMPTY, got %v", errno)
	}
}

func TestDirectoryNodeRmdirRejectsFile(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/f", LocalPath: "h"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rmdir(ctx, "f"); errno != syscall.ENOTDIR {
		t.Fatalf("expected ENOTDIR, got %v", errno)
	}
}

func TestDirectoryNodeRenameSimpleMove(t *testing.T) {
	fsys, meta, rem := newTestFilesystem(t)
	ctx := context.Background()
	path := "/a.txt"
	putEntry(t, meta, metastore.Entry{Path: path, LocalPath: hashPathForNewFile(path)})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rename(ctx, "a.txt", root, "b.txt", 0); errno != 0 {
		t.Fatalf("Rename failed: %v", errno)
	}
	if _, err := meta.Get(ctx, "/a.txt"); err == nil {
		t.Fatalf("old path should be gone")
	}
	if _, err := meta.Get(ctx, "/b.txt"); err != nil {
		t.Fatalf("new path should exist: %v", err)
	}
	rem.mu.Lock()
	n := rem.calls["rename:/a.txt->/b.txt"]
	rem.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected one remote rename call, got %d", n)
	}
}

func TestDirectoryNodeRenameNoReplaceRejectsExistingDest(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/a", LocalPath: "ha"})
	putEntry(t, meta, metastore.Entry{Path: "/b", LocalPath: "hb"})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rename(ctx, "a", root, "b", renameNoReplace); errno != syscall.EEXIST {
		t.Fatalf("expected EEXIST, got %v", errno)
	}
}

func TestDirectoryNodeRenameExchangeSwapsDirectoryRows(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/a", Timestamp: 1})
	putEntry(t, meta, metastore.Entry{Path: "/b", Timestamp: 2})

	root := &DirectoryNode{fsys: fsys, path: "/"}
	if errno := root.Rename(ctx, "a", root, "b", renameExchange); errno != 0 {
		t.Fatalf("exchange rename failed: %v", errno)
	}
	ea, err := meta.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("path /a should still exist: %v", err)
	}
	eb, err := meta.Get(ctx, "/b")
	if err != nil {
		t.Fatalf("path /b should still exist: %v", err)
	}
	if ea.Timestamp != 2 || eb.Timestamp != 1 {
		t.Fatalf("exchange did not swap content: a=%d b=%d", ea.Timestamp, eb.Timestamp)
	}
}

func TestDirectoryNodeReaddirMergesMetastoreAndRemote(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/dir/file1", LocalPath: "h1"})
	putEntry(t, meta, metastore.Entry{Path: "/dir/sub"})
	putEntry(t, meta, metastore.Entry{Path: "/dir/sub/nested", LocalPath: "h2"})

	node := &DirectoryNode{fsys: fsys, path: "/dir"}
	stream, errno := node.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir failed: %v", errno)
	}
	defer stream.Close()

	names := map[string]uint32{}
	for stream.HasNext() {
		entry, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("stream.Next failed: %v", errno)
		}
		names[entry.Name] = entry.Mode
	}

	if len(names) != 2 {
		t.Fatalf("expected 2 merged entries (file1, sub), got %+v", names)
	}
	if names["file1"] != fuse.S_IFREG {
		t.Fatalf("file1 should be a regular file entry, got mode %#o", names["file1"])
	}
	if names["sub"] != fuse.S_IFDIR {
		t.Fatalf("sub should be a directory entry, got mode %#o", names["sub"])
	}
}

func TestFileNodeGetattr(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	putEntry(t, meta, metastore.Entry{Path: "/f", LocalPath: "h", Size: 123, Timestamp: 555})

	node := &FileNode{fsys: fsys, path: "/f"}
	var out fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &out); errno != 0 {
		t.Fatalf("Getattr failed: %v", errno)
	}
	if out.Attr.Size != 123 {
		t.Fatalf("expected size 123, got %d", out.Attr.Size)
	}
}

func TestFileHandleReadWriteFlush(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	ctx := context.Background()
	path := "/f"
	entry := metastore.Entry{Path: path, LocalPath: hashPathForNewFile(path)}
	putEntry(t, meta, entry)

	handle := &FileHandle{fsys: fsys, path: path}

	data := []byte("hello, fusecache")
	n, errno := handle.Write(ctx, data, 0)
	if errno != 0 {
		t.Fatalf("Write failed: %v", errno)
	}
	if int(n) != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}

	buf := make([]byte, len(data))
	result, errno := handle.Read(ctx, buf, 0)
	if errno != 0 {
		t.Fatalf("Read failed: %v", errno)
	}
	if result.Size() != len(data) {
		t.Fatalf("ReadResult.Size() = %d, want %d", result.Size(), len(data))
	}

	if errno := handle.Flush(ctx); errno != 0 {
		t.Fatalf("Flush failed: %v", errno)
	}

	snap := fsys.Stats()
	if snap.Writes != 1 || snap.Reads != 1 {
		t.Fatalf("unexpected op counters: Writes=%d Reads=%d", snap.Writes, snap.Reads)
	}
	if snap.BytesWritten != int64(len(data)) || snap.BytesRead != int64(len(data)) {
		t.Fatalf("unexpected byte counters: BytesWritten=%d BytesRead=%d", snap.BytesWritten, snap.BytesRead)
	}
}

func TestFileHandleWriteRejectedReadOnly(t *testing.T) {
	fsys, meta, _ := newTestFilesystem(t)
	fsys.cfg.ReadOnly = true
	putEntry(t, meta, metastore.Entry{Path: "/f", LocalPath: hashPathForNewFile("/f")})

	handle := &FileHandle{fsys: fsys, path: "/f"}
	if _, errno := handle.Write(context.Background(), []byte("x"), 0); errno != syscall.EROFS {
		t.Fatalf("expected EROFS, got %v", errno)
	}
}
