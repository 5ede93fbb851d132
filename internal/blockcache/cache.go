package blockcache

import (
	"context"
	"errors"
	"time"

	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/pkg/ferrors"
)

var errNotFound = ferrors.New(ferrors.ErrCodeNotFound, "")

// Fetcher is the subset of internal/remote.Client the block cache
// needs for cache misses. Defined here, at the point of use, rather
// than in a shared interfaces package.
type Fetcher interface {
	Fetch(ctx context.Context, path string, offset, length int64) ([]byte, error)
}

// RangeCache is the subset of internal/hotcache.Cache the block cache
// optionally consults before touching disk. It holds no authority
// over presence/dirty state; a nil RangeCache simply disables it.
type RangeCache interface {
	Get(path string, offset, size int64) []byte
	Put(path string, offset int64, data []byte)
	Invalidate(path string)
}

// Config configures a Cache.
type Config struct {
	CacheRoot  string
	PartBytes  int64
	BlockBytes int64
}

// Cache implements the read/write/truncate/rename/unlink algorithms
// of the cache's data model over a metadata store and a remote
// fetcher.
type Cache struct {
	cfg    Config
	meta   *metastore.Store
	remote Fetcher
	hot    RangeCache // may be nil
}

// New creates a Cache. hot may be nil to disable the hot-range cache.
func New(cfg Config, meta *metastore.Store, remote Fetcher, hot RangeCache) *Cache {
	return &Cache{cfg: cfg, meta: meta, remote: remote, hot: hot}
}

// Read implements the seven-step read algorithm: resolve metadata,
// compute the parts/blocks touched, fetch whatever is missing from
// remote, read the requested range, and bump last_accessed.
func (c *Cache) Read(ctx context.Context, path string, offset, size int64) ([]byte, error) {
	entry, err := c.meta.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	if offset >= entry.Size {
		return []byte{}, nil
	}
	if offset+size > entry.Size {
		size = entry.Size - offset
	}
	if size <= 0 {
		return []byte{}, nil
	}

	if c.hot != nil {
		if data := c.hot.Get(path, offset, size); data != nil {
			return data, nil
		}
	}

	hashHex := layout.HashPath(path)
	result := make([]byte, 0, size)

	for _, pr := range c.splitIntoParts(offset, size) {
		first, last := blocksCovering(pr.lo, pr.hi, c.cfg.BlockBytes)
		if err := c.fetchMissingRuns(ctx, hashHex, path, pr.partIdx, first, last, entry.Size); err != nil {
			return nil, err
		}

		partPath := layout.DataPath(c.cfg.CacheRoot, hashHex, pr.partIdx)
		chunk, err := readPartFile(partPath, pr.lo, pr.hi-pr.lo+1)
		if err != nil {
			return nil, ferrors.New(ferrors.ErrCodeInternalError, "blockcache: read part file failed").
				WithOperation("Read").WithPath(path).WithCause(err)
		}
		result = append(result, chunk...)
	}

	if err := c.meta.UpdateAccessTime(ctx, path, time.Now()); err != nil {
		return nil, err
	}
	if c.hot != nil {
		c.hot.Put(path, offset, result)
	}
	return result, nil
}

// Write implements the six-step write algorithm: ensure the metadata
// row exists, compute the parts/blocks touched, read-modify-write any
// partially-covered edge block, positional-write the new bytes, mark
// every touched block dirty, and persist size/dirty/timestamps.
func (c *Cache) Write(ctx context.Context, path string, offset int64, data []byte) error {
	entry, err := c.meta.Get(ctx, path)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			return err
		}
		hashHex := layout.HashPath(path)
		now := time.Now().Unix()
		entry = metastore.Entry{Path: path, LocalPath: hashHex, Size: 0, Timestamp: now, LastAccessed: now}
	}
	hashHex := layout.HashPath(path)
	size := int64(len(data))
	if size == 0 {
		return nil
	}

	ranges := c.splitIntoParts(offset, size)
	dataOffset := int64(0)

	for i, pr := range ranges {
		first, last := blocksCovering(pr.lo, pr.hi, c.cfg.BlockBytes)

		isFirstRange := i == 0
		isLastRange := i == len(ranges)-1
		if err := c.rmwEdgeBlocks(ctx, hashHex, path, pr, first, last, entry.Size, isFirstRange, isLastRange); err != nil {
			return err
		}

		partPath := layout.DataPath(c.cfg.CacheRoot, hashHex, pr.partIdx)
		chunkLen := pr.hi - pr.lo + 1
		if err := writePartFile(partPath, pr.lo, data[dataOffset:dataOffset+chunkLen]); err != nil {
			return ferrors.New(ferrors.ErrCodeCapacityExhausted, "blockcache: write part file failed").
				WithOperation("Write").WithPath(path).WithCause(err)
		}
		dataOffset += chunkLen

		for b := first; b <= last; b++ {
			c.meta.MarkDirtyBlock(hashHex, pr.partIdx, b)
		}
	}

	newSize := offset + size
	if newSize > entry.Size {
		entry.Size = newSize
	}
	entry.LocalPath = hashHex
	entry.Dirty = true
	entry.Timestamp = time.Now().Unix()
	entry.LastAccessed = entry.Timestamp

	if err := c.meta.Put(ctx, entry); err != nil {
		return err
	}
	if c.hot != nil {
		c.hot.Invalidate(path)
	}
	return nil
}

// rmwEdgeBlocks handles the read-modify-write rule: the first block
// of the write (if the write doesn't start on a block boundary) and
// the last block of the write (if it doesn't end on a block
// boundary) must have their existing content fetched from remote
// before the new bytes are overlaid, unless that block is already
// fully present.
func (c *Cache) rmwEdgeBlocks(ctx context.Context, hashHex, path string, pr partRange, first, last int, objectSize int64, isFirstRange, isLastRange bool) error {
	partPath := layout.DataPath(c.cfg.CacheRoot, hashHex, pr.partIdx)
	fileSize, err := partFileSize(partPath)
	if err != nil {
		return err
	}

	if isFirstRange {
		blockStart := int64(first) * c.cfg.BlockBytes
		if pr.lo > blockStart {
			if err := c.rmwOneBlock(ctx, hashHex, path, pr.partIdx, first, fileSize, objectSize); err != nil {
				return err
			}
		}
	}
	if isLastRange && (!isFirstRange || last != first) {
		blockEnd := int64(last+1)*c.cfg.BlockBytes - 1
		if pr.hi < blockEnd {
			if err := c.rmwOneBlock(ctx, hashHex, path, pr.partIdx, last, fileSize, objectSize); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) rmwOneBlock(ctx context.Context, hashHex, path string, partIdx, blockIdx int, fileSize, objectSize int64) error {
	present, err := c.isBlockPresent(hashHex, partIdx, blockIdx, fileSize)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	return c.fetchMissingRuns(ctx, hashHex, path, partIdx, blockIdx, blockIdx, objectSize)
}

// Truncate adjusts an object's size, deleting or zero-filling tail
// parts as required and marking the new last block dirty so it gets
// flushed even though no remote fetch produced it.
func (c *Cache) Truncate(ctx context.Context, path string, newSize int64) error {
	entry, err := c.meta.Get(ctx, path)
	if err != nil {
		return err
	}
	hashHex := layout.HashPath(path)

	if newSize < entry.Size {
		if err := c.truncateTailParts(hashHex, newSize, entry.Size); err != nil {
			return err
		}
	}

	if newSize > 0 {
		lastPart, lastOff := layout.PartIndex(newSize-1, c.cfg.PartBytes)
		lastBlock := layout.BlockIndex(lastOff, c.cfg.BlockBytes)
		c.meta.MarkDirtyBlock(hashHex, lastPart, lastBlock)
	}

	entry.Size = newSize
	entry.LocalPath = hashHex
	entry.Dirty = true
	entry.Timestamp = time.Now().Unix()
	entry.LastAccessed = entry.Timestamp
	return c.meta.Put(ctx, entry)
}

func (c *Cache) truncateTailParts(hashHex string, newSize, oldSize int64) error {
	newLastPart, newPartOff := layout.PartIndex(newSize, c.cfg.PartBytes)
	oldLastPart, _ := layout.PartIndex(oldSize-1, c.cfg.PartBytes)

	for p := oldLastPart; p > newLastPart; p-- {
		if err := removePartAndBitmap(c.cfg.CacheRoot, hashHex, p); err != nil {
			return err
		}
	}

	partPath := layout.DataPath(c.cfg.CacheRoot, hashHex, newLastPart)
	if err := truncateFile(partPath, newPartOff); err != nil {
		return err
	}
	return nil
}

// Rename moves an object's materialized part/bitmap files to the
// layout of its new path, carries over in-memory bitmap state, and
// rewrites its metadata row.
func (c *Cache) Rename(ctx context.Context, oldPath, newPath string) error {
	entry, err := c.meta.Get(ctx, oldPath)
	if err != nil {
		return err
	}

	oldHash := layout.HashPath(oldPath)
	newHash := layout.HashPath(newPath)

	if err := renameDirIfExists(layout.DataDir(c.cfg.CacheRoot, oldHash), layout.DataDir(c.cfg.CacheRoot, newHash)); err != nil {
		return err
	}
	if err := renameDirIfExists(layout.BitmapDir(c.cfg.CacheRoot, oldHash), layout.BitmapDir(c.cfg.CacheRoot, newHash)); err != nil {
		return err
	}
	c.meta.RenameBitmaps(oldHash, newHash)

	entry.Path = newPath
	entry.LocalPath = newHash
	if err := c.meta.Put(ctx, entry); err != nil {
		return err
	}
	if err := c.meta.Remove(ctx, oldPath); err != nil {
		return err
	}
	if c.hot != nil {
		c.hot.Invalidate(oldPath)
		c.hot.Invalidate(newPath)
	}
	return nil
}

// Unlink removes an object's local materialization and metadata row.
// It returns the removed entry so the dispatcher can decide whether a
// remote DELETE needs to be enqueued.
func (c *Cache) Unlink(ctx context.Context, path string) (metastore.Entry, error) {
	entry, err := c.meta.Get(ctx, path)
	if err != nil {
		return metastore.Entry{}, err
	}
	hashHex := layout.HashPath(path)

	if err := removeObjectDirs(c.cfg.CacheRoot, hashHex); err != nil {
		return metastore.Entry{}, err
	}
	c.meta.ForgetBitmaps(hashHex)

	if err := c.meta.Remove(ctx, path); err != nil {
		return metastore.Entry{}, err
	}
	if c.hot != nil {
		c.hot.Invalidate(path)
	}
	return entry, nil
}
