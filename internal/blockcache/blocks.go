package blockcache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/internal/remote"
)

// partRange is the portion of a part file touched by one step of a
// read or write spanning multiple parts: byte offsets [lo, hi]
// inclusive, relative to the start of the part.
type partRange struct {
	partIdx int
	lo, hi  int64 // inclusive byte offsets within the part
}

// splitIntoParts decomposes an object-relative byte range
// [offset, offset+size) into per-part ranges.
func (c *Cache) splitIntoParts(offset, size int64) []partRange {
	if size <= 0 {
		return nil
	}
	last := offset + size - 1
	startPart, startOff := layout.PartIndex(offset, c.cfg.PartBytes)
	endPart, endOff := layout.PartIndex(last, c.cfg.PartBytes)

	ranges := make([]partRange, 0, endPart-startPart+1)
	for p := startPart; p <= endPart; p++ {
		lo := int64(0)
		if p == startPart {
			lo = startOff
		}
		hi := c.cfg.PartBytes - 1
		if p == endPart {
			hi = endOff
		}
		ranges = append(ranges, partRange{partIdx: p, lo: lo, hi: hi})
	}
	return ranges
}

// partFileSize returns the current size of a part file, or 0 if it
// does not exist yet.
func partFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// blocksCovering returns the inclusive [first, last] block indices
// (relative to the start of a part) touched by the part-relative byte
// range [lo, hi].
func blocksCovering(lo, hi, blockBytes int64) (first, last int) {
	first = layout.BlockIndex(lo, blockBytes)
	last = layout.BlockIndex(hi, blockBytes)
	return
}

// missingMask builds, for blocks [first, last] of a part, a mask where
// true means "not present": the part file does not yet extend through
// the block's nominal byte range and the block's bit is not set.
func (c *Cache) missingMask(hashHex string, partIdx, first, last int, fileSize int64) ([]bool, error) {
	mask := make([]bool, last-first+1)
	for i := range mask {
		blockIdx := first + i
		blockEnd := int64(blockIdx+1) * c.cfg.BlockBytes
		if fileSize >= blockEnd {
			continue // already covered by file extent
		}
		set, err := c.meta.IsBlockSet(hashHex, partIdx, blockIdx)
		if err != nil {
			return nil, err
		}
		mask[i] = !set
	}
	return mask, nil
}

// isBlockPresent reports whether a single block already has usable
// data locally, either because the file extends through it or its
// dirty bit is set (locally authored, not yet flushed).
func (c *Cache) isBlockPresent(hashHex string, partIdx, blockIdx int, fileSize int64) (bool, error) {
	blockEnd := int64(blockIdx+1) * c.cfg.BlockBytes
	if fileSize >= blockEnd {
		return true, nil
	}
	return c.meta.IsBlockSet(hashHex, partIdx, blockIdx)
}

// fetchMissingRuns coalesces missing blocks in [first, last] of a
// part into maximal contiguous runs and fetches each one from the
// remote store, writing the bytes into the part file. Each fetch is
// clipped at objectSize, and runs that start at or past it are skipped.
func (c *Cache) fetchMissingRuns(ctx context.Context, hashHex, path string, partIdx, first, last int, objectSize int64) error {
	partPath := layout.DataPath(c.cfg.CacheRoot, hashHex, partIdx)
	fileSize, err := partFileSize(partPath)
	if err != nil {
		return err
	}

	mask, err := c.missingMask(hashHex, partIdx, first, last, fileSize)
	if err != nil {
		return err
	}

	runs := remote.CoalesceRuns(mask, 0)
	if len(runs) == 0 {
		return nil
	}

	partGlobalOffset := int64(partIdx) * c.cfg.PartBytes

	for _, run := range runs {
		absFirstBlock := first + run.StartBlock
		byteOffsetInPart := int64(absFirstBlock) * c.cfg.BlockBytes
		byteLen := int64(run.BlockCount) * c.cfg.BlockBytes

		objectOffset := partGlobalOffset + byteOffsetInPart
		if objectOffset >= objectSize {
			continue
		}
		if objectOffset+byteLen > objectSize {
			byteLen = objectSize - objectOffset
		}
		if byteLen <= 0 {
			continue
		}

		data, err := c.remote.Fetch(ctx, path, objectOffset, byteLen)
		if err != nil {
			return err
		}
		if err := writePartFile(partPath, byteOffsetInPart, data); err != nil {
			return err
		}
	}
	return nil
}

func writePartFile(partPath string, offset int64, data []byte) error {
	if err := ensureParentDir(partPath); err != nil {
		return err
	}
	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

func readPartFile(partPath string, offset, length int64) ([]byte, error) {
	f, err := os.Open(partPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make([]byte, length), nil
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n < int(length) {
		// A short read past the file's materialized extent (sparse
		// hole, or a concurrent truncate) is zero-filled rather than
		// treated as an error: presence is decided by the bitmap/
		// file-size checks above this call, not by this read.
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	return buf, nil
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
