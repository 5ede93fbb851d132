package writeback

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/internal/metastore"
)

// EvictOnce deletes clean objects' local materialization, oldest
// last_accessed first, until total on-disk size drops under
// 0.9 * CapacityBytes. Dirty rows are never touched. If the dirty set
// alone exceeds capacity, eviction stops and logs pressure rather
// than evicting dirty data.
func (m *Manager) EvictOnce(ctx context.Context) error {
	total, err := dirSize(filepath.Join(m.cfg.CacheRoot, "data"))
	if err != nil {
		return err
	}
	if total <= m.cfg.CapacityBytes {
		return nil
	}

	entries, err := m.meta.AllEntries(ctx)
	if err != nil {
		return err
	}

	var candidates []metastore.Entry
	for _, e := range entries {
		if !e.Dirty && e.LocalPath != "" {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed < candidates[j].LastAccessed
	})

	target := int64(float64(m.cfg.CapacityBytes) * 0.9)

	for _, e := range candidates {
		if total <= target {
			break
		}
		freed, err := m.evictEntry(ctx, e)
		if err != nil {
			m.logger.Warn("eviction failed for object, skipping", "path", e.Path, "error", err)
			continue
		}
		total -= freed
	}

	if total > target {
		m.logger.Warn("cache over capacity and dirty set alone exceeds target, eviction stalled",
			"total_bytes", total, "target_bytes", target, "capacity_bytes", m.cfg.CapacityBytes)
	}
	return nil
}

// evictEntry removes one object's local part/bitmap files and clears
// its local_path, returning the number of bytes freed. The metadata
// row itself survives so a later access re-fetches from remote.
func (m *Manager) evictEntry(ctx context.Context, e metastore.Entry) (int64, error) {
	hashHex := e.LocalPath

	mu := m.lockFor(hashHex)
	if !mu.TryLock() {
		return 0, nil // being flushed right now; leave it for next pass
	}
	defer mu.Unlock()

	freed, err := dirSize(layout.DataDir(m.cfg.CacheRoot, hashHex))
	if err != nil {
		return 0, err
	}

	if err := os.RemoveAll(layout.DataDir(m.cfg.CacheRoot, hashHex)); err != nil {
		return 0, err
	}
	if err := os.RemoveAll(layout.BitmapDir(m.cfg.CacheRoot, hashHex)); err != nil {
		return 0, err
	}
	m.meta.ForgetBitmaps(hashHex)

	e.LocalPath = ""
	if err := m.meta.Put(ctx, e); err != nil {
		return 0, err
	}
	return freed, nil
}
