package writeback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/internal/metastore"
	"github.com/fusecache/fusecache/internal/remote"
)

// Flusher is the subset of internal/remote.Client the writeback
// manager needs to push dirty runs to the remote store.
type Flusher interface {
	Flush(ctx context.Context, path string, runs []remote.Run) error
}

// Config configures a Manager.
type Config struct {
	CacheRoot      string
	PartBytes      int64
	BlockBytes     int64
	CapacityBytes  int64
	FlushInterval  time.Duration
	MergeGapBlocks int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.MergeGapBlocks <= 0 {
		c.MergeGapBlocks = 4
	}
	return c
}

// Manager runs eviction and writeback against a metadata store and a
// remote flusher.
type Manager struct {
	cfg    Config
	meta   *metastore.Store
	remote Flusher
	logger *slog.Logger

	flushLocks sync.Map // hash_hex -> *sync.Mutex

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Manager. logger may be nil, in which case
// slog.Default() is used.
func New(cfg Config, meta *metastore.Store, remote Flusher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg.withDefaults(), meta: meta, remote: remote, logger: logger}
}

// Start launches the background ticker that drives writeback and
// eviction. It is a no-op if already started.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the background ticker and waits for the in-flight tick,
// if any, to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.WritebackOnce(ctx); err != nil {
				m.logger.Error("writeback pass failed", "error", err)
			}
			if err := m.EvictOnce(ctx); err != nil {
				m.logger.Error("eviction pass failed", "error", err)
			}
		}
	}
}

// FlushPath synchronously flushes one object, used by the dispatcher
// for fsync/flush. It is the same code path the periodic writeback
// tick uses.
func (m *Manager) FlushPath(ctx context.Context, path string) error {
	entry, err := m.meta.Get(ctx, path)
	if err != nil {
		return err
	}
	if !entry.Dirty {
		return nil
	}
	return m.flushEntry(ctx, entry)
}

// WritebackOnce scans every dirty row once and flushes each. A row
// already being flushed (its flush lock held) is skipped this tick;
// it will be retried on the next one.
func (m *Manager) WritebackOnce(ctx context.Context) error {
	entries, err := m.meta.AllEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Dirty {
			continue
		}
		if err := m.flushEntry(ctx, entry); err != nil {
			m.logger.Warn("flush failed, will retry next tick", "path", entry.Path, "error", err)
		}
	}
	return nil
}

func (m *Manager) lockFor(hashHex string) *sync.Mutex {
	actual, _ := m.flushLocks.LoadOrStore(hashHex, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// flushEntry runs the shadow-bitmap snapshot protocol for one object:
// snapshot every part's dirty bitmap, coalesce each into runs, push
// all runs to the remote store in one Flush call, and on success
// clear only the bits present in the snapshots. The row is marked
// clean and then dirty again if a write during the upload left bits
// set, so the next tick flushes them.
func (m *Manager) flushEntry(ctx context.Context, entry metastore.Entry) error {
	hashHex := entry.LocalPath
	if hashHex == "" {
		return nil // evicted and not yet re-fetched; nothing local to flush
	}

	mu := m.lockFor(hashHex)
	if !mu.TryLock() {
		return nil // a flush for this object is already in flight
	}
	defer mu.Unlock()

	numParts := 0
	if entry.Size > 0 {
		lastPart, _ := layout.PartIndex(entry.Size-1, m.cfg.PartBytes)
		numParts = lastPart + 1
	}
	blocksPerPart := layout.BlocksPerPart(m.cfg.PartBytes, m.cfg.BlockBytes)

	var runs []remote.Run
	snapshots := make(map[int][]bool, numParts)

	for partIdx := 0; partIdx < numParts; partIdx++ {
		snapshot, err := m.meta.SnapshotBitmap(hashHex, partIdx)
		if err != nil {
			return err
		}
		if len(snapshot) == 0 {
			continue
		}
		mask := padMask(snapshot, blocksPerPart)
		partRuns := remote.CoalesceRuns(mask, m.cfg.MergeGapBlocks)
		if len(partRuns) == 0 {
			continue
		}
		snapshots[partIdx] = snapshot

		partGlobalOffset := int64(partIdx) * m.cfg.PartBytes
		partPath := layout.DataPath(m.cfg.CacheRoot, hashHex, partIdx)

		for _, run := range partRuns {
			byteOffset := int64(run.StartBlock) * m.cfg.BlockBytes
			byteLen := int64(run.BlockCount) * m.cfg.BlockBytes
			objectOffset := partGlobalOffset + byteOffset
			if objectOffset >= entry.Size {
				continue
			}
			if objectOffset+byteLen > entry.Size {
				byteLen = entry.Size - objectOffset
			}
			data, err := readPartRange(partPath, byteOffset, byteLen)
			if err != nil {
				return err
			}
			runs = append(runs, remote.Run{Offset: objectOffset, Data: data})
		}
	}

	if len(runs) == 0 {
		return m.meta.MarkDirty(ctx, entry.Path, false)
	}

	if err := m.remote.Flush(ctx, entry.Path, runs); err != nil {
		return err // stays dirty; retried on the next tick
	}

	for partIdx, snapshot := range snapshots {
		m.meta.ClearSnapshotBits(hashHex, partIdx, snapshot)
	}
	if err := m.meta.FlushBitmaps(hashHex); err != nil {
		return err
	}
	if err := m.meta.MarkDirty(ctx, entry.Path, false); err != nil {
		return err
	}
	for partIdx := 0; partIdx < numParts; partIdx++ {
		bits, err := m.meta.SnapshotBitmap(hashHex, partIdx)
		if err != nil {
			return err
		}
		for _, set := range bits {
			if set {
				return m.meta.MarkDirty(ctx, entry.Path, true)
			}
		}
	}
	return nil
}

func padMask(snapshot []bool, blocksPerPart int) []bool {
	if len(snapshot) >= blocksPerPart {
		return snapshot
	}
	out := make([]bool, blocksPerPart)
	copy(out, snapshot)
	return out
}
