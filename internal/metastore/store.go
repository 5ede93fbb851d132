package metastore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fusecache/fusecache/internal/layout"
	"github.com/fusecache/fusecache/pkg/ferrors"
)

// Entry is one row of the metadata table: everything the cache knows
// about a logical path's on-disk presence, independent of which
// blocks within it are actually populated (that detail lives in the
// bitmap files, see bitmap.go).
type Entry struct {
	Path         string
	LocalPath    string
	Size         int64
	Timestamp    int64 // unix seconds, object creation/last-write time
	LastAccessed int64 // unix seconds, used by the LRU evictor
	Dirty        bool
}

// Config configures a Store.
type Config struct {
	// CacheRoot is the cache's root directory; the metadata database
	// and all bitmap files live underneath it.
	CacheRoot string

	// PoolSize is the number of pooled SQLite connections. Defaults
	// to max(runtime.NumCPU(), 4).
	PoolSize int

	Logger *slog.Logger
}

// Store is the authoritative metadata and bitmap record for the
// cache. All methods are safe for concurrent use.
type Store struct {
	pool   *connPool
	logger *slog.Logger

	bitmaps *bitmapTable
}

// Open creates or opens the metastore database at
// layout.MetaDBPath(cfg.CacheRoot).
func Open(cfg Config) (*Store, error) {
	if cfg.CacheRoot == "" {
		return nil, fmt.Errorf("metastore: CacheRoot is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := openPool(poolConfig{
		Path:     layout.MetaDBPath(cfg.CacheRoot),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:    pool,
		logger:  logger,
		bitmaps: newBitmapTable(cfg.CacheRoot),
	}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Get returns the metadata row for path, or a not-found FSError if no
// row exists.
func (s *Store) Get(ctx context.Context, path string) (Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Entry{}, wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	var out Entry
	found := false
	err = sqlitex.Execute(conn,
		"SELECT local_path, size, timestamp, last_accessed, dirty FROM metadata WHERE path = ?;",
		&sqlitex.ExecOptions{
			Args: []any{path},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = Entry{
					Path:         path,
					LocalPath:    stmt.ColumnText(0),
					Size:         stmt.ColumnInt64(1),
					Timestamp:    stmt.ColumnInt64(2),
					LastAccessed: stmt.ColumnInt64(3),
					Dirty:        stmt.ColumnInt(4) != 0,
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Entry{}, ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: query failed").
			WithOperation("Get").WithPath(path).WithCause(err)
	}
	if !found {
		return Entry{}, ferrors.New(ferrors.ErrCodeNotFound, "metastore: no entry").
			WithOperation("Get").WithPath(path)
	}
	return out, nil
}

// Put upserts a metadata row, matching the remote cache's "insert or
// replace whole row" semantics: it always overwrites every column.
func (s *Store) Put(ctx context.Context, e Entry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	const query = `
INSERT INTO metadata (path, local_path, size, timestamp, last_accessed, dirty)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	local_path = excluded.local_path,
	size = excluded.size,
	timestamp = excluded.timestamp,
	last_accessed = excluded.last_accessed,
	dirty = excluded.dirty;`

	dirty := 0
	if e.Dirty {
		dirty = 1
	}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{e.Path, e.LocalPath, e.Size, e.Timestamp, e.LastAccessed, dirty},
	})
	if err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: upsert failed").
			WithOperation("Put").WithPath(e.Path).WithCause(err)
	}
	return nil
}

// UpdateAccessTime bumps last_accessed, used on every read/write hit
// so the evictor can find true least-recently-used candidates.
func (s *Store) UpdateAccessTime(ctx context.Context, path string, lastAccessed time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE metadata SET last_accessed = ? WHERE path = ?;",
		&sqlitex.ExecOptions{Args: []any{lastAccessed.Unix(), path}})
	if err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: access-time update failed").
			WithOperation("UpdateAccessTime").WithPath(path).WithCause(err)
	}
	return nil
}

// MarkDirty flips the dirty flag for path.
func (s *Store) MarkDirty(ctx context.Context, path string, dirty bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	d := 0
	if dirty {
		d = 1
	}
	err = sqlitex.Execute(conn, "UPDATE metadata SET dirty = ? WHERE path = ?;",
		&sqlitex.ExecOptions{Args: []any{d, path}})
	if err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: mark-dirty failed").
			WithOperation("MarkDirty").WithPath(path).WithCause(err)
	}
	return nil
}

// Remove deletes path's row. Callers are responsible for removing the
// underlying part and bitmap files first.
func (s *Store) Remove(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM metadata WHERE path = ?;",
		&sqlitex.ExecOptions{Args: []any{path}})
	if err != nil {
		return ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: delete failed").
			WithOperation("Remove").WithPath(path).WithCause(err)
	}
	return nil
}

// ListByPrefix returns every row whose path starts with prefix, used
// by the dispatcher's readdir to enumerate a directory's descendants
// before collapsing them into immediate children.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		"SELECT path, local_path, size, timestamp, last_accessed, dirty FROM metadata WHERE path GLOB ?;",
		&sqlitex.ExecOptions{
			Args: []any{prefix + "*"},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					Path:         stmt.ColumnText(0),
					LocalPath:    stmt.ColumnText(1),
					Size:         stmt.ColumnInt64(2),
					Timestamp:    stmt.ColumnInt64(3),
					LastAccessed: stmt.ColumnInt64(4),
					Dirty:        stmt.ColumnInt(5) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: prefix scan failed").
			WithOperation("ListByPrefix").WithCause(err)
	}
	return entries, nil
}

// AllEntries returns every row, used by the evictor to build its
// least-recently-used candidate list and by startup reconciliation.
func (s *Store) AllEntries(ctx context.Context) ([]Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrapConnErr(err)
	}
	defer s.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn,
		"SELECT path, local_path, size, timestamp, last_accessed, dirty FROM metadata;",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					Path:         stmt.ColumnText(0),
					LocalPath:    stmt.ColumnText(1),
					Size:         stmt.ColumnInt64(2),
					Timestamp:    stmt.ColumnInt64(3),
					LastAccessed: stmt.ColumnInt64(4),
					Dirty:        stmt.ColumnInt(5) != 0,
				})
				return nil
			},
		})
	if err != nil {
		return nil, ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: scan failed").
			WithOperation("AllEntries").WithCause(err)
	}
	return entries, nil
}

func wrapConnErr(err error) error {
	return ferrors.New(ferrors.ErrCodeMetadataCorruption, "metastore: connection unavailable").
		WithComponent("metastore").WithCause(err)
}
