package metastore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// poolConfig holds the parameters for opening the metastore's
// connection pool.
type poolConfig struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// connPool is a fixed-size pool of SQLite connections, all WAL mode,
// tuned for a single local writer and many concurrent readers from the
// dispatcher's goroutines.
type connPool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func openPool(cfg poolConfig) (*connPool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("metastore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("metastore pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &connPool{inner: inner, logger: logger, path: cfg.Path}, nil
}

func (p *connPool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("metastore: take: %w", err)
	}
	return conn, nil
}

func (p *connPool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *connPool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("metastore pool close error", "path", p.path, "error", err)
		return fmt.Errorf("metastore: closing %s: %w", p.path, err)
	}
	p.logger.Info("metastore pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the pragmas every metastore connection
// needs: WAL for concurrent readers, a bounded busy timeout so a
// blocked writer surfaces as an error rather than hanging the
// dispatcher, and the schema (idempotent, safe to run on every open).
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("metastore: %s: %w", pragma, err)
		}
	}

	return sqlitex.ExecuteScript(conn, createSchema, nil)
}

const createSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	path TEXT PRIMARY KEY,
	local_path TEXT,
	size INTEGER,
	timestamp INTEGER,
	last_accessed INTEGER,
	dirty INTEGER
);
`
