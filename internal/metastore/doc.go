/*
Package metastore is the authoritative record of what the cache knows
about an object: where its cached bytes live on disk, how large it is,
when it was last touched, and whether it carries writes the remote
store hasn't seen yet.

It is backed by a single SQLite database (via zombiezen.com/go/sqlite,
not database/sql) sitting at the cache root, plus one packed bitmap
file per cached part recording per-block presence and dirty state. The
row table answers "do we have this object, and is it dirty"; a set
bit in a bitmap file marks a block written locally and not yet
flushed. blockcache counts a block as present when its bit is set or
the part file already extends through it.

A Store owns a pooled set of connections (one writer's worth of
traffic serialized by SQLite itself, reads fanned across the pool) and
an in-memory map of decoded bitmaps, guarded by a single RWMutex as
required by the single-writer/concurrent-readers model the rest of the
cache assumes of this layer.
*/
package metastore
