/*
Package blockcache is the cache's core decision layer: it turns a
logical (path, offset, size) read or write into positional I/O against
locally materialized part files, fetching whatever bytes are missing
from the remote object store and marking whatever bytes a local write
touches as dirty.

It is the only package that decides presence (bit set, or the part
file already extends through a block's range) and dirtiness (bit set);
internal/metastore stores that state durably, internal/remote supplies
the bytes a cache miss needs, and internal/hotcache optionally short-
circuits a read entirely when the same small range was served recently.

Every operation here corresponds directly to a step sequence in the
cache's data model: Read is the seven-step read algorithm (resolve,
compute blocks, load bitmaps, find missing, coalesce+fetch, read,
touch access time); Write is the six-step write algorithm (ensure row,
compute blocks, read-modify-write any partial edge block, positional
write, mark dirty, grow size and persist row).
*/
package blockcache
