/*
Package writeback runs the cache's two cooperative background
activities: eviction, which deletes clean objects' local
materialization once the cache grows past capacity, and periodic
writeback, which flushes dirty blocks to the remote store.

Writeback follows the shadow-bitmap snapshot protocol: a per-object
flush lock admits one flusher at a time, the dirty bitmap is snapshotted
at flush-start, and on success only the bits present in that snapshot
are cleared — bits set by a concurrent foreground write during the
flush survive and are picked up by the next tick. Bitmap-clear and
dirty-clear are only persisted after the remote flush succeeds, so a
crash between the two produces a redundant but harmless re-flush on
recovery, never data loss.

Eviction never touches a dirty row: it orders clean rows by ascending
last-access time and deletes their local part/bitmap files (not the
metadata row itself, which survives with its local materialization
cleared so a later access re-fetches) until the total on-disk size
drops back under the hysteresis threshold.
*/
package writeback
