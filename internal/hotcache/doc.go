/*
Package hotcache provides an in-process, read-through byte-range cache
sitting in front of the on-disk block cache.

It exists purely to absorb repeated small reads of the same byte range
(a `getattr` stat cache effect for data, common with sequential scanners
that re-read headers) without touching disk or the bitmap map. It holds
no authority over presence or dirty state — every invariant in the block
cache's data model is enforced with or without this package in the
call path.

# Architecture

	┌───────────────────────────┐
	│      internal/fusefs      │
	└─────────────┬─────────────┘
	              │
	┌─────────────▼─────────────┐
	│    internal/blockcache     │
	│  (authoritative: bitmaps,  │
	│   presence, dirty state)   │
	└─────────────┬─────────────┘
	              │ consults (read path only)
	┌─────────────▼─────────────┐
	│      hotcache.Cache        │  ← this package
	│   weighted LRU, in-memory  │
	└────────────────────────────┘

# Usage

	hc := hotcache.New(nil)
	if data := hc.Get("/a.txt", 0, 4096); data != nil {
	    return data, nil
	}
	data, err := fetchFromPartFile(...)
	hc.Put("/a.txt", 0, data)
*/
package hotcache
