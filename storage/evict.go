package storage

import (
	"context"
	"sort"
	"time"

	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// evictLocked enforces the size cap after a put. Entries are dropped oldest
// stored-at first until total body bytes fall to the eviction target, blobs
// are unlinked once unreferenced, and the index is persisted immediately so
// a crash cannot resurrect evicted metadata.
func (e *Engine) evictLocked(ctx context.Context) {
	if e.totalSize <= e.cfg.MaxSize {
		return
	}
	start := time.Now()
	target := int64(float64(e.cfg.MaxSize) * evictionTargetRatio)

	type aged struct {
		key   string
		entry *Entry
	}
	entries := make([]aged, 0, len(e.index))
	for key, entry := range e.index {
		entries = append(entries, aged{key: key, entry: entry})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.StoredAt < entries[j].entry.StoredAt
	})

	evicted := 0
	var freed int64
	for _, victim := range entries {
		if e.totalSize <= target {
			break
		}
		delete(e.index, victim.key)
		delete(e.dedup, victim.key)
		e.totalSize -= victim.entry.Size
		freed += victim.entry.Size
		evicted++
		e.dropBlobRefLocked(ctx, victim.entry.BlobHash)
		if e.journal != nil {
			if err := e.journal.RecordDelete(victim.key); err != nil {
				e.logger.Warn("journal delete failed", "error", err)
			}
		}
	}

	// Aliases pointing at evicted keys are dead weight; drop them with the
	// entries they referenced.
	for alias, key := range e.aliases {
		if _, ok := e.index[key]; !ok {
			delete(e.aliases, alias)
		}
	}

	e.dirty = true
	if err := e.writeSnapshotsLocked(ctx); err != nil {
		e.logger.Warn("post-eviction snapshot write failed", "error", err)
	}

	telemetry.RecordEvictionRun(ctx, evicted, freed, time.Since(start))
	e.logger.Info("eviction run",
		"evicted", evicted,
		"freed_bytes", freed,
		"total_bytes", e.totalSize,
		"max_bytes", e.cfg.MaxSize,
	)
}
