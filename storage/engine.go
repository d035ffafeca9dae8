// Package storage is the persistent cache behind the request pipeline: a
// content-addressed blob store with an in-memory metadata index, an alias
// index for cache-buster-proof lookups, FIFO eviction, and debounced
// crash-safe persistence.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

const (
	// DefaultMaxSize caps total cached body bytes.
	DefaultMaxSize = int64(2) << 40 // 2 TiB

	// DefaultBodyTTL is how long an entry is served without revalidation.
	DefaultBodyTTL = 24 * time.Hour

	// DefaultDebounceWindow batches index snapshot writes during put storms.
	DefaultDebounceWindow = 2 * time.Second

	// minStaleTTL floors the stale horizon regardless of BodyTTL.
	minStaleTTL = 7 * 24 * time.Hour

	// evictionTargetRatio is the fill level eviction drains down to.
	evictionTargetRatio = 0.9

	indexFileName      = "index.json"
	aliasIndexFileName = "alias-index.json"
)

// Config holds the engine's tunables.
type Config struct {
	// Dir is the cache directory root.
	Dir string

	// MaxSize is the total body byte cap. Default 2 TiB.
	MaxSize int64

	// BodyTTL is the freshness window. Default 24h.
	BodyTTL time.Duration

	// DebounceWindow delays index snapshot writes to batch bursts.
	// Zero means the 2s default; negative flushes synchronously on every
	// mutation.
	DebounceWindow time.Duration

	// DisableJournal turns off the bbolt write-ahead journal. Metadata
	// written inside a debounce window is then lost on crash.
	DisableJournal bool

	// Logger receives warnings and the startup report.
	Logger *slog.Logger

	// Now overrides the time source. Tests use it to age entries.
	Now func() time.Time
}

// Engine owns the cache directory. Exactly one engine instance may own a
// directory at a time; there is no cross-process coordination.
type Engine struct {
	cfg      Config
	staleTTL time.Duration
	logger   *slog.Logger
	blobs    *blobStore
	journal  *Journal
	stats    *Stats
	now      func() time.Time

	mu         sync.Mutex
	index      map[string]*Entry
	aliases    map[string]string
	hot        map[string][]byte
	blobRefs   map[string]int
	dedup      map[string]struct{}
	totalSize  int64
	dirty      bool
	flushTimer *time.Timer
	ready      bool
}

// New creates an engine over the cache directory. Call Init before serving.
func New(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage: cache directory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.BodyTTL <= 0 {
		cfg.BodyTTL = DefaultBodyTTL
	}
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	blobs, err := newBlobStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	staleTTL := 30 * cfg.BodyTTL
	if staleTTL < minStaleTTL {
		staleTTL = minStaleTTL
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:      cfg,
		staleTTL: staleTTL,
		logger:   cfg.Logger,
		blobs:    blobs,
		stats:    NewStats(),
		now:      now,
		index:    make(map[string]*Entry),
		aliases:  make(map[string]string),
		hot:      make(map[string][]byte),
		blobRefs: make(map[string]int),
		dedup:    make(map[string]struct{}),
	}, nil
}

// Init loads the on-disk snapshots, replays the journal, prunes entries
// whose blob is gone, preloads the hot tier, sweeps orphan blobs, and
// persists the cleaned index. Idempotent.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.index = make(map[string]*Entry)
	e.aliases = make(map[string]string)
	e.hot = make(map[string][]byte)
	e.blobRefs = make(map[string]int)
	e.dedup = make(map[string]struct{})
	e.totalSize = 0

	if err := e.loadJSON(indexFileName, &e.index); err != nil {
		e.logger.Warn("index snapshot unreadable, starting fresh", "file", indexFileName, "error", err)
		e.index = make(map[string]*Entry)
	}
	if err := e.loadJSON(aliasIndexFileName, &e.aliases); err != nil {
		e.logger.Warn("alias index snapshot unreadable, starting fresh", "file", aliasIndexFileName, "error", err)
		e.aliases = make(map[string]string)
	}

	if !e.cfg.DisableJournal && e.journal == nil {
		journal, err := OpenJournal(filepath.Join(e.cfg.Dir, journalFileName))
		if err != nil {
			e.logger.Warn("journal unavailable, continuing without it", "error", err)
		} else {
			e.journal = journal
		}
	}
	if e.journal != nil {
		replayed, err := e.journal.Replay(e.index, e.aliases)
		if err != nil {
			e.logger.Warn("journal replay failed", "error", err)
		} else if replayed > 0 {
			e.logger.Info("replayed journal", "operations", replayed)
		}
	}

	// Entries whose blob file vanished are unservable; drop them before
	// taking traffic. Surviving blobs are pulled into the hot tier.
	pruned := 0
	for key, entry := range e.index {
		hash, err := edgeproxy.ParseHash(entry.BlobHash)
		if err != nil {
			delete(e.index, key)
			pruned++
			continue
		}
		if _, ok := e.hot[entry.BlobHash]; !ok {
			body, err := e.blobs.read(ctx, hash)
			if err != nil {
				delete(e.index, key)
				pruned++
				continue
			}
			e.hot[entry.BlobHash] = body
		}
		e.blobRefs[entry.BlobHash]++
		e.totalSize += entry.Size
	}

	for alias, key := range e.aliases {
		if _, ok := e.index[key]; !ok {
			delete(e.aliases, alias)
		}
	}

	// Blobs left behind by a crashed eviction or a failed put are reaped now.
	orphans := 0
	if hashes, err := e.blobs.walk(ctx); err != nil {
		e.logger.Warn("blob sweep failed", "error", err)
	} else {
		for _, h := range hashes {
			if e.blobRefs[h.String()] > 0 {
				continue
			}
			if err := e.blobs.remove(ctx, h); err != nil {
				e.logger.Warn("deleting orphan blob", "hash", h.ShortString(), "error", err)
				continue
			}
			orphans++
		}
	}

	e.dirty = true
	if err := e.writeSnapshotsLocked(ctx); err != nil {
		return fmt.Errorf("storage: persisting pruned index: %w", err)
	}

	e.ready = true
	e.logger.Info("storage engine ready",
		"entries", len(e.index),
		"aliases", len(e.aliases),
		"total_bytes", e.totalSize,
		"pruned_entries", pruned,
		"orphan_blobs", orphans,
	)
	return nil
}

// Ready reports whether Init has completed.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Stats returns the traffic counter collector.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// BodyTTL returns the configured freshness window.
func (e *Engine) BodyTTL() time.Duration {
	return e.cfg.BodyTTL
}

// PeekMeta returns the entry for key regardless of age. It never deletes
// stale entries; revalidation depends on finding them.
func (e *Engine) PeekMeta(key string) (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyEntryLocked(key)
}

// PeekMetaAllowStale returns the entry for key unless it has aged past the
// stale horizon, after which it is treated as absent.
func (e *Engine) PeekMetaAllowStale(key string) (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.copyEntryLocked(key)
	if !ok {
		return nil, false
	}
	if e.ageOf(entry) >= e.staleTTL {
		return nil, false
	}
	return entry, true
}

// PeekAlias resolves an alias to its canonical entry, subject to the stale
// horizon.
func (e *Engine) PeekAlias(alias string) (*Entry, string, bool) {
	e.mu.Lock()
	key, ok := e.aliases[alias]
	e.mu.Unlock()
	if !ok {
		return nil, "", false
	}
	entry, ok := e.PeekMetaAllowStale(key)
	if !ok {
		return nil, "", false
	}
	return entry, key, true
}

// IsFresh reports whether the entry is inside the freshness window and may
// be served without revalidation.
func (e *Engine) IsFresh(entry *Entry) bool {
	return e.ageOf(entry) < e.cfg.BodyTTL
}

// GetBlob returns the body for a blob hash, reading through to disk on a hot
// tier miss.
func (e *Engine) GetBlob(ctx context.Context, blobHash string) ([]byte, bool) {
	e.mu.Lock()
	if body, ok := e.hot[blobHash]; ok {
		e.mu.Unlock()
		return body, true
	}
	e.mu.Unlock()

	hash, err := edgeproxy.ParseHash(blobHash)
	if err != nil {
		return nil, false
	}
	body, err := e.blobs.read(ctx, hash)
	if err != nil {
		if !errors.Is(err, errBlobMissing) {
			e.logger.Warn("blob read failed", "hash", hash.ShortString(), "error", err)
		}
		return nil, false
	}

	e.mu.Lock()
	e.hot[blobHash] = body
	e.mu.Unlock()
	return body, true
}

// RefreshTTL restamps an entry after a 304 confirmed the stored body is
// still current.
func (e *Engine) RefreshTTL(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.index[key]
	if !ok {
		return
	}
	entry.StoredAt = e.nowMillis()
	e.journalPutLocked(key, entry)
	e.markDirtyLocked()
}

// Put stores a fetched asset body and its metadata under key, optionally
// binding aliasKey to it. The blob write is atomic; on write failure no
// metadata is committed and the caller serves the body uncached.
func (e *Engine) Put(ctx context.Context, key, url string, body []byte, respHeaders map[string]string, resourceType string, origin edgeproxy.Origin, aliasKey string) error {
	return e.put(ctx, key, url, body, respHeaders, assetHeaderAllowlist, resourceType, string(origin), aliasKey, true)
}

// PutDocument stores an HTML document body and its metadata. Documents keep
// the wider header allowlist and skip dedup accounting.
func (e *Engine) PutDocument(ctx context.Context, key, url string, body []byte, respHeaders map[string]string) error {
	return e.put(ctx, key, url, body, respHeaders, documentHeaderAllowlist, "document", "document", "", false)
}

func (e *Engine) put(ctx context.Context, key, url string, body []byte, respHeaders map[string]string, allow map[string]struct{}, resourceType, origin, aliasKey string, markDedup bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash := edgeproxy.HashBytes(body)
	existed, err := e.blobs.write(ctx, hash, body)
	if err != nil {
		e.logger.Warn("blob write failed, serving uncached", "url", url, "error", err)
		return fmt.Errorf("storage: %w", err)
	}
	blobHash := hash.String()
	telemetry.RecordBlobWrite(ctx, int64(len(body)), !existed)

	if markDedup && existed {
		e.dedup[key] = struct{}{}
	}
	e.hot[blobHash] = body

	entry := newEntry(url, blobHash, e.nowMillis(), respHeaders, allow, resourceType, origin, int64(len(body)))

	old := e.index[key]
	e.index[key] = entry
	e.blobRefs[blobHash]++
	e.totalSize += entry.Size
	if old != nil {
		e.totalSize -= old.Size
		e.dropBlobRefLocked(ctx, old.BlobHash)
	}

	if aliasKey != "" {
		e.aliases[aliasKey] = key
		if e.journal != nil {
			if err := e.journal.RecordAlias(aliasKey, key); err != nil {
				e.logger.Warn("journal alias write failed", "error", err)
			}
		}
	}

	e.journalPutLocked(key, entry)
	e.markDirtyLocked()
	e.evictLocked(ctx)
	return nil
}

// Flush cancels any pending debounce timer and writes both index snapshots
// if there are unpersisted mutations. It must complete before process exit.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	return e.writeSnapshotsLocked(ctx)
}

// Close flushes pending state and releases the journal.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Flush(ctx)
	if jerr := e.journal.Close(); jerr != nil && err == nil {
		err = jerr
	}
	return err
}

// DedupCount returns how many distinct cache keys have had a put that found
// the body's blob already stored.
func (e *Engine) DedupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dedup)
}

// Report summarizes the engine for the periodic report and debug surface.
type Report struct {
	Entries    int      `json:"entries"`
	Aliases    int      `json:"aliases"`
	TotalBytes int64    `json:"totalBytes"`
	HotBytes   int64    `json:"hotBytes"`
	MaxBytes   int64    `json:"maxBytes"`
	DedupKeys  int      `json:"dedupKeys"`
	Traffic    Snapshot `json:"traffic"`
}

// Report snapshots engine state and traffic counters. topN bounds the
// top-prefix list.
func (e *Engine) Report(ctx context.Context, topN int) Report {
	e.mu.Lock()
	var hotBytes int64
	for _, b := range e.hot {
		hotBytes += int64(len(b))
	}
	r := Report{
		Entries:    len(e.index),
		Aliases:    len(e.aliases),
		TotalBytes: e.totalSize,
		HotBytes:   hotBytes,
		MaxBytes:   e.cfg.MaxSize,
		DedupKeys:  len(e.dedup),
	}
	e.mu.Unlock()

	r.Traffic = e.stats.Snapshot(topN)
	telemetry.UpdateIndexState(ctx, r.Entries, r.TotalBytes, r.HotBytes, r.MaxBytes)
	return r
}

func (e *Engine) copyEntryLocked(key string) (*Entry, bool) {
	entry, ok := e.index[key]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

func (e *Engine) ageOf(entry *Entry) time.Duration {
	return time.Duration(e.nowMillis()-entry.StoredAt) * time.Millisecond
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

func (e *Engine) journalPutLocked(key string, entry *Entry) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordPut(key, entry); err != nil {
		e.logger.Warn("journal write failed", "error", err)
	}
}

// dropBlobRefLocked decrements a blob's reference count and deletes the blob
// from the hot tier and disk once nothing references it. Unlink failures are
// left for the next startup's orphan sweep.
func (e *Engine) dropBlobRefLocked(ctx context.Context, blobHash string) {
	e.blobRefs[blobHash]--
	if e.blobRefs[blobHash] > 0 {
		return
	}
	delete(e.blobRefs, blobHash)
	delete(e.hot, blobHash)
	hash, err := edgeproxy.ParseHash(blobHash)
	if err != nil {
		return
	}
	if err := e.blobs.remove(ctx, hash); err != nil {
		e.logger.Warn("blob unlink failed, orphan remains", "hash", hash.ShortString(), "error", err)
	}
}

// markDirtyLocked schedules a debounced snapshot write. Later mutations
// inside the window do not reschedule, so a put storm produces one write.
func (e *Engine) markDirtyLocked() {
	e.dirty = true
	if e.cfg.DebounceWindow < 0 {
		if err := e.writeSnapshotsLocked(context.Background()); err != nil {
			e.logger.Warn("snapshot write failed", "error", err)
		}
		return
	}
	if e.flushTimer != nil {
		return
	}
	e.flushTimer = time.AfterFunc(e.cfg.DebounceWindow, func() {
		if err := e.Flush(context.Background()); err != nil {
			e.logger.Warn("debounced flush failed", "error", err)
		}
	})
}

// writeSnapshotsLocked atomically writes both index files and clears the
// journal. No-op when nothing is dirty.
func (e *Engine) writeSnapshotsLocked(ctx context.Context) error {
	if !e.dirty {
		return nil
	}
	start := time.Now()

	indexJSON, err := json.Marshal(e.index)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	aliasJSON, err := json.Marshal(e.aliases)
	if err != nil {
		return fmt.Errorf("encoding alias index: %w", err)
	}
	if err := writeFileAtomic(ctx, filepath.Join(e.cfg.Dir, indexFileName), indexJSON); err != nil {
		telemetry.RecordFlush(ctx, time.Since(start), "error")
		return fmt.Errorf("writing index snapshot: %w", err)
	}
	if err := writeFileAtomic(ctx, filepath.Join(e.cfg.Dir, aliasIndexFileName), aliasJSON); err != nil {
		telemetry.RecordFlush(ctx, time.Since(start), "error")
		return fmt.Errorf("writing alias index snapshot: %w", err)
	}

	e.dirty = false
	if e.journal != nil {
		if err := e.journal.Reset(); err != nil {
			e.logger.Warn("journal reset failed", "error", err)
		}
	}
	telemetry.RecordFlush(ctx, time.Since(start), "success")
	return nil
}

// loadJSON reads a snapshot file from the cache directory. A missing or
// empty file is a fresh start, not an error.
func (e *Engine) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(e.cfg.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
