package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalReplayAppliesPuts(t *testing.T) {
	j := newTestJournal(t)

	entry := &Entry{URL: "https://cdn.example/a.js", BlobHash: strings.Repeat("ab", 32), StoredAt: 1000, Size: 3}
	require.NoError(t, j.RecordPut("key1", entry))
	require.NoError(t, j.RecordAlias("alias|a", "key1"))

	index := make(map[string]*Entry)
	aliases := make(map[string]string)
	replayed, err := j.Replay(index, aliases)
	require.NoError(t, err)
	require.Equal(t, 2, replayed)
	require.Equal(t, entry.URL, index["key1"].URL)
	require.Equal(t, "key1", aliases["alias|a"])
}

func TestJournalTombstoneRemovesEntry(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.RecordPut("key1", &Entry{URL: "u", BlobHash: strings.Repeat("00", 32)}))
	require.NoError(t, j.RecordDelete("key1"))

	// The snapshot still carries the entry; the tombstone removes it.
	index := map[string]*Entry{"key1": {URL: "u"}}
	aliases := make(map[string]string)
	_, err := j.Replay(index, aliases)
	require.NoError(t, err)
	require.NotContains(t, index, "key1")
}

func TestJournalRePutSupersedesTombstone(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.RecordDelete("key1"))
	require.NoError(t, j.RecordPut("key1", &Entry{URL: "back", BlobHash: strings.Repeat("11", 32)}))

	index := make(map[string]*Entry)
	_, err := j.Replay(index, map[string]string{})
	require.NoError(t, err)
	require.Contains(t, index, "key1")
	require.Equal(t, "back", index["key1"].URL)
}

func TestJournalResetClearsEverything(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.RecordPut("key1", &Entry{URL: "u", BlobHash: strings.Repeat("22", 32)}))
	require.NoError(t, j.Reset())

	index := make(map[string]*Entry)
	replayed, err := j.Replay(index, map[string]string{})
	require.NoError(t, err)
	require.Zero(t, replayed)
	require.Empty(t, index)
}

func TestJournalCompressesLargeEntries(t *testing.T) {
	j := newTestJournal(t)

	// Headers bulky enough to cross the compression threshold.
	big := &Entry{
		URL:      "https://cdn.example/big.js",
		BlobHash: strings.Repeat("cd", 32),
		Headers:  map[string]string{"cache-control": strings.Repeat("public, max-age=3600, ", 200)},
	}
	require.NoError(t, j.RecordPut("bigkey", big))

	index := make(map[string]*Entry)
	_, err := j.Replay(index, map[string]string{})
	require.NoError(t, err)
	require.Equal(t, big.Headers["cache-control"], index["bigkey"].Headers["cache-control"])
}

func TestEngineReplaysJournalAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1700000000, 0)}

	cfg := Config{
		Dir: dir,
		// A long debounce window keeps the snapshot stale, as it would be
		// in the moments before a crash.
		DebounceWindow: time.Hour,
		BodyTTL:        time.Hour,
		Now:            clock.Now,
	}
	e1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Init(ctx))

	body := []byte("journaled body")
	require.NoError(t, e1.Put(ctx, "key1", "https://cdn.example/a.js", body, nil, "script", edgeproxy.OriginThirdParty, "alias|a"))

	// Simulate a crash: release the journal's file lock without flushing
	// the JSON snapshots.
	require.NoError(t, e1.journal.Close())
	e1.journal = nil

	e2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e2.Init(ctx))
	defer func() { _ = e2.Close(ctx) }()

	entry, ok := e2.PeekMeta("key1")
	require.True(t, ok)
	require.Equal(t, "https://cdn.example/a.js", entry.URL)

	got, ok := e2.GetBlob(ctx, entry.BlobHash)
	require.True(t, ok)
	require.Equal(t, body, got)

	_, key, ok := e2.PeekAlias("alias|a")
	require.True(t, ok)
	require.Equal(t, "key1", key)
}
