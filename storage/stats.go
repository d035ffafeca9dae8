package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

const (
	// prefixLen bounds the URL prefix used for top-traffic attribution.
	prefixLen = 120

	// maxTrackedPrefixes bounds the prefix map. Once full, traffic to new
	// prefixes is still counted in the totals but not attributed.
	maxTrackedPrefixes = 512
)

// Counter accumulates events of one kind. BodyBytes is decompressed body
// size; WireBytes is the origin-advertised Content-Length, which separates
// disk savings from the compressed-wire savings surfaced to users.
type Counter struct {
	Count     int64 `json:"count"`
	BodyBytes int64 `json:"bodyBytes"`
	WireBytes int64 `json:"wireBytes"`
}

func (c *Counter) add(bodyBytes, wireBytes int64) {
	c.Count++
	c.BodyBytes += bodyBytes
	c.WireBytes += wireBytes
}

// Stats aggregates cache traffic counters for the periodic report and the
// debug surface. All methods are safe for concurrent use.
type Stats struct {
	mu             sync.Mutex
	byOutcome      map[string]*Counter
	byOrigin       map[string]*Counter
	byResourceType map[string]*Counter
	prefixBytes    map[string]int64
}

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{
		byOutcome:      make(map[string]*Counter),
		byOrigin:       make(map[string]*Counter),
		byResourceType: make(map[string]*Counter),
		prefixBytes:    make(map[string]int64),
	}
}

// Hit records a body served from cache without touching the origin.
func (s *Stats) Hit(ctx context.Context, url, resourceType, origin string, bodyBytes, wireBytes int64) {
	s.record(ctx, "hit", url, resourceType, origin, bodyBytes, wireBytes)
}

// Revalidated records a 304-confirmed replay from cache.
func (s *Stats) Revalidated(ctx context.Context, url, resourceType, origin string, bodyBytes, wireBytes int64) {
	s.record(ctx, "revalidated", url, resourceType, origin, bodyBytes, wireBytes)
}

// Miss records a body fetched from the origin.
func (s *Stats) Miss(ctx context.Context, url, resourceType, origin string, bodyBytes, wireBytes int64) {
	s.record(ctx, "miss", url, resourceType, origin, bodyBytes, wireBytes)
}

// DocHit records an HTML document confirmed unchanged and replayed.
func (s *Stats) DocHit(ctx context.Context, url string, bodyBytes, wireBytes int64) {
	s.record(ctx, "doc_hit", url, "document", "document", bodyBytes, wireBytes)
}

// DocMiss records an HTML document fetched (or refreshed) from the origin.
func (s *Stats) DocMiss(ctx context.Context, url string, bodyBytes, wireBytes int64) {
	s.record(ctx, "doc_miss", url, "document", "document", bodyBytes, wireBytes)
}

func (s *Stats) record(ctx context.Context, outcome, url, resourceType, origin string, bodyBytes, wireBytes int64) {
	s.mu.Lock()
	counterFor(s.byOutcome, outcome).add(bodyBytes, wireBytes)
	counterFor(s.byOrigin, origin).add(bodyBytes, wireBytes)
	counterFor(s.byResourceType, resourceType).add(bodyBytes, wireBytes)

	prefix := url
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}
	if _, tracked := s.prefixBytes[prefix]; tracked || len(s.prefixBytes) < maxTrackedPrefixes {
		s.prefixBytes[prefix] += bodyBytes
	}
	s.mu.Unlock()

	telemetry.RecordCacheEvent(ctx, outcome, resourceType, origin, bodyBytes, wireBytes)
}

func counterFor(m map[string]*Counter, key string) *Counter {
	c, ok := m[key]
	if !ok {
		c = &Counter{}
		m[key] = c
	}
	return c
}

// PrefixTraffic is one row of the top-URL-prefix report.
type PrefixTraffic struct {
	Prefix string `json:"prefix"`
	Bytes  int64  `json:"bytes"`
}

// Snapshot is a point-in-time copy of the collector, serializable for the
// debug surface and the periodic report.
type Snapshot struct {
	ByOutcome      map[string]Counter `json:"byOutcome"`
	ByOrigin       map[string]Counter `json:"byOrigin"`
	ByResourceType map[string]Counter `json:"byResourceType"`
	TopPrefixes    []PrefixTraffic    `json:"topPrefixes"`
}

// Snapshot copies the current counters. topN bounds the prefix report; 0
// means all tracked prefixes.
func (s *Stats) Snapshot(topN int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ByOutcome:      copyCounters(s.byOutcome),
		ByOrigin:       copyCounters(s.byOrigin),
		ByResourceType: copyCounters(s.byResourceType),
	}

	snap.TopPrefixes = make([]PrefixTraffic, 0, len(s.prefixBytes))
	for prefix, bytes := range s.prefixBytes {
		snap.TopPrefixes = append(snap.TopPrefixes, PrefixTraffic{Prefix: prefix, Bytes: bytes})
	}
	sort.Slice(snap.TopPrefixes, func(i, j int) bool {
		if snap.TopPrefixes[i].Bytes != snap.TopPrefixes[j].Bytes {
			return snap.TopPrefixes[i].Bytes > snap.TopPrefixes[j].Bytes
		}
		return snap.TopPrefixes[i].Prefix < snap.TopPrefixes[j].Prefix
	})
	if topN > 0 && len(snap.TopPrefixes) > topN {
		snap.TopPrefixes = snap.TopPrefixes[:topN]
	}
	return snap
}

func copyCounters(m map[string]*Counter) map[string]Counter {
	out := make(map[string]Counter, len(m))
	for k, v := range m {
		out[k] = *v
	}
	return out
}

// Outcome returns the counter for one outcome, zero if never recorded.
func (s *Stats) Outcome(outcome string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byOutcome[outcome]; ok {
		return *c
	}
	return Counter{}
}
