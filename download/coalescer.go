// Package download deduplicates concurrent origin fetches. A page load can
// fire dozens of requests for the same uncached asset before the first one
// lands; coalescing them onto one outbound fetch keeps the origin from
// seeing a thundering herd.
package download

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// FetchResult is the materialized outcome of one origin fetch: status,
// headers, and the fully read (decompressed) body.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// OK reports whether the fetch returned a 2xx status.
func (r *FetchResult) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Header looks up a response header case-insensitively via the stored map.
func (r *FetchResult) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// FetchFunc performs the outbound fetch. The context it receives is detached
// from any single caller so one waiter's cancellation cannot abort the fetch
// for the rest.
type FetchFunc func(ctx context.Context) (*FetchResult, error)

// Coalescer deduplicates concurrent fetches for the same cache key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Coalescer struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithLogger sets the logger for the coalescer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// New creates a new Coalescer.
func New(opts ...Option) *Coalescer {
	c := &Coalescer{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs fn once per key across concurrent callers, sharing the result.
// Returns the result, whether it was shared with another caller, and any
// error. Fetch duration and byte volume are recorded against the upstream
// fetch instruments.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (c *Coalescer) Do(ctx context.Context, key string, fn FetchFunc) (*FetchResult, bool, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		start := time.Now()
		// Detached context: no single caller's cancellation stops the fetch
		// for everyone else.
		res, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			outcome := "error"
			if ctx.Err() != nil {
				outcome = "canceled"
			}
			telemetry.RecordUpstreamFetch(ctx, time.Since(start), 0, outcome)
			return nil, err
		}
		telemetry.RecordUpstreamFetch(ctx, time.Since(start), int64(len(res.Body)), telemetry.FetchOutcome(res.Status))
		return res, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*FetchResult), res.Shared, nil
	case <-ctx.Done():
		c.logger.Debug("caller abandoned coalesced fetch", "key", key)
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (c *Coalescer) Forget(key string) {
	c.group.Forget(key)
}
