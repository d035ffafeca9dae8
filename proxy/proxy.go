// Package proxy is the request pipeline: it classifies each intercepted
// browser request, then serves it from the storage engine, revalidates it
// against the origin, or fetches and opportunistically stores it. Auction
// and beacon traffic passes through untouched.
package proxy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lokah1945/CDN-EDGEProxy/classify"
	"github.com/lokah1945/CDN-EDGEProxy/download"
	"github.com/lokah1945/CDN-EDGEProxy/storage"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// cacheableResourceTypes screens which intercepted resource types may enter
// the cache pipeline at all. Documents take their own path.
var cacheableResourceTypes = map[string]struct{}{
	"stylesheet": {},
	"script":     {},
	"image":      {},
	"font":       {},
	"media":      {},
	"fetch":      {},
	"xhr":        {},
}

// Config wires the pipeline's collaborators.
type Config struct {
	Classifier *classify.Classifier
	Engine     *storage.Engine
	Coalescer  *download.Coalescer
	Logger     *slog.Logger
}

// Proxy handles intercepted requests. Construct once in main and share
// across request goroutines; it holds no per-request state.
type Proxy struct {
	classifier *classify.Classifier
	engine     *storage.Engine
	coalescer  *download.Coalescer
	logger     *slog.Logger
}

// New creates the pipeline. Classifier and Engine are required; a nil
// Coalescer disables inflight consolidation.
func New(cfg Config) (*Proxy, error) {
	if cfg.Classifier == nil {
		return nil, errors.New("proxy: classifier is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("proxy: storage engine is required")
	}
	if cfg.Coalescer == nil {
		cfg.Coalescer = download.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		classifier: cfg.Classifier,
		engine:     cfg.Engine,
		coalescer:  cfg.Coalescer,
		logger:     cfg.Logger,
	}, nil
}

// fetchOnce routes an outbound fetch through the coalescer, materializing
// the response body so all waiters share one fully read result.
func (p *Proxy) fetchOnce(ctx context.Context, key string, route Route, headers map[string]string) (*download.FetchResult, error) {
	res, _, err := p.coalescer.Do(ctx, key, func(fetchCtx context.Context) (*download.FetchResult, error) {
		resp, err := route.Fetch(fetchCtx, headers)
		if err != nil {
			return nil, err
		}
		body, err := resp.Body()
		if err != nil {
			return nil, err
		}
		return &download.FetchResult{Status: resp.Status(), Headers: resp.Headers(), Body: body}, nil
	})
	if err != nil {
		// Let the next request for this key retry rather than share a
		// cached failure.
		p.coalescer.Forget(key)
	}
	return res, err
}

// fulfill sends a response to the browser. A failing fulfill means the peer
// went away mid-request; that ends the task cleanly rather than erroring.
func (p *Proxy) fulfill(ctx context.Context, route Route, status int, headers map[string]string, body []byte) error {
	if err := route.Fulfill(ctx, status, headers, body); err != nil {
		p.logger.Warn("fulfill failed, peer likely disconnected",
			"request_id", telemetry.RequestIDFrom(ctx), "error", err)
	}
	return nil
}

func newRequestID() string {
	return uuid.NewString()
}
