package proxy

import (
	"context"
	"net/http"

	"github.com/lokah1945/CDN-EDGEProxy/classify"
	"github.com/lokah1945/CDN-EDGEProxy/download"
	"github.com/lokah1945/CDN-EDGEProxy/normalize"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// Handle processes one intercepted request to a terminal action: exactly one
// of Continue or Fulfill, or an error when a cold-miss fetch failed with
// nothing cached to fall back on.
func (p *Proxy) Handle(ctx context.Context, route Route) error {
	ctx = telemetry.WithRequestID(ctx, newRequestID())
	req := route.Request()

	if req.Method != http.MethodGet {
		return route.Continue(ctx)
	}

	if req.ResourceType == "document" {
		return p.handleDocument(ctx, route, req)
	}

	if _, ok := cacheableResourceTypes[req.ResourceType]; !ok {
		return route.Continue(ctx)
	}

	cls := p.classifier.Classify(req.URL, req.ResourceType)
	if cls.Class.Bypass() {
		telemetry.RecordCacheEvent(ctx, telemetry.OutcomeBypass, req.ResourceType, string(cls.Origin), 0, 0)
		p.logger.Debug("bypass",
			"request_id", telemetry.RequestIDFrom(ctx),
			"class", cls.Class.String(), "url", req.URL)
		return route.Continue(ctx)
	}

	canonical := normalize.Canonical(req.URL, cls.Origin)
	baseKey := normalize.CacheKey(canonical)
	aliasKey, hasAlias := normalize.Alias(req.URL)

	cacheKey := baseKey
	meta, found := p.engine.PeekMetaAllowStale(cacheKey)

	// A stored Vary: Accept means the canonical key is variant-scoped; the
	// base entry tells us which variant key to look under.
	if found && meta.Vary != "" {
		varied := normalize.VarySuffix(canonical, req.Header("accept"), meta.Vary)
		if varied != canonical {
			cacheKey = normalize.CacheKey(varied)
			meta, found = p.engine.PeekMetaAllowStale(cacheKey)
		}
	}

	usedAlias := false
	if !found && hasAlias {
		if aliased, _, ok := p.engine.PeekAlias(aliasKey); ok {
			meta, found, usedAlias = aliased, true, true
		}
	}

	// The entry located at lookup time backs the stale-rescue path even
	// after the fresh/revalidate branches give up on it.
	rescueMeta := meta

	if found && p.engine.IsFresh(meta) {
		if body, ok := p.engine.GetBlob(ctx, meta.BlobHash); ok {
			p.engine.Stats().Hit(ctx, req.URL, req.ResourceType, string(cls.Origin), int64(len(body)), int64(len(body)))
			return p.fulfill(ctx, route, http.StatusOK, replayHeaders(meta.Headers), body)
		}
		// Blob lost underneath the entry; treat as absent.
		meta, found = nil, false
	}

	if found && meta.HasValidators() {
		result, err := p.fetchOnce(ctx, cacheKey, route, conditionalHeaders(req.Headers, meta.ETag, meta.LastModified))
		switch {
		case err != nil:
			// Stale-hit: the origin is unreachable but we still hold a body.
			if body, ok := p.engine.GetBlob(ctx, meta.BlobHash); ok {
				p.logger.Info("stale-hit, origin unreachable",
					"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
				p.engine.Stats().Hit(ctx, req.URL, req.ResourceType, string(cls.Origin), int64(len(body)), int64(len(body)))
				return p.fulfill(ctx, route, http.StatusOK, replayHeaders(meta.Headers), body)
			}
			// Nothing to serve; fall through to the cold-miss fetch.

		case result.Status == http.StatusNotModified:
			if body, ok := p.engine.GetBlob(ctx, meta.BlobHash); ok {
				p.engine.RefreshTTL(cacheKey)
				if usedAlias {
					// Alias promotion: register the canonical key so the next
					// direct request is a fresh hit.
					if err := p.engine.Put(ctx, cacheKey, req.URL, body, meta.Headers, req.ResourceType, cls.Origin, aliasKey); err != nil {
						p.logger.Warn("alias promotion failed",
							"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
					}
				}
				p.engine.Stats().Revalidated(ctx, req.URL, req.ResourceType, string(cls.Origin), int64(len(body)), int64(len(body)))
				return p.fulfill(ctx, route, http.StatusOK, replayHeaders(meta.Headers), body)
			}
			// 304 confirmed a body we no longer have; refetch below.

		default:
			// Content changed (or errored): serve and restore per miss rules.
			return p.finishAssetMiss(ctx, route, req, cls, canonical, baseKey, aliasKey, result)
		}
	}

	result, err := p.fetchOnce(ctx, baseKey, route, outboundHeaders(req.Headers))
	if err != nil {
		// Last-resort stale-rescue from whatever lookup surfaced earlier.
		// The unchecked peek also rescues entries past the stale horizon;
		// a years-old body beats a network error.
		if rescueMeta == nil {
			if ancient, ok := p.engine.PeekMeta(baseKey); ok {
				rescueMeta = ancient
			}
		}
		if rescueMeta != nil {
			if body, ok := p.engine.GetBlob(ctx, rescueMeta.BlobHash); ok {
				p.logger.Info("stale-rescue, cold fetch failed",
					"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
				telemetry.RecordCacheEvent(ctx, telemetry.OutcomeRescue, req.ResourceType, string(cls.Origin), int64(len(body)), 0)
				return p.fulfill(ctx, route, http.StatusOK, replayHeaders(rescueMeta.Headers), body)
			}
		}
		return err
	}
	return p.finishAssetMiss(ctx, route, req, cls, canonical, baseKey, aliasKey, result)
}

// finishAssetMiss serves an origin response and stores it when it qualifies:
// 2xx, non-empty, and (for fetch/xhr) a cache-worthy content type.
func (p *Proxy) finishAssetMiss(ctx context.Context, route Route, req Request, cls classify.Result, canonical, baseKey, aliasKey string, result *download.FetchResult) error {
	body := result.Body
	wire := wireBytes(result.Header("content-length"), len(body))

	isFetchLike := req.ResourceType == "fetch" || req.ResourceType == "xhr"
	if isFetchLike && !classify.ShouldCacheByContentType(result.Header("content-type")) {
		p.engine.Stats().Miss(ctx, req.URL, req.ResourceType, string(cls.Origin), int64(len(body)), wire)
		return p.fulfill(ctx, route, result.Status, stripEncoding(result.Headers), body)
	}

	if result.OK() && len(body) > 0 {
		p.storeAsset(ctx, req, cls, canonical, baseKey, aliasKey, result)
		p.engine.Stats().Miss(ctx, req.URL, req.ResourceType, string(cls.Origin), int64(len(body)), wire)
	} else {
		// Non-2xx or empty body: nothing stored, recorded as a zero-byte miss.
		p.engine.Stats().Miss(ctx, req.URL, req.ResourceType, string(cls.Origin), 0, 0)
	}
	return p.fulfill(ctx, route, result.Status, stripEncoding(result.Headers), body)
}

// storeAsset writes the fetched body under its canonical key. When the
// response varies on Accept, the body lands under the variant-suffixed key
// and a base-key entry records the Vary so later lookups find the variant.
// Store failures only cost us the cache insertion; the current response is
// served regardless.
func (p *Proxy) storeAsset(ctx context.Context, req Request, cls classify.Result, canonical, baseKey, aliasKey string, result *download.FetchResult) {
	storeKey := baseKey
	if vary := result.Header("vary"); vary != "" {
		if varied := normalize.VarySuffix(canonical, req.Header("accept"), vary); varied != canonical {
			storeKey = normalize.CacheKey(varied)
		}
	}

	if err := p.engine.Put(ctx, storeKey, req.URL, result.Body, result.Headers, req.ResourceType, cls.Origin, aliasKey); err != nil {
		p.logger.Warn("store failed, serving uncached",
			"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
		return
	}
	if storeKey != baseKey {
		// Base entry shares the blob and carries the Vary marker.
		if err := p.engine.Put(ctx, baseKey, req.URL, result.Body, result.Headers, req.ResourceType, cls.Origin, ""); err != nil {
			p.logger.Warn("vary base entry store failed",
				"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
		}
	}
}
