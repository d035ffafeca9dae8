package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/lokah1945/CDN-EDGEProxy/normalize"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// handleDocument runs the always-revalidate path for HTML documents. A
// stored document is never replayed without the origin confirming it via
// 304; the cache only saves the body transfer, not the round trip.
func (p *Proxy) handleDocument(ctx context.Context, route Route, req Request) error {
	docURL := normalize.DocumentURL(req.URL)
	docKey := normalize.DocumentKey(docURL)

	stored, found := p.engine.PeekMetaAllowStale(docKey)

	if found && stored.HasValidators() {
		result, err := p.fetchOnce(ctx, docKey, route, conditionalHeaders(req.Headers, stored.ETag, stored.LastModified))
		if err != nil {
			// Origin unreachable: replay the stale document if we still hold
			// it, else let the browser surface the network error.
			if body, ok := p.engine.GetBlob(ctx, stored.BlobHash); ok {
				p.logger.Info("stale document served, origin unreachable",
					"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
				p.engine.Stats().DocHit(ctx, req.URL, int64(len(body)), int64(len(body)))
				return p.fulfill(ctx, route, http.StatusOK, replayDocHeaders(stored.Headers), body)
			}
			return route.Continue(ctx)
		}

		switch {
		case result.Status == http.StatusNotModified:
			if body, ok := p.engine.GetBlob(ctx, stored.BlobHash); ok {
				p.engine.RefreshTTL(docKey)
				p.engine.Stats().DocHit(ctx, req.URL, int64(len(body)), int64(len(body)))
				return p.fulfill(ctx, route, http.StatusOK, replayDocHeaders(stored.Headers), body)
			}
			// Confirmed current but the body is gone; fetch it outright.
			return p.fetchDocumentCold(ctx, route, req, docKey)

		case result.OK():
			if responseHasValidators(result.Headers) && len(result.Body) > 0 {
				if err := p.engine.PutDocument(ctx, docKey, req.URL, result.Body, result.Headers); err != nil {
					p.logger.Warn("document store failed",
						"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
				}
				p.engine.Stats().DocMiss(ctx, req.URL, int64(len(result.Body)), wireBytes(result.Header("content-length"), len(result.Body)))
			}
			return p.fulfill(ctx, route, result.Status, stripEncoding(result.Headers), result.Body)

		default:
			// Redirects and errors pass through unstored.
			return p.fulfill(ctx, route, result.Status, stripEncoding(result.Headers), result.Body)
		}
	}

	return p.fetchDocumentCold(ctx, route, req, docKey)
}

// fetchDocumentCold fetches a document unconditionally, storing it when the
// origin supplies at least one validator to revalidate against later.
func (p *Proxy) fetchDocumentCold(ctx context.Context, route Route, req Request, docKey string) error {
	result, err := p.fetchOnce(ctx, docKey, route, outboundHeaders(req.Headers))
	if err != nil {
		p.logger.Warn("document fetch failed",
			"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
		return route.Continue(ctx)
	}

	if result.OK() && len(result.Body) > 0 && responseHasValidators(result.Headers) {
		if err := p.engine.PutDocument(ctx, docKey, req.URL, result.Body, result.Headers); err != nil {
			p.logger.Warn("document store failed",
				"request_id", telemetry.RequestIDFrom(ctx), "url", req.URL, "error", err)
		}
	}
	p.engine.Stats().DocMiss(ctx, req.URL, int64(len(result.Body)), wireBytes(result.Header("content-length"), len(result.Body)))
	return p.fulfill(ctx, route, result.Status, stripEncoding(result.Headers), result.Body)
}

// responseHasValidators reports whether a response carries an ETag or
// Last-Modified usable for future conditional fetches.
func responseHasValidators(headers map[string]string) bool {
	if headerLookup(headers, "etag") != "" {
		return true
	}
	return headerLookup(headers, "last-modified") != ""
}

func headerLookup(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
