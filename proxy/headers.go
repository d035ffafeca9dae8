package proxy

import (
	"strconv"
	"strings"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
)

// encodingHeaders must never be replayed or passed through: the automation
// layer hands us decompressed bodies, so a stored Content-Encoding or a
// stale Content-Length would corrupt what the browser receives.
var encodingHeaders = []string{"content-encoding", "content-length", "transfer-encoding"}

// replayHeaders prepares stored headers for a cache replay: encoding headers
// dropped, observability headers attached.
func replayHeaders(stored map[string]string) map[string]string {
	return replayWithMarker(stored, "HIT")
}

// replayDocHeaders is replayHeaders for the document path.
func replayDocHeaders(stored map[string]string) map[string]string {
	return replayWithMarker(stored, "DOC-HIT")
}

func replayWithMarker(stored map[string]string, marker string) map[string]string {
	out := stripEncoding(stored)
	out["x-edgeproxy"] = marker
	out["x-edgeproxy-engine"] = edgeproxy.EngineToken()
	return out
}

// stripEncoding copies headers minus the encoding set, matching names
// case-insensitively since origin responses arrive with arbitrary casing.
func stripEncoding(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if isEncodingHeader(name) {
			continue
		}
		out[name] = value
	}
	return out
}

func isEncodingHeader(name string) bool {
	for _, h := range encodingHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// conditionalHeaders builds the outbound header set for a revalidation:
// the original request headers plus Via and whichever validators the stored
// entry carries.
func conditionalHeaders(reqHeaders map[string]string, etag, lastModified string) map[string]string {
	out := outboundHeaders(reqHeaders)
	if etag != "" {
		out["if-none-match"] = etag
	}
	if lastModified != "" {
		out["if-modified-since"] = lastModified
	}
	return out
}

// outboundHeaders copies request headers and tags the fetch with Via.
func outboundHeaders(reqHeaders map[string]string) map[string]string {
	out := make(map[string]string, len(reqHeaders)+1)
	for k, v := range reqHeaders {
		out[k] = v
	}
	out["via"] = edgeproxy.ViaValue()
	return out
}

// wireBytes returns the origin-advertised Content-Length when present and
// parseable, else the decompressed body length. The two differ for
// compressed origins and feed separate savings counters.
func wireBytes(contentLength string, bodyLen int) int64 {
	if contentLength != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return int64(bodyLen)
}
