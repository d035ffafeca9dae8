// Package normalize derives cache identity from raw URLs: the canonical key
// that collapses tracking noise and query-order differences, the alias key
// that survives cache-buster changes, the document key for HTML pages, and
// the Vary suffix for Accept-negotiated responses.
package normalize

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
)

// AliasPrefix marks alias index keys so they can never collide with a
// canonical string.
const AliasPrefix = "alias|"

// DocPrefix namespaces document cache keys away from asset keys.
const DocPrefix = "doc:"

var longDecimalRe = regexp.MustCompile(`^\d{10,}$`)

// param is one query parameter occurrence. Duplicates are preserved and
// sorted stably by (key, value) so the canonical string is insensitive to
// the original query order.
type param struct {
	key   string
	value string
}

// Canonical returns the canonical string for a URL: lowercased hostname plus
// path, with a filtered and sorted query. Ad-origin URLs get the aggressive
// filter that also drops cache busters and long decimal correlator values.
// On parse failure the raw URL is returned unchanged.
func Canonical(raw string, origin edgeproxy.Origin) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := foldHost(u.Hostname())
	path := u.EscapedPath()

	if isPathOnlyHost(host) {
		return host + path
	}

	params := parseQuery(u.RawQuery)
	kept := params[:0]
	for _, p := range params {
		lk := strings.ToLower(p.key)
		if _, drop := trackingParams[lk]; drop {
			continue
		}
		if origin == edgeproxy.OriginAd {
			if _, drop := busterParams[lk]; drop {
				continue
			}
			if longDecimalRe.MatchString(p.value) {
				continue
			}
		}
		kept = append(kept, p)
	}

	if len(kept) == 0 {
		return host + path
	}
	return host + path + "?" + encodeParams(kept)
}

// Alias returns the secondary lookup key for a URL, or ("", false) when no
// alias strategy applies. Ad hosts alias on the bare path; static assets
// alias on the path plus the query with version fingerprints removed, but
// only when at least one fingerprint was actually present.
func Alias(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}

	host := foldHost(u.Hostname())
	path := u.EscapedPath()

	if isAdAliasHost(host) {
		return AliasPrefix + host + path, true
	}

	if !isStaticAssetPath(path) {
		return "", false
	}

	params := parseQuery(u.RawQuery)
	kept := params[:0]
	removed := false
	for _, p := range params {
		if _, drop := versionParams[strings.ToLower(p.key)]; drop {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return "", false
	}

	if len(kept) == 0 {
		return AliasPrefix + host + path, true
	}
	return AliasPrefix + host + path + "?" + encodeParams(kept), true
}

// DocumentURL returns the normalized URL string for an HTML document:
// hostname plus path with the narrow tracking filter applied and surviving
// parameters sorted. The document cache key is the hash of DocPrefix plus
// this string.
func DocumentURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	host := foldHost(u.Hostname())
	path := u.EscapedPath()

	params := parseQuery(u.RawQuery)
	kept := params[:0]
	for _, p := range params {
		if isDocTrackingParam(strings.ToLower(p.key)) {
			continue
		}
		kept = append(kept, p)
	}

	if len(kept) == 0 {
		return host + path
	}
	return host + path + "?" + encodeParams(kept)
}

// CacheKey hashes a canonical string into the hex index key.
func CacheKey(canonical string) string {
	return edgeproxy.HashString(canonical).String()
}

// DocumentKey hashes a normalized document URL into its namespaced index key.
func DocumentKey(docURL string) string {
	return edgeproxy.HashString(DocPrefix + docURL).String()
}

// foldHost lowercases a hostname and folds internationalized names to their
// ASCII (punycode) form so domain-set matching sees one spelling. A name
// idna rejects is used as-is after lowercasing.
func foldHost(host string) string {
	host = strings.ToLower(host)
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

// parseQuery splits a raw query into parameters, preserving duplicates and
// tolerating bare keys. Keys and values are kept percent-decoded; malformed
// escapes keep their raw spelling rather than dropping the parameter.
func parseQuery(rawQuery string) []param {
	if rawQuery == "" {
		return nil
	}
	parts := strings.Split(rawQuery, "&")
	params := make([]param, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		params = append(params, param{key: key, value: value})
	}
	return params
}

// encodeParams sorts parameters by (key, value) and re-encodes them.
func encodeParams(params []param) string {
	sort.SliceStable(params, func(i, j int) bool {
		if params[i].key != params[j].key {
			return params[i].key < params[j].key
		}
		return params[i].value < params[j].value
	})
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}
