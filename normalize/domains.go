package normalize

import "strings"

// pathOnlyDomains are hosts whose query strings never influence the response
// body: ad-serving CDNs that key creatives by path, and public font CDNs.
// For these the canonical key is hostname + path with the query dropped.
var pathOnlyDomains = map[string]struct{}{
	"fonts.gstatic.com":              {},
	"fonts.googleapis.com":           {},
	"use.typekit.net":                {},
	"p.typekit.net":                  {},
	"tpc.googlesyndication.com":      {},
	"pagead2.googlesyndication.com":  {},
	"securepubads.g.doubleclick.net": {},
	"s0.2mdn.net":                    {},
	"cdn.ampproject.org":             {},
}

// adAliasDomains are ad infrastructure hosts whose creatives are addressed by
// path while every request carries a fresh set of auction parameters. Matching
// is by registrable-domain suffix so subdomains are covered.
var adAliasDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"2mdn.net",
	"adnxs.com",
	"amazon-adsystem.com",
	"criteo.com",
	"criteo.net",
	"pubmatic.com",
	"rubiconproject.com",
	"casalemedia.com",
	"openx.net",
	"moatads.com",
	"adsafeprotected.com",
	"adform.net",
	"smartadserver.com",
}

// trackingParams are dropped from every canonical key. They identify the
// visitor or campaign, never the resource.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"fbclid":       {},
	"gclid":        {},
	"dclid":        {},
	"msclkid":      {},
	"yclid":        {},
	"twclid":       {},
	"igshid":       {},
	"ttclid":       {},
	"_ga":          {},
	"_gl":          {},
	"mc_cid":       {},
	"mc_eid":       {},
}

// busterParams are additionally dropped for ad-origin URLs, where correlators
// and timestamps defeat caching without changing the creative.
var busterParams = map[string]struct{}{
	"cb":           {},
	"cachebuster":  {},
	"cache_buster": {},
	"correlator":   {},
	"rnd":          {},
	"rand":         {},
	"random":       {},
	"t":            {},
	"ts":           {},
	"timestamp":    {},
	"_":            {},
	"__":           {},
	"nc":           {},
	"ord":          {},
}

// versionParams name deploy fingerprints appended to static assets. Stripping
// them yields the alias key that survives a release bump.
var versionParams = map[string]struct{}{
	"v":            {},
	"ver":          {},
	"version":      {},
	"hash":         {},
	"h":            {},
	"rev":          {},
	"build":        {},
	"cb":           {},
	"cachebuster":  {},
	"cache_buster": {},
	"t":            {},
	"ts":           {},
	"timestamp":    {},
	"_":            {},
	"__":           {},
	"rnd":          {},
	"rand":         {},
	"random":       {},
	"nc":           {},
	"chunk":        {},
	"m":            {},
}

// staticAssetExtensions are path suffixes treated as versioned static assets
// for alias derivation.
var staticAssetExtensions = []string{
	".js", ".css",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".svg", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".ico",
	".wasm",
	".mp4", ".webm", ".mp3", ".ogg",
}

// docTrackingParams is the narrow filter applied to document URLs. Documents
// keep the rest of their query because it usually selects content.
var docTrackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"yclid":   {},
	"twclid":  {},
	"igshid":  {},
	"ttclid":  {},
	"_ga":     {},
	"_gl":     {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_":    {},
}

func isPathOnlyHost(host string) bool {
	_, ok := pathOnlyDomains[host]
	return ok
}

func isAdAliasHost(host string) bool {
	for _, d := range adAliasDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isStaticAssetPath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range staticAssetExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// isDocTrackingParam reports whether a document query parameter is dropped.
// utm_* is matched as a prefix; the rest are exact.
func isDocTrackingParam(name string) bool {
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := docTrackingParams[name]
	return ok
}
