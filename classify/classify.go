// Package classify decides, per intercepted request, whether traffic must
// bypass the cache to keep publisher economics intact (ad auctions,
// measurement beacons) or may enter the caching pipeline.
package classify

import (
	"net/url"
	"regexp"
	"strings"

	edgeproxy "github.com/lokah1945/CDN-EDGEProxy"
)

// adInfraSubstrings identify ad/tracking infrastructure by hostname (or full
// URL) substring. A match labels the request origin "ad", which switches the
// normalizer to its aggressive query filter and buckets statistics.
var adInfraSubstrings = []string{
	"doubleclick",
	"googlesyndication",
	"googleadservices",
	"googletagservices",
	"adservice.google",
	"adnxs",
	"adsystem",
	"adsrvr",
	"adform",
	"criteo",
	"pubmatic",
	"rubiconproject",
	"casalemedia",
	"openx",
	"smartadserver",
	"taboola",
	"outbrain",
	"moatads",
	"adsafeprotected",
	"scorecardresearch",
	"bidswitch",
	"yieldmo",
	"teads",
}

// beaconPathTokens are path segments that mark measurement endpoints when
// combined with a beacon-ish resource type.
var beaconPathTokens = map[string]struct{}{
	"pixel":      {},
	"beacon":     {},
	"collect":    {},
	"impression": {},
	"ping":       {},
	"log":        {},
	"fire":       {},
}

// beaconResourceTypes are the resource types the beacon heuristic applies to.
var beaconResourceTypes = map[string]struct{}{
	"image": {},
	"ping":  {},
	"other": {},
}

// Result is the classification of one request.
type Result struct {
	Class  edgeproxy.Class
	Origin edgeproxy.Origin
}

// Classifier matches URLs against configured auction (class A) and beacon
// (class B) pattern lists. The lists are configuration surface, supplied at
// construction; everything else is a built-in heuristic.
type Classifier struct {
	classA []*regexp.Regexp
	classB []*regexp.Regexp
}

// New compiles the two pattern lists. A pattern that fails to compile even
// after escaping is reported so operators catch config typos at startup.
func New(classAPatterns, classBPatterns []string) (*Classifier, error) {
	classA, err := compilePatterns(classAPatterns)
	if err != nil {
		return nil, err
	}
	classB, err := compilePatterns(classBPatterns)
	if err != nil {
		return nil, err
	}
	return &Classifier{classA: classA, classB: classB}, nil
}

// Classify returns the traffic class and origin label for a request URL and
// its automation-layer resource type.
func (c *Classifier) Classify(rawURL, resourceType string) Result {
	host := hostOf(rawURL)

	origin := edgeproxy.OriginThirdParty
	if matchesAdInfra(host, rawURL) {
		origin = edgeproxy.OriginAd
	}

	for _, re := range c.classA {
		if re.MatchString(rawURL) {
			return Result{Class: edgeproxy.ClassAuction, Origin: origin}
		}
	}
	for _, re := range c.classB {
		if re.MatchString(rawURL) {
			return Result{Class: edgeproxy.ClassBeacon, Origin: origin}
		}
	}

	if isBeaconPath(rawURL) {
		if _, ok := beaconResourceTypes[resourceType]; ok {
			return Result{Class: edgeproxy.ClassBeacon, Origin: origin}
		}
	}

	return Result{Class: edgeproxy.ClassCacheable, Origin: origin}
}

// globMetaEscaper escapes the regexp metacharacters when converting a glob
// pattern; * becomes .* and ? is passed through.
var globMetaEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`+`, `\+`,
	`^`, `\^`,
	`$`, `\$`,
	`{`, `\{`,
	`}`, `\}`,
	`(`, `\(`,
	`)`, `\)`,
	`|`, `\|`,
	`[`, `\[`,
	`]`, `\]`,
)

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		expr := "(?i)^" + strings.ReplaceAll(globMetaEscaper.Replace(p), "*", ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func matchesAdInfra(host, rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, s := range adInfraSubstrings {
		if strings.Contains(host, s) || strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// isBeaconPath reports whether a URL path names a measurement endpoint:
// either a beacon token appears as a whole path segment, or the path is the
// Facebook-style /tr endpoint.
func isBeaconPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.EscapedPath()
	if path == "/tr" || path == "/tr/" {
		return true
	}
	for _, seg := range strings.Split(strings.ToLower(path), "/") {
		if _, ok := beaconPathTokens[seg]; ok {
			return true
		}
	}
	return false
}
