package classify

import "strings"

// ShouldCacheByContentType screens fetch/xhr responses, which carry no
// resource-type hint beyond "fetch": only binary media and web assets are
// worth storing. API JSON and HTML fragments change too often to cache and
// are skipped. A missing content type is not cacheable.
func ShouldCacheByContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType := strings.ToLower(contentType)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return false
	}

	for _, prefix := range []string{"image/", "video/", "audio/", "font/"} {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	for _, frag := range []string{"font", "css", "javascript", "wasm", "svg"} {
		if strings.Contains(mediaType, frag) {
			return true
		}
	}
	if strings.Contains(mediaType, "xml") && !strings.Contains(mediaType, "html") {
		return true
	}
	return false
}
