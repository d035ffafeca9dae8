package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// VarySuffix extends a canonical key with the negotiated Accept variant when
// the stored response declared Vary: Accept. The suffix is the first 8 hex
// characters of the MD5 of the trimmed request Accept header, which keeps
// image-format negotiation (webp vs avif vs fallback) from serving the wrong
// variant while bounding key growth. MD5 is an identifier here, not a
// security boundary.
func VarySuffix(canonical, requestAccept, storedVary string) string {
	if !varyOnAccept(storedVary) {
		return canonical
	}
	sum := md5.Sum([]byte(strings.TrimSpace(requestAccept)))
	return canonical + "|accept=" + hex.EncodeToString(sum[:])[:8]
}

// varyOnAccept reports whether a Vary header value names the Accept header
// as a token (not, say, Accept-Encoding).
func varyOnAccept(vary string) bool {
	for _, tok := range strings.Split(strings.ToLower(vary), ",") {
		if strings.TrimSpace(tok) == "accept" {
			return true
		}
	}
	return false
}
