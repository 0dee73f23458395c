package codec

import (
	"encoding/base64"
	"strings"
)

// decodeBase64 is deliberately forgiving: share links in the wild mix the
// standard and URL-safe alphabets, drop padding, and sometimes carry stray
// whitespace from copy/paste. Normalize all of that before decoding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}

// encodeBase64 emits the URL-safe unpadded alphabet, the common convention
// for ss and ssr links. decodeBase64 accepts it back unchanged.
func encodeBase64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
