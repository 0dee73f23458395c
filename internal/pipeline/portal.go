package pipeline

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// detectCaptivePortal decides whether a body that should have been empty is
// an intercepted HTML page, and digs out its title for the failure detail.
// A gateway login page typically answers the probe's exact status code, so
// the body shape is the only reliable signal.
func detectCaptivePortal(body []byte) (portal bool, title string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false, ""
	}
	lower := bytes.ToLower(trimmed)
	if !bytes.HasPrefix(lower, []byte("<")) &&
		!bytes.Contains(lower, []byte("<html")) &&
		!bytes.Contains(lower, []byte("<!doctype")) {
		return false, ""
	}

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed)); err == nil {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return true, title
}
