package pipeline

import (
	"path"
	"strings"

	"github.com/lifeart/revamp/internal/transform"
)

// Classify picks the content kind for a response. The Content-Type header
// wins; the URL extension is consulted only when the header is absent.
func Classify(contentType, urlPath string) transform.Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	if ct != "" {
		switch {
		case strings.HasPrefix(ct, "text/html"):
			return transform.KindHTML
		case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
			return transform.KindJS
		case ct == "text/css":
			return transform.KindCSS
		case strings.HasPrefix(ct, "image/"):
			return transform.KindImage
		}
		return transform.KindOther
	}

	switch strings.ToLower(path.Ext(urlPath)) {
	case ".js", ".mjs", ".cjs":
		return transform.KindJS
	case ".css":
		return transform.KindCSS
	case ".html", ".htm":
		return transform.KindHTML
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return transform.KindImage
	}
	return transform.KindOther
}

// streamingContentTypes never buffer: their value is in arriving
// incrementally.
var streamingContentTypes = []string{
	"text/event-stream",
	"multipart/x-mixed-replace",
}

// isStreaming reports whether a content type must pass through unbuffered.
func isStreaming(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, s := range streamingContentTypes {
		if strings.HasPrefix(ct, s) {
			return true
		}
	}
	return false
}
