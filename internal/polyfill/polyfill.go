/*
Package polyfill assembles the client-side shim bundle injected into HTML
responses. The shim sources are embedded at build time; no runtime code
generation.
*/
package polyfill

import (
	"bytes"
	_ "embed"
	"regexp"
	"strings"
)

//go:embed assets/core.js
var coreJS []byte

//go:embed assets/service-worker.js
var serviceWorkerJS []byte

//go:embed assets/ua-override.js
var uaOverrideJS []byte

// Marker identifies injected revamp content inside a page.
const Marker = "[Revamp]"

// uaPlaceholder is replaced with the spoofed UA string at bundle time.
const uaPlaceholder = "__REVAMP_UA__"

// Options selects which shims go into the bundle.
type Options struct {
	// EmulateServiceWorkers includes the SW-bypass shim.
	EmulateServiceWorkers bool
	// SpoofUserAgent includes the navigator.userAgent override.
	SpoofUserAgent bool
	// UserAgent is the string the override reports. Ignored unless
	// SpoofUserAgent is set.
	UserAgent string
}

// Bundle concatenates the selected shims into one script body. The result
// is deterministic for a given Options value.
func Bundle(opts Options) []byte {
	var buf bytes.Buffer
	buf.Write(coreJS)

	if opts.EmulateServiceWorkers {
		buf.WriteByte('\n')
		buf.Write(serviceWorkerJS)
	}

	if opts.SpoofUserAgent && opts.UserAgent != "" {
		buf.WriteByte('\n')
		// The UA lands inside a single-quoted JS string literal.
		escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(opts.UserAgent)
		buf.Write(bytes.Replace(uaOverrideJS, []byte(uaPlaceholder), []byte(escaped), 1))
	}

	return buf.Bytes()
}

var (
	headOpenRe  = regexp.MustCompile(`(?i)<head[^>]*>`)
	scriptRe    = regexp.MustCompile(`(?i)<script[\s>]`)
	headCloseRe = regexp.MustCompile(`(?i)</head>`)
)

// InjectHTML places the bundle into a page as an inline script: inside
// <head>, before the first <script> if one appears there, otherwise at
// the end of <head>; pages without a <head> get the script prepended.
func InjectHTML(html, bundle []byte) []byte {
	script := make([]byte, 0, len(bundle)+32)
	script = append(script, []byte("<script>")...)
	script = append(script, bundle...)
	script = append(script, []byte("</script>")...)

	headLoc := headOpenRe.FindIndex(html)
	if headLoc == nil {
		return append(script, html...)
	}

	headEnd := len(html)
	if closeLoc := headCloseRe.FindIndex(html[headLoc[1]:]); closeLoc != nil {
		headEnd = headLoc[1] + closeLoc[0]
	}

	insertAt := headEnd
	if scriptLoc := scriptRe.FindIndex(html[headLoc[1]:headEnd]); scriptLoc != nil {
		insertAt = headLoc[1] + scriptLoc[0]
	}

	out := make([]byte, 0, len(html)+len(script))
	out = append(out, html[:insertAt]...)
	out = append(out, script...)
	out = append(out, html[insertAt:]...)
	return out
}
