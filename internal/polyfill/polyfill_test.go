package polyfill

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundle_CoreAlwaysPresent(t *testing.T) {
	out := string(Bundle(Options{}))
	assert.Contains(t, out, Marker)
	assert.Contains(t, out, "Object.assign")
	assert.NotContains(t, out, "serviceWorker")
	assert.NotContains(t, out, "userAgent")
}

func TestBundle_ServiceWorkerShim(t *testing.T) {
	out := string(Bundle(Options{EmulateServiceWorkers: true}))
	assert.Contains(t, out, "serviceWorker")
	// The shim must not assume DOMException is constructable.
	assert.Contains(t, out, "new Error(message)")
}

func TestBundle_UAOverride(t *testing.T) {
	ua := "Mozilla/5.0 (Test) Chrome/126.0"
	out := string(Bundle(Options{SpoofUserAgent: true, UserAgent: ua}))
	assert.Contains(t, out, ua)
	assert.NotContains(t, out, "__REVAMP_UA__")
}

func TestBundle_UAEscaping(t *testing.T) {
	out := string(Bundle(Options{SpoofUserAgent: true, UserAgent: `Bad'quote\slash`}))
	assert.Contains(t, out, `Bad\'quote\\slash`)
}

func TestBundle_Deterministic(t *testing.T) {
	opts := Options{EmulateServiceWorkers: true, SpoofUserAgent: true, UserAgent: "ua"}
	assert.Equal(t, Bundle(opts), Bundle(opts))
}

func TestInjectHTML_BeforeFirstHeadScript(t *testing.T) {
	html := []byte(`<html><head><title>t</title><script src="app.js"></script></head><body></body></html>`)
	out := string(InjectHTML(html, []byte("/*b*/")))

	injected := strings.Index(out, "<script>/*b*/</script>")
	appScript := strings.Index(out, `<script src="app.js">`)
	require.GreaterOrEqual(t, injected, 0)
	assert.Less(t, injected, appScript, "bundle must run before the page's first script")
}

func TestInjectHTML_EndOfHeadWithoutScript(t *testing.T) {
	html := []byte(`<html><head><title>t</title></head><body><script>x</script></body></html>`)
	out := string(InjectHTML(html, []byte("/*b*/")))

	injected := strings.Index(out, "<script>/*b*/</script>")
	headClose := strings.Index(out, "</head>")
	require.GreaterOrEqual(t, injected, 0)
	assert.Less(t, injected, headClose)
}

func TestInjectHTML_NoHeadPrepends(t *testing.T) {
	html := []byte(`<p>bare fragment</p>`)
	out := string(InjectHTML(html, []byte("/*b*/")))
	assert.True(t, strings.HasPrefix(out, "<script>/*b*/</script>"))
	assert.Contains(t, out, "<p>bare fragment</p>")
}

func TestInjectHTML_CaseInsensitiveHead(t *testing.T) {
	html := []byte(`<HTML><HEAD><SCRIPT src="a.js"></SCRIPT></HEAD></HTML>`)
	out := string(InjectHTML(html, []byte("/*b*/")))

	injected := strings.Index(out, "<script>/*b*/</script>")
	appScript := strings.Index(out, `<SCRIPT src="a.js">`)
	require.GreaterOrEqual(t, injected, 0)
	assert.Less(t, injected, appScript)
}
