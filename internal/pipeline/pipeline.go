/*
Package pipeline turns decoded origin responses into the bytes delivered
to the client.

A response is classified by content kind, then either passed through
unchanged (binary, streaming, or oversized bodies) or buffered,
transformed by the worker pool, optionally injected with the polyfill
bundle, and re-encoded. Transformed artifacts are cached by request
fingerprint; transform failures degrade to the original bytes.
*/
package pipeline

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/lifeart/revamp/internal/cache"
	"github.com/lifeart/revamp/internal/config"
	"github.com/lifeart/revamp/internal/origin"
	"github.com/lifeart/revamp/internal/polyfill"
	"github.com/lifeart/revamp/internal/stats"
	"github.com/lifeart/revamp/internal/transform"
)

// maxTransformSize is the largest body the pipeline will buffer and
// transform. Larger responses pass through untouched.
const maxTransformSize = 8 << 20 // 8 MiB

// Pipeline owns the transform, cache, and encoding stages.
type Pipeline struct {
	pool   *transform.Pool
	store  *cache.Store // nil disables the cache layer entirely
	stats  *stats.Collector
	logger *slog.Logger
}

// Options configures a Pipeline.
type Options struct {
	Pool   *transform.Pool
	Store  *cache.Store
	Stats  *stats.Collector
	Logger *slog.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	return &Pipeline{
		pool:   opts.Pool,
		store:  opts.Store,
		stats:  opts.Stats,
		logger: opts.Logger,
	}
}

// Request carries the originating request context into the pipeline.
type Request struct {
	Method string
	URL    *url.URL
	// AcceptEncoding is the client's Accept-Encoding value, used to decide
	// whether the delivered body may be gzipped.
	AcceptEncoding string
}

// Process produces the response delivered to the client. The input
// response must already be content-decoded (see origin.Client). The
// returned response has final Content-Length and no hop-by-hop headers.
func (p *Pipeline) Process(ctx context.Context, cfg *config.Config, req *Request, resp *origin.Response) *origin.Response {
	origin.RemoveHopByHopHeaders(resp.Header)

	kind := Classify(resp.Header.Get("Content-Type"), req.URL.Path)

	if !p.shouldTransform(cfg, kind, resp) {
		finalizeHeaders(resp)
		return resp
	}

	flags := flagsFrom(cfg)
	body, contentType := p.transformed(ctx, cfg, req, resp, kind, flags)

	resp.Body = body
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}

	p.encodeForClient(cfg, req, resp, kind)
	finalizeHeaders(resp)
	return resp
}

// shouldTransform applies the pass-through rules.
func (p *Pipeline) shouldTransform(cfg *config.Config, kind transform.Kind, resp *origin.Response) bool {
	if !kind.Transformable() {
		return false
	}
	if isStreaming(resp.Header.Get("Content-Type")) {
		return false
	}
	if len(resp.Body) == 0 || len(resp.Body) > maxTransformSize {
		return false
	}

	switch kind {
	case transform.KindJS:
		return cfg.Transform.JS
	case transform.KindCSS:
		return cfg.Transform.CSS
	case transform.KindHTML:
		return cfg.Transform.HTML
	}
	return false
}

// transformed returns the (possibly cached) transformed body and its
// content type. All failure modes degrade to the original bytes.
func (p *Pipeline) transformed(ctx context.Context, cfg *config.Config, req *Request, resp *origin.Response, kind transform.Kind, flags transform.Flags) ([]byte, string) {
	originalType := resp.Header.Get("Content-Type")

	produce := func(prodCtx context.Context) ([]byte, string, error) {
		out, err := p.pool.Submit(prodCtx, kind, resp.Body, req.URL.String(), flags)
		if err != nil {
			return nil, "", err
		}
		if kind == transform.KindHTML && flags.InjectPolyfills {
			out = polyfill.InjectHTML(out, p.bundle(flags))
		}
		return out, originalType, nil
	}

	if cfg.Cache.Enabled && p.store != nil {
		key := cache.NewKey(req.Method, req.URL.String(), string(kind), flags.Bitset())
		// A disconnecting client must not abort a production other callers
		// are waiting on; the artifact is produced to completion and the
		// aborted client's bytes are simply dropped.
		prodCtx := context.WithoutCancel(ctx)
		entry, err := p.store.GetOrProduce(key, req.URL.String(), func() ([]byte, string, error) {
			return produce(prodCtx)
		})
		if err != nil {
			return p.degrade(req, resp, err)
		}
		p.stats.RecordTransform(true)
		return entry.Body, entry.ContentType
	}

	out, contentType, err := produce(ctx)
	if err != nil {
		return p.degrade(req, resp, err)
	}
	p.stats.RecordTransform(true)
	return out, contentType
}

// degrade returns the original bytes after a transform failure. Ignorable
// errors are silent; the rest warn.
func (p *Pipeline) degrade(req *Request, resp *origin.Response, err error) ([]byte, string) {
	if transform.IsIgnorable(err) {
		p.logger.Debug("transform skipped", "url", req.URL.String(), "error", err)
	} else {
		p.stats.RecordTransform(false)
		p.logger.Warn("transform failed, delivering original body", "url", req.URL.String(), "error", err)
	}
	return resp.Body, resp.Header.Get("Content-Type")
}

// bundle assembles the polyfill bundle for the active flags.
func (p *Pipeline) bundle(flags transform.Flags) []byte {
	opts := polyfill.Options{
		EmulateServiceWorkers: flags.EmulateSW,
		SpoofUserAgent:        flags.SpoofUAInJS,
		UserAgent:             origin.SpoofedUserAgent,
	}
	return polyfill.Bundle(opts)
}

// encodeForClient gzips the body when the client advertised support.
func (p *Pipeline) encodeForClient(cfg *config.Config, req *Request, resp *origin.Response, kind transform.Kind) {
	if !acceptsGzip(req.AcceptEncoding) || len(resp.Body) == 0 || !kind.Transformable() {
		return
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, cfg.Transform.CompressionLevel)
	if err != nil {
		// Invalid level is caught by config validation; treat as identity.
		return
	}
	if _, err := zw.Write(resp.Body); err != nil {
		_ = zw.Close()
		return
	}
	if err := zw.Close(); err != nil {
		return
	}

	resp.Body = buf.Bytes()
	resp.Header.Set("Content-Encoding", "gzip")
}

// finalizeHeaders sets the final Content-Length.
func finalizeHeaders(resp *origin.Response) {
	resp.ContentLength = int64(len(resp.Body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	resp.Header.Del("Transfer-Encoding")
}

// acceptsGzip reports whether an Accept-Encoding value includes gzip.
func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// flagsFrom builds the transform flags from a config snapshot.
func flagsFrom(cfg *config.Config) transform.Flags {
	return transform.Flags{
		JS:              cfg.Transform.JS,
		CSS:             cfg.Transform.CSS,
		HTML:            cfg.Transform.HTML,
		BundleESModules: cfg.Transform.BundleESModules,
		EmulateSW:       cfg.Transform.EmulateSW,
		InjectPolyfills: cfg.Transform.InjectPolyfills,
		SpoofUAInJS:     cfg.Transform.SpoofUAInJS,
		Targets:         cfg.Transform.Targets,
	}
}
