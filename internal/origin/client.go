/*
Package origin fetches upstream responses on behalf of the proxy.

Responses come back fully buffered: transfer encoding resolved by the
HTTP client, content encoding (gzip, deflate, brotli) decoded here, and
hop-by-hop headers stripped, so the pipeline always sees plain bytes.
*/
package origin

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

const (
	connectTimeout   = 10 * time.Second
	tlsTimeout       = 10 * time.Second
	firstByteTimeout = 30 * time.Second
	bodyTimeout      = 60 * time.Second

)

// SpoofedUserAgent replaces the legacy client UA when spoofing is on. The
// same string is reported by the injected navigator.userAgent override so
// server- and client-side sniffing agree.
const SpoofedUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ErrTimeout reports that a fetch exceeded one of its deadlines.
var ErrTimeout = errors.New("origin timeout")

// Request describes an upstream fetch.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is a fully-read, content-decoded upstream response.
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	Body          []byte
	ContentLength int64 // decoded length; mirrors len(Body)
}

// Client fetches origin responses over HTTP/1.1.
type Client struct {
	transport *http.Transport
	logger    *slog.Logger
	spoofUA   bool
}

// Options configures a Client.
type Options struct {
	// Insecure accepts origin certificates that fail verification against
	// system roots. Off by default.
	Insecure bool
	// SpoofUserAgent overwrites the client's User-Agent with a modern
	// Chrome string.
	SpoofUserAgent bool
	Logger         *slog.Logger
}

// NewClient creates an origin client.
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: firstByteTimeout,
		// decodeContent needs the raw bytes plus the original
		// Content-Encoding header, so the transport must not transparently
		// decompress.
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
		DisableKeepAlives:  true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.Insecure, //nolint:gosec // gated by explicit config flag
			MinVersion:         tls.VersionTLS12,
		},
	}

	return &Client{
		transport: transport,
		logger:    opts.Logger,
		spoofUA:   opts.SpoofUserAgent,
	}
}

// Fetch performs the upstream request and returns the decoded response.
// Connect failures and network errors on idempotent methods are retried
// once; 5xx responses are returned as-is, never retried.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.fetchOnce(ctx, req)
	if err != nil && ctx.Err() == nil && retryable(req.Method, err) {
		c.logger.Debug("origin retry", "method", req.Method, "url", req.URL.String(), "error", err)
		resp, err = c.fetchOnce(ctx, req)
	}
	return resp, err
}

// fetchOnce performs a single upstream round trip.
func (c *Client) fetchOnce(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, bodyTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}

	outReq.Header = cloneHeader(req.Header)
	removeHopByHopHeaders(outReq.Header)
	outReq.Host = req.URL.Host
	outReq.Close = true

	if outReq.Header.Get("Accept-Encoding") == "" {
		outReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	if c.spoofUA {
		outReq.Header.Set("User-Agent", SpoofedUserAgent)
	}

	resp, err := c.transport.RoundTrip(outReq)
	if err != nil {
		return nil, wrapFetchErr(req.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close in defer

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapFetchErr(req.URL, err)
	}

	header := cloneHeader(resp.Header)
	removeHopByHopHeaders(header)

	body, err := decodeContent(rawBody, header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("decode %s body from %s: %w", header.Get("Content-Encoding"), req.URL.Host, err)
	}
	if header.Get("Content-Encoding") != "" {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Header:        header,
		Body:          body,
		ContentLength: int64(len(body)),
	}, nil
}

// decodeContent decodes a response body per its Content-Encoding.
func decodeContent(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close() //nolint:errcheck // read error is what matters
		return io.ReadAll(zr)
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close() //nolint:errcheck // read error is what matters
		return io.ReadAll(fr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// retryable reports whether a failed fetch may be attempted a second time.
// Connect refusals are always retryable; other network errors only when
// the method is idempotent.
func retryable(method string, err error) bool {
	var netErr net.Error
	isNet := errors.As(err, &netErr)

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	if !isNet {
		return false
	}

	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace,
		http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// wrapFetchErr converts deadline errors to ErrTimeout and annotates the rest.
func wrapFetchErr(u *url.URL, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("fetch %s: %w", u.Host, ErrTimeout)
	}
	return fmt.Errorf("fetch %s: %w", u.Host, err)
}

// hopByHopHeaders are headers that apply to a single transport-level
// connection and must not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders strips hop-by-hop headers from an HTTP header set.
func RemoveHopByHopHeaders(h http.Header) {
	removeHopByHopHeaders(h)
}

func removeHopByHopHeaders(h http.Header) {
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}
