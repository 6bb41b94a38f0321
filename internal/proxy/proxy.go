/*
Package proxy implements the intercepting HTTP/HTTPS frontend.

Plain HTTP requests arrive in absolute form and run through the response
pipeline. CONNECT requests are never tunneled blindly: the client side is
terminated with a leaf certificate minted for the target host, and the
decrypted HTTP/1.1 requests inside the tunnel run through the same
pipeline as plain traffic.
*/
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lifeart/revamp/internal/blockfilter"
	"github.com/lifeart/revamp/internal/config"
	"github.com/lifeart/revamp/internal/mitm"
	"github.com/lifeart/revamp/internal/origin"
	"github.com/lifeart/revamp/internal/pipeline"
	"github.com/lifeart/revamp/internal/stats"
)

// Blocker checks whether a host should be answered by the filter instead
// of the origin.
type Blocker interface {
	ShouldBlock(host string) (bool, blockfilter.Kind)
}

// Server is the intercepting HTTP/HTTPS proxy frontend.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	verbose    bool
	startTime  time.Time

	snapshot  *config.Snapshot
	certCache *mitm.CertCache
	client    *origin.Client
	pipe      *pipeline.Pipeline
	blocker   Blocker
	collector *stats.Collector

	connectTimeout time.Duration
	tunnelIdle     time.Duration

	// Connection counters.
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	// shutdownOnce ensures graceful shutdown runs once.
	shutdownOnce sync.Once
}

// Options holds proxy server configuration.
type Options struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:8080").
	ListenAddr string
	// Snapshot provides the per-request config view.
	Snapshot *config.Snapshot
	// CertCache mints leaf certificates for MITM handshakes.
	CertCache *mitm.CertCache
	// Client fetches origin responses.
	Client *origin.Client
	// Pipeline produces the delivered bytes.
	Pipeline *pipeline.Pipeline
	// Blocker answers ad/tracker hosts with 204 (a CONNECT to a blocked
	// host is refused with 403). If nil, nothing blocks.
	Blocker Blocker
	// Collector records traffic counters. If nil, a fresh one is used.
	Collector *stats.Collector
	// Logger is the structured logger to use. If nil, a default is created.
	Logger *slog.Logger
	// Verbose enables detailed request/response logging.
	Verbose bool

	ReadHeaderTimeout time.Duration
	ConnectTimeout    time.Duration
	TunnelIdle        time.Duration
}

// New creates a new proxy server with the given configuration.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collector == nil {
		opts.Collector = stats.NewCollector()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.TunnelIdle <= 0 {
		opts.TunnelIdle = 30 * time.Second
	}

	s := &Server{
		logger:         opts.Logger,
		verbose:        opts.Verbose,
		startTime:      time.Now(),
		snapshot:       opts.Snapshot,
		certCache:      opts.CertCache,
		client:         opts.Client,
		pipe:           opts.Pipeline,
		blocker:        opts.Blocker,
		collector:      opts.Collector,
		connectTimeout: opts.ConnectTimeout,
		tunnelIdle:     opts.TunnelIdle,
	}

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}

	return s
}

// ServeHTTP dispatches incoming requests to the CONNECT tunnel handler or
// the plain HTTP proxy handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}

	s.handleHTTP(w, r)
}

// handleHTTP serves an absolute-form plain HTTP request through the
// pipeline.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "missing host in request", http.StatusBadRequest)
		s.logger.Debug("bad request: missing host",
			"method", r.Method,
			"url", r.URL.String(),
			"remote", r.RemoteAddr,
		)
		return
	}

	host := stripPort(r.URL.Host)
	if s.blocked(w, r.Method, host) {
		return
	}

	start := time.Now()
	cfg := s.snapshot.Load()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := s.fetchAndProcess(r.Context(), cfg, &origin.Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header,
		Body:   body,
	}, r.Header.Get("Accept-Encoding"))
	if err != nil {
		writeBadGateway(w, err)
		s.logger.Error("upstream request failed",
			"method", r.Method,
			"url", r.URL.String(),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	s.collector.RecordRequest(host, false)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body) //nolint:errcheck // best-effort delivery

	s.logger.Info("http",
		"method", r.Method,
		"url", r.URL.String(),
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"duration_ms", time.Since(start).Milliseconds(),
		"remote", r.RemoteAddr,
	)
}

// fetchAndProcess runs one request through the origin client and pipeline.
func (s *Server) fetchAndProcess(ctx context.Context, cfg *config.Config, req *origin.Request, acceptEncoding string) (*origin.Response, error) {
	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	return s.pipe.Process(ctx, cfg, &pipeline.Request{
		Method:         req.Method,
		URL:            req.URL,
		AcceptEncoding: acceptEncoding,
	}, resp), nil
}

// blocked answers filtered hosts with 204 No Content and reports whether
// the request was consumed.
func (s *Server) blocked(w http.ResponseWriter, method, host string) bool {
	if s.blocker == nil {
		return false
	}
	block, kind := s.blocker.ShouldBlock(host)
	if !block {
		return false
	}

	s.collector.RecordRequest(host, true)
	w.WriteHeader(http.StatusNoContent)
	s.logger.Info("blocked",
		"method", method,
		"host", host,
		"kind", string(kind),
	)
	return true
}

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("proxy starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the proxy server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("proxy shutting down")
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

// ConnectionsTotal returns the total number of connections handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of currently active connections.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// maxRequestBody bounds buffered client request bodies.
const maxRequestBody = 32 << 20 // 32 MB

// writeBadGateway sends the 502 with a short plain-text explanation.
func writeBadGateway(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = fmt.Fprintf(w, "revamp: upstream fetch failed: %v\n", err) //nolint:errcheck // best-effort
}

// stripPort removes the port from a host:port string.
// If there is no port, the host is returned as-is.
func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// isWebsocketUpgrade reports whether a request asks to switch protocols.
func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
