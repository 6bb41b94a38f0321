/*
Package portal serves the captive-portal endpoints legacy devices use to
install the proxy's CA certificate, plus a heartbeat with traffic
counters for monitoring.
*/
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lifeart/revamp/internal/cache"
	"github.com/lifeart/revamp/internal/mitm"
	"github.com/lifeart/revamp/internal/stats"
	"github.com/lifeart/revamp/internal/version"
)

// landingPage is what a device sees when pointed at the portal.
const landingPage = `<!doctype html>
<html>
<head><meta name="viewport" content="width=device-width, initial-scale=1"><title>Revamp Proxy</title></head>
<body>
<h1>Revamp Proxy</h1>
<p>To browse through this proxy, install and trust its certificate authority:</p>
<p><a href="/ca.pem">Download CA certificate</a></p>
<p>On iOS: Settings &gt; General &gt; Profiles, install the profile, then
Settings &gt; General &gt; About &gt; Certificate Trust Settings and enable full trust.</p>
</body>
</html>
`

// Server is the captive-portal HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	ca        *mitm.CA
	certCache *mitm.CertCache
	store     *cache.Store // may be nil when caching is disabled
	collector *stats.Collector
	startTime time.Time

	shutdownOnce sync.Once
}

// Options configures a portal Server.
type Options struct {
	ListenAddr string
	CA         *mitm.CA
	CertCache  *mitm.CertCache
	Store      *cache.Store
	Collector  *stats.Collector
	Logger     *slog.Logger
}

// New creates the portal server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		logger:    opts.Logger,
		ca:        opts.CA,
		certCache: opts.CertCache,
		store:     opts.Store,
		collector: opts.Collector,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ca.pem", s.handleCAPEM)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)

	s.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// ListenAndServe starts the portal server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("portal starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the portal server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.httpServer.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, landingPage) //nolint:errcheck // best-effort response
}

// handleCAPEM serves the CA certificate. The content type is what iOS
// expects for a certificate profile download.
func (s *Server) handleCAPEM(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="revamp-ca.pem"`)
	_, _ = w.Write(s.ca.PEM()) //nolint:errcheck // best-effort response
}

// heartbeat is the JSON shape of the monitoring endpoint.
type heartbeat struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	CAFingerprint string         `json:"ca_fingerprint"`
	CANotAfter    time.Time      `json:"ca_not_after"`
	LeafCerts     int            `json:"leaf_certs"`
	Traffic       stats.Snapshot `json:"traffic"`
	Cache         *cache.Stats   `json:"cache,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	hb := heartbeat{
		Status:        "ok",
		Version:       version.Short(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		CAFingerprint: s.ca.Fingerprint,
		CANotAfter:    s.ca.NotAfter,
		LeafCerts:     s.certCache.Len(),
		Traffic:       s.collector.Snapshot(),
	}
	if s.store != nil {
		cs := s.store.Stats()
		hb.Cache = &cs
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hb); err != nil {
		s.logger.Debug("heartbeat encode failed", "error", err)
	}
}
