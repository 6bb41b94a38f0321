package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lifeart/revamp/internal/origin"
)

// connectEstablished is the reply that moves the client into its TLS
// handshake.
const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// handleConnect intercepts a CONNECT request: instead of splicing a blind
// tunnel it terminates TLS with a minted leaf certificate and serves the
// decrypted requests through the pipeline.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	host, port := splitConnectTarget(target)

	if s.blocker != nil {
		if block, kind := s.blocker.ShouldBlock(host); block {
			s.collector.RecordRequest(host, true)
			http.Error(w, "blocked by proxy", http.StatusForbidden)
			s.logger.Info("blocked",
				"method", "CONNECT",
				"host", target,
				"kind", string(kind),
			)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error("connect hijack failed", "host", target, "error", err)
		return
	}

	if _, err := clientConn.Write([]byte(connectEstablished)); err != nil {
		_ = clientConn.Close()
		return
	}

	go s.mitmSession(clientConn, host, port, r.RemoteAddr)
}

// mitmSession terminates client TLS and loops inner HTTP/1.1 requests
// through the pipeline until the client closes or the tunnel idles out.
func (s *Server) mitmSession(clientConn net.Conn, fallbackHost, port, remote string) {
	defer func() { _ = clientConn.Close() }()

	start := time.Now()
	s.collector.RecordMITMSession()

	// The leaf host follows the ClientHello SNI; a hello without SNI
	// falls back to the CONNECT target.
	sniHost := fallbackHost
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				sniHost = hello.ServerName
			}
			return s.certCache.GetCert(sniHost)
		},
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(s.connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("mitm client handshake failed",
			"host", fallbackHost,
			"remote", remote,
			"error", err,
		)
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})
	defer func() { _ = tlsConn.Close() }()

	s.logger.Info("mitm session start",
		"host", sniHost,
		"remote", remote,
	)

	requests := s.tunnelLoop(tlsConn, sniHost, port, remote)

	s.logger.Info("mitm session end",
		"host", sniHost,
		"remote", remote,
		"requests", requests,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// tunnelLoop serves requests on the decrypted stream in arrival order.
// Returns the number of request-response cycles completed.
func (s *Server) tunnelLoop(tlsConn *tls.Conn, host, port, remote string) int {
	reader := bufio.NewReader(tlsConn)
	requests := 0

	for {
		_ = tlsConn.SetReadDeadline(time.Now().Add(s.tunnelIdle))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF && requests == 0 {
				s.logger.Debug("tunnel request read failed",
					"host", host,
					"remote", remote,
					"error", err,
				)
			}
			return requests
		}
		_ = tlsConn.SetReadDeadline(time.Time{})

		if isWebsocketUpgrade(req) {
			s.spliceWebsocket(tlsConn, reader, req, host, port)
			return requests
		}

		if !s.tunnelRequest(tlsConn, req, host, port, remote) {
			return requests
		}
		requests++

		if req.Close {
			return requests
		}
	}
}

// tunnelRequest serves one decrypted request. Returns false when the
// tunnel must close.
func (s *Server) tunnelRequest(tlsConn *tls.Conn, req *http.Request, host, port, remote string) bool {
	cfg := s.snapshot.Load()
	start := time.Now()
	reqURL := synthesizeTunnelURL(host, port, req)

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
	_ = req.Body.Close()
	if err != nil {
		return false
	}

	if s.blocker != nil {
		if block, kind := s.blocker.ShouldBlock(stripPort(reqURL.Host)); block {
			s.collector.RecordRequest(stripPort(reqURL.Host), true)
			s.logger.Info("blocked",
				"method", req.Method,
				"host", reqURL.Host,
				"kind", string(kind),
			)
			return writeTunnelResponse(tlsConn, &origin.Response{
				StatusCode: http.StatusNoContent,
				Header:     make(http.Header),
			}) == nil
		}
	}

	resp, err := s.fetchAndProcess(req.Context(), cfg, &origin.Request{
		Method: req.Method,
		URL:    reqURL,
		Header: req.Header,
		Body:   body,
	}, req.Header.Get("Accept-Encoding"))
	if err != nil {
		s.logger.Error("tunnel upstream failed",
			"method", req.Method,
			"url", reqURL.String(),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		// A wrong body would be a lie; answer 502 and close the tunnel.
		_ = writeTunnelResponse(tlsConn, badGatewayResponse(err))
		return false
	}

	s.collector.RecordRequest(stripPort(reqURL.Host), false)

	if s.verbose {
		s.logger.Debug("tunnel request",
			"method", req.Method,
			"url", reqURL.String(),
			"status", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
			"content_length", resp.ContentLength,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return writeTunnelResponse(tlsConn, resp) == nil
}

// spliceWebsocket bypasses the pipeline for protocol upgrades: the
// request is replayed against the origin and bytes flow both ways until
// either side closes.
func (s *Server) spliceWebsocket(tlsConn *tls.Conn, reader *bufio.Reader, req *http.Request, host, port string) {
	upstream, err := tls.DialWithDialer(
		&net.Dialer{Timeout: s.connectTimeout},
		"tcp",
		net.JoinHostPort(host, port),
		&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	)
	if err != nil {
		s.logger.Error("websocket upstream dial failed", "host", host, "error", err)
		return
	}
	defer func() { _ = upstream.Close() }()

	if err := req.Write(upstream); err != nil {
		s.logger.Error("websocket upstream write failed", "host", host, "error", err)
		return
	}

	s.logger.Info("websocket splice", "host", host)

	done := make(chan struct{}, 2)
	go func() {
		// Bytes the client buffered past the upgrade request go first.
		_, _ = io.Copy(upstream, reader) //nolint:errcheck // splice streaming
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(tlsConn, upstream) //nolint:errcheck // splice streaming
		done <- struct{}{}
	}()
	<-done
}

// writeTunnelResponse serializes a pipeline response onto the decrypted
// stream.
func writeTunnelResponse(w io.Writer, resp *origin.Response) error {
	status := resp.Status
	if status == "" {
		status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}

	httpResp := &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}
	return httpResp.Write(w)
}

// badGatewayResponse builds the 502 delivered inside a tunnel.
func badGatewayResponse(err error) *origin.Response {
	body := []byte("revamp: upstream fetch failed: " + err.Error() + "\n")
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &origin.Response{
		StatusCode: http.StatusBadGateway,
		Header:     h,
		Body:       body,
	}
}

// splitConnectTarget splits a CONNECT target into host and port,
// defaulting the port to 443.
func splitConnectTarget(target string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, "443"
	}
	if port == "" {
		port = "443"
	}
	return host, port
}

// synthesizeTunnelURL builds the absolute URL for a request read inside a
// tunnel terminated for host:port.
func synthesizeTunnelURL(host, port string, r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = "https"

	name := r.Host
	if name == "" {
		name = host
	}
	if _, _, err := net.SplitHostPort(name); err == nil {
		u.Host = name
	} else if port != "443" {
		u.Host = net.JoinHostPort(name, port)
	} else {
		u.Host = name
	}
	return &u
}
