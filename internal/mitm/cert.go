package mitm

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	leafValidity    = 825 * 24 * time.Hour
	leafRenewBefore = 24 * time.Hour // regenerate if less than this remaining

	// defaultMaxLeaves bounds the in-memory leaf cache.
	defaultMaxLeaves = 1024
)

// cachedCert holds a leaf certificate, its host (the eviction key), and its
// expiry.
type cachedCert struct {
	host      string
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache mints and caches per-hostname leaf certificates signed by a CA.
// Lookups are keyed by canonical lowercase hostname; eviction is LRU
// bounded by entry count.
type CertCache struct {
	ca        *CA
	maxLeaves int

	mu    sync.Mutex
	certs map[string]*list.Element // host -> *cachedCert element
	lru   *list.List               // front = most recently used
}

// NewCertCache creates a certificate cache backed by the given CA.
func NewCertCache(ca *CA) *CertCache {
	return &CertCache{
		ca:        ca,
		maxLeaves: defaultMaxLeaves,
		certs:     make(map[string]*list.Element),
		lru:       list.New(),
	}
}

// GetCert returns a TLS certificate for the given hostname, minting and
// caching one if needed. Cached certs are reused until near expiry.
func (c *CertCache) GetCert(host string) (*tls.Certificate, error) {
	host = canonicalHost(host)
	if host == "" {
		return nil, fmt.Errorf("mint leaf: empty hostname")
	}

	c.mu.Lock()
	if elem, ok := c.certs[host]; ok {
		entry := elem.Value.(*cachedCert)
		if time.Until(entry.expiresAt) > leafRenewBefore {
			c.lru.MoveToFront(elem)
			c.mu.Unlock()
			return entry.cert, nil
		}
		// Expiring soon: drop and re-mint below.
		c.lru.Remove(elem)
		delete(c.certs, host)
	}
	c.mu.Unlock()

	// Mint outside the lock; ECDSA keygen is cheap but not free.
	cert, expiresAt, err := c.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have minted the same host concurrently; prefer
	// the existing entry so all callers converge on one certificate.
	if elem, ok := c.certs[host]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cachedCert).cert, nil
	}

	if c.lru.Len() >= c.maxLeaves {
		oldest := c.lru.Back()
		if oldest != nil {
			delete(c.certs, oldest.Value.(*cachedCert).host)
			c.lru.Remove(oldest)
		}
	}

	elem := c.lru.PushFront(&cachedCert{host: host, cert: cert, expiresAt: expiresAt})
	c.certs[host] = elem
	return cert, nil
}

// Len returns the number of cached leaf certificates.
func (c *CertCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// mintLeaf creates a new leaf certificate for the given hostname.
func (c *CertCache) mintLeaf(host string) (*tls.Certificate, time.Time, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate leaf key for %s: %w", host, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("generate leaf serial for %s: %w", host, err)
	}

	now := time.Now()
	notAfter := now.Add(leafValidity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:   now.Add(-1 * time.Hour), // backdate for clock skew
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	// Numeric literals go into the IP SAN, names into the DNS SAN.
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.Cert, &key.PublicKey, c.ca.Key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("create leaf certificate for %s: %w", host, err)
	}

	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse leaf certificate for %s: %w", host, err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leafCert,
	}

	return tlsCert, notAfter, nil
}

// canonicalHost lowercases a hostname and strips a trailing dot.
func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ".")
}
