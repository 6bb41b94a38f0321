package mitm

import (
	"crypto/rsa"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CA tests ---

func TestGenerateCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, CAFileName)
	keyPath := filepath.Join(dir, KeyFileName)

	err := GenerateCA(certPath, keyPath, false)
	require.NoError(t, err)

	// Verify files exist with the right permissions.
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(certPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestGenerateCA_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, CAFileName)
	keyPath := filepath.Join(dir, KeyFileName)

	require.NoError(t, GenerateCA(certPath, keyPath, false))

	err := GenerateCA(certPath, keyPath, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// --force overwrites.
	require.NoError(t, GenerateCA(certPath, keyPath, true))
}

func TestLoadCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, CAFileName)
	keyPath := filepath.Join(dir, KeyFileName)

	require.NoError(t, GenerateCA(certPath, keyPath, false))

	ca, err := LoadCA(certPath, keyPath)
	require.NoError(t, err)

	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "Revamp Proxy CA", ca.Cert.Subject.CommonName)
	assert.NotEmpty(t, ca.Fingerprint)
	assert.NotEmpty(t, ca.PEM())
	assert.IsType(t, &rsa.PrivateKey{}, ca.Key)
	assert.Equal(t, 2048, ca.Key.N.BitLen())

	// Verify 10-year validity (within 0.1 year of tolerance).
	validYears := time.Until(ca.NotAfter).Hours() / 24 / 365
	assert.InDelta(t, 10.0, validYears, 0.1)
}

func TestLoadCA_MissingFile(t *testing.T) {
	_, err := LoadCA("/nonexistent/ca.crt", "/nonexistent/ca.key")
	require.Error(t, err)
}

func TestEnsureCA(t *testing.T) {
	dir := t.TempDir()

	ca1, err := EnsureCA(dir)
	require.NoError(t, err)

	// A second call loads the same CA instead of minting a new root.
	ca2, err := EnsureCA(dir)
	require.NoError(t, err)
	assert.Equal(t, ca1.Fingerprint, ca2.Fingerprint)
}

func TestEnsureCA_PartialPairFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName), []byte("stray"), 0o600))

	_, err := EnsureCA(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

// --- Leaf cert tests ---

func generateTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	ca, err := EnsureCA(dir)
	require.NoError(t, err)
	return ca
}

func TestCertCache_GetCert(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert, err := cache.GetCert("static.example.com")
	require.NoError(t, err)
	require.NotNil(t, cert)

	leaf := cert.Leaf
	require.NotNil(t, leaf)
	assert.Equal(t, "static.example.com", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "static.example.com")
	assert.False(t, leaf.IsCA)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	// Validity window covers now-1h to roughly +825 days.
	assert.True(t, leaf.NotBefore.Before(time.Now()))
	validDays := time.Until(leaf.NotAfter).Hours() / 24
	assert.InDelta(t, 825.0, validDays, 1.0)

	// Verify it chains to our CA.
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool})
	require.NoError(t, err)
}

func TestCertCache_IPLeaf(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert, err := cache.GetCert("192.168.1.10")
	require.NoError(t, err)

	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.True(t, cert.Leaf.IPAddresses[0].Equal(net.ParseIP("192.168.1.10")))
	assert.Empty(t, cert.Leaf.DNSNames)
}

func TestCertCache_Caching(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	cert1, err := cache.GetCert("www.example.com")
	require.NoError(t, err)

	cert2, err := cache.GetCert("www.example.com")
	require.NoError(t, err)

	// Should return the exact same object (pointer equality).
	assert.Same(t, cert1, cert2)
	assert.Equal(t, 1, cache.Len())

	// Case and trailing dot normalize to the same entry.
	cert3, err := cache.GetCert("WWW.Example.COM.")
	require.NoError(t, err)
	assert.Same(t, cert1, cert3)
}

func TestCertCache_SameCASignsAll(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)

	for _, host := range []string{"a.example.com", "b.example.com", "c.example.net"} {
		cert, err := cache.GetCert(host)
		require.NoError(t, err)
		assert.Contains(t, cert.Leaf.DNSNames, host)
		_, err = cert.Leaf.Verify(x509.VerifyOptions{Roots: pool})
		require.NoError(t, err, "leaf for %s must chain to the CA", host)
	}
}

func TestCertCache_LRUEviction(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)
	cache.maxLeaves = 3

	hosts := []string{"one.test", "two.test", "three.test", "four.test"}
	for _, h := range hosts {
		_, err := cache.GetCert(h)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cache.Len())

	// The oldest entry was evicted; requesting it again re-mints it, and
	// the re-minted leaf is then served from the cache.
	first, err := cache.GetCert("one.test")
	require.NoError(t, err)
	again, err := cache.GetCert("one.test")
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestCertCache_EmptyHost(t *testing.T) {
	ca := generateTestCA(t)
	cache := NewCertCache(ca)

	_, err := cache.GetCert("")
	require.Error(t, err)
}
