/*
Package mitm provides the TLS interception identity for the proxy: a
long-lived root CA persisted on disk and per-hostname leaf certificates
minted on demand and cached in memory.
*/
package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	// CAFileName and KeyFileName are the on-disk names under cert_dir.
	CAFileName  = "ca.crt"
	KeyFileName = "ca.key"
)

// CA holds a loaded Certificate Authority certificate and private key.
// Immutable after load.
type CA struct {
	Cert        *x509.Certificate
	Key         *rsa.PrivateKey
	CertPEM     []byte // raw PEM bytes, served by the portal
	Fingerprint string // SHA-256 fingerprint (hex-encoded, colon-separated)
	NotAfter    time.Time
}

// EnsureCA loads the CA from certDir, generating and persisting a new one
// if neither file exists yet. A partially-present pair (key without cert or
// the reverse) is an error: the operator must resolve it rather than have
// the proxy silently mint a second root.
func EnsureCA(certDir string) (*CA, error) {
	certPath := filepath.Join(certDir, CAFileName)
	keyPath := filepath.Join(certDir, KeyFileName)

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	switch {
	case certExists && keyExists:
		return LoadCA(certPath, keyPath)
	case certExists != keyExists:
		return nil, fmt.Errorf("cert dir %s: found one of %s/%s but not both", certDir, CAFileName, KeyFileName)
	}

	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cert dir %s: %w", certDir, err)
	}
	if err := GenerateCA(certPath, keyPath, false); err != nil {
		return nil, err
	}
	return LoadCA(certPath, keyPath)
}

// GenerateCA creates a new CA certificate and private key, writing them
// to certPath and keyPath as PEM files. Returns an error if either file
// already exists and force is false.
func GenerateCA(certPath, keyPath string, force bool) error {
	if !force {
		if fileExists(certPath) {
			return fmt.Errorf("CA certificate already exists at %s (use --force to overwrite)", certPath)
		}
		if fileExists(keyPath) {
			return fmt.Errorf("CA private key already exists at %s (use --force to overwrite)", keyPath)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "Revamp Proxy CA",
		},
		NotBefore:             now.Add(-1 * time.Hour), // backdated to avoid clock skew issues
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // CA cert is public, not secret
		return fmt.Errorf("write CA certificate: %w", err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	return nil
}

// LoadCA reads a CA certificate and private key from PEM files.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate %s: %w", certPath, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate %s: invalid PEM (expected CERTIFICATE block)", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate %s: %w", certPath, err)
	}

	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate %s: not a CA certificate (BasicConstraints CA flag not set)", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key %s: %w", keyPath, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("CA key %s: invalid PEM (expected RSA PRIVATE KEY block)", keyPath)
	}

	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key %s: %w", keyPath, err)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: sha256Fingerprint(cert.Raw),
		NotAfter:    cert.NotAfter,
	}, nil
}

// PEM returns the CA certificate in PEM form for distribution to clients.
func (ca *CA) PEM() []byte {
	return ca.CertPEM
}

// sha256Fingerprint returns the SHA-256 fingerprint of DER-encoded certificate bytes.
func sha256Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return string(out)
}

// randomSerial generates a random 64-bit serial number for certificates.
func randomSerial() (*big.Int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	// Clear the sign bit so the serial is always positive.
	n := binary.BigEndian.Uint64(buf[:]) &^ (1 << 63)
	if n == 0 {
		n = 1
	}
	return new(big.Int).SetUint64(n), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
