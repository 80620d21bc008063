// Package testpki builds throwaway RSA certificate hierarchies for tests.
package testpki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
)

// Cert is a certificate with its private key and PEM encoding.
type Cert struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	PEM  []byte
}

// Option adjusts a certificate template before signing.
type Option func(*x509.Certificate)

// Validity sets the validity window.
func Validity(notBefore, notAfter time.Time) Option {
	return func(c *x509.Certificate) {
		c.NotBefore = notBefore
		c.NotAfter = notAfter
	}
}

// Subject replaces the subject name. The common name passed to NewRoot or
// Issue is kept unless name sets one.
func Subject(name pkix.Name) Option {
	return func(c *x509.Certificate) {
		cn := c.Subject.CommonName
		c.Subject = name
		if c.Subject.CommonName == "" {
			c.Subject.CommonName = cn
		}
	}
}

// NewRoot returns a self-signed CA certificate.
func NewRoot(t testing.TB, cn string, opts ...Option) *Cert {
	t.Helper()
	key := newKey(t)
	tmpl := template(cn, true)
	for _, o := range opts {
		o(tmpl)
	}
	return create(t, tmpl, tmpl, key, key)
}

// Issue signs a new certificate with c. ca controls BasicConstraints.
func (c *Cert) Issue(t testing.TB, cn string, ca bool, opts ...Option) *Cert {
	t.Helper()
	key := newKey(t)
	tmpl := template(cn, ca)
	for _, o := range opts {
		o(tmpl)
	}
	return create(t, tmpl, c.Cert, key, c.Key)
}

// KeyPEM returns the PKCS#1 PEM encoding of the private key.
func (c *Cert) KeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(c.Key)})
}

// EncryptedKeyPEM returns the private key as an ENCRYPTED PRIVATE KEY block
// (PBES2, PBKDF2-HMAC-SHA256, AES-256-CBC).
func (c *Cert) EncryptedKeyPEM(t testing.TB, password []byte) []byte {
	t.Helper()
	return EncryptKeyPEM(t, c.Key, password)
}

// EncryptKeyPEM is EncryptedKeyPEM for a bare key.
func EncryptKeyPEM(t testing.TB, key *rsa.PrivateKey, password []byte) []byte {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(key, password, &pkcs8.Opts{
		Cipher: pkcs8.AES256CBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       16,
			IterationCount: 10000,
			HMACHash:       crypto.SHA256,
		},
	})
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
}

// Rewrapped returns the certificate PEM with base64 lines of width chars.
// The result decodes to the same DER but differs byte-wise from PEM.
func (c *Cert) Rewrapped(width int) []byte {
	enc := base64.StdEncoding.EncodeToString(c.Cert.Raw)
	var b strings.Builder
	b.WriteString("-----BEGIN CERTIFICATE-----\n")
	for len(enc) > width {
		b.WriteString(enc[:width])
		b.WriteString("\n")
		enc = enc[width:]
	}
	b.WriteString(enc)
	b.WriteString("\n-----END CERTIFICATE-----\n")
	return []byte(b.String())
}

// Chain concatenates the PEM encodings of certs in order.
func Chain(certs ...*Cert) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, c.PEM...)
	}
	return out
}

// WriteFile writes data under dir and returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func template(cn string, ca bool) *x509.Certificate {
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	now := time.Now()
	c := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  ca,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if ca {
		c.KeyUsage |= x509.KeyUsageCertSign
	}
	return c
}

func create(t testing.TB, tmpl, parent *x509.Certificate, key, signer *rsa.PrivateKey) *Cert {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("create certificate %s: %v", tmpl.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Cert{
		Cert: cert,
		Key:  key,
		PEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}
