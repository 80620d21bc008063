package keys

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"

	"medscript.dev/mpaz/errs"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
const MinRSAKeyBits = 2048

const (
	blockRSAPrivateKey       = "RSA PRIVATE KEY"
	blockPrivateKey          = "PRIVATE KEY"
	blockEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	blockCertificate         = "CERTIFICATE"
)

var (
	errPasswordRequired = errors.New("password required")
	errBadPassword      = errors.New("bad password")
	errUnsupportedKey   = errors.New("unsupported key format")
)

// LoadPrivateKey reads an RSA signing key from path. PKCS#12 files are
// recognized by their .p12 or .pfx extension; everything else is read as
// PEM. password is consulted only when the key is encrypted.
func LoadPrivateKey(path string, password []byte) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "load key", path, err)
	}
	if isPKCS12(path) {
		key, _, err := ParsePKCS12(data, password)
		return key, err
	}
	return ParsePrivateKeyPEM(data, password)
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

// ParsePrivateKeyPEM decodes the first private key block in data.
func ParsePrivateKeyPEM(data, password []byte) (*rsa.PrivateKey, error) {
	const op = "load key"
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errs.Wrap(errs.KindKeyLoad, op, "no private key block", errUnsupportedKey)
		}
		switch block.Type {
		case blockRSAPrivateKey, blockPrivateKey, blockEncryptedPrivateKey:
			key, err := parsePrivateKeyBlock(block, password)
			if err != nil {
				return nil, errs.Wrap(errs.KindKeyLoad, op, block.Type, err)
			}
			if key.N.BitLen() < MinRSAKeyBits {
				return nil, errs.New(errs.KindKeyLoad, op, "rsa key shorter than 2048 bits")
			}
			return key, nil
		}
	}
}

func parsePrivateKeyBlock(block *pem.Block, password []byte) (*rsa.PrivateKey, error) {
	der := block.Bytes
	encrypted := false

	// Legacy Proc-Type encryption, as written by openssl rsa -aes256.
	if x509.IsEncryptedPEMBlock(block) {
		if len(password) == 0 {
			return nil, errPasswordRequired
		}
		plain, err := x509.DecryptPEMBlock(block, password)
		if err != nil {
			return nil, errBadPassword
		}
		der = plain
		encrypted = true
	}
	if block.Type == blockEncryptedPrivateKey {
		if len(password) == 0 {
			return nil, errPasswordRequired
		}
		return parseEncryptedPKCS8(der, password)
	}

	key, err := parseRSADER(der)
	if err != nil && encrypted && !errors.Is(err, errUnsupportedKey) {
		// Legacy PEM encryption only checks padding, so a wrong password
		// usually surfaces here as garbage DER.
		return nil, errBadPassword
	}
	return key, err
}

// parseEncryptedPKCS8 decrypts a PBES2 EncryptedPrivateKeyInfo. The DER is
// copied because the decrypter works in place.
func parseEncryptedPKCS8(der, password []byte) (*rsa.PrivateKey, error) {
	parsed, err := pkcs8.ParsePKCS8PrivateKey(bytes.Clone(der), password)
	if err != nil {
		// No sentinel is exported for a wrong password.
		if strings.Contains(err.Error(), "incorrect password") {
			return nil, errBadPassword
		}
		return nil, errors.Join(errUnsupportedKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errUnsupportedKey
	}
	return key, nil
}

var errMalformedKey = errors.New("malformed key")

func parseRSADER(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errMalformedKey
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errUnsupportedKey
	}
	return key, nil
}

// ParsePKCS12 decodes a PKCS#12 bundle holding an RSA key and its
// certificate.
func ParsePKCS12(data, password []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	const op = "load pkcs12"
	priv, cert, err := pkcs12.Decode(data, string(password))
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, nil, errs.Wrap(errs.KindKeyLoad, op, "", errBadPassword)
		}
		return nil, nil, errs.Wrap(errs.KindKeyLoad, op, "", errors.Join(errUnsupportedKey, err))
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errs.Wrap(errs.KindKeyLoad, op, "", errUnsupportedKey)
	}
	if key.N.BitLen() < MinRSAKeyBits {
		return nil, nil, errs.New(errs.KindKeyLoad, op, "rsa key shorter than 2048 bits")
	}
	return key, cert, nil
}

// Certificate is one parsed certificate together with the exact PEM text
// it was read from.
type Certificate struct {
	Cert *x509.Certificate
	PEM  []byte
}

// LoadCertificates reads every CERTIFICATE block from a PEM file, in order.
func LoadCertificates(path string) ([]Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "load certificates", path, err)
	}
	return ParseCertificates(data)
}

// ParseCertificates splits data on PEM certificate markers. Each returned
// PEM slice spans BEGIN through END exactly as it appears in data.
func ParseCertificates(data []byte) ([]Certificate, error) {
	const op = "parse certificates"
	blocks := SplitCertificatePEM(data)
	if len(blocks) == 0 {
		return nil, errs.New(errs.KindParse, op, "no certificate blocks")
	}
	out := make([]Certificate, 0, len(blocks))
	for i, raw := range blocks {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != blockCertificate {
			return nil, errs.Certificate(errs.KindParse, op, i, "", "malformed PEM block", nil)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errs.Certificate(errs.KindParse, op, i, "", "malformed certificate", err)
		}
		out = append(out, Certificate{Cert: cert, PEM: raw})
	}
	return out, nil
}

var (
	pemBegin = []byte("-----BEGIN " + blockCertificate + "-----")
	pemEnd   = []byte("-----END " + blockCertificate + "-----")
)

// SplitCertificatePEM returns the raw text of each certificate block in
// data, from the BEGIN marker through the END marker inclusive. An
// unterminated trailing block is dropped.
func SplitCertificatePEM(data []byte) [][]byte {
	var out [][]byte
	for {
		i := bytes.Index(data, pemBegin)
		if i < 0 {
			return out
		}
		data = data[i:]
		j := bytes.Index(data, pemEnd)
		if j < 0 {
			return out
		}
		end := j + len(pemEnd)
		out = append(out, data[:end:end])
		data = data[end:]
	}
}

// EncodeCertificate returns the PEM encoding of cert.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockCertificate, Bytes: cert.Raw})
}
