// Package signing produces and checks detached SHA-256withRSA (PKCS#1 v1.5)
// signatures over canonical prescription content.
//
// The content bytes are signed directly; the RSA primitive computes the
// single SHA-256 digest. Trust in the signer's certificate is delegated to
// package chain.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"os"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/keys"
)

// Sign returns the SHA-256withRSA signature of content.
func Sign(content []byte, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errs.New(errs.KindKeyLoad, "sign", "no private key")
	}
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyLoad, "sign", "rsa", err)
	}
	return sig, nil
}

// VerifySignature checks sig over content with pub.
func VerifySignature(content, sig []byte, pub *rsa.PublicKey) error {
	digest := sha256.Sum256(content)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return errs.Wrap(errs.KindSignatureMismatch, "verify", "", err)
	}
	return nil
}

// Signer signs with a key file and a certificate file.
type Signer struct {
	// KeyPath is a PEM private key or a PKCS#12 bundle.
	KeyPath string
	// CertificatePath is a PEM certificate, or a leaf-first chain. It may be
	// empty when KeyPath is a PKCS#12 bundle that carries the certificate.
	CertificatePath string
}

// Signed is a signature paired with the certificate PEM that must be stored
// alongside it.
type Signed struct {
	Signature   []byte
	Certificate []byte
}

// Sign loads the key (decrypting it with password when needed), checks it
// against the leaf certificate and signs content.
func (s Signer) Sign(content, password []byte) (*Signed, error) {
	const op = "sign"
	key, certPEM, err := s.load(password)
	if err != nil {
		return nil, err
	}
	certs, err := keys.ParseCertificates(certPEM)
	if err != nil {
		return nil, err
	}
	leaf, ok := certs[0].Cert.PublicKey.(*rsa.PublicKey)
	if !ok || !key.PublicKey.Equal(leaf) {
		return nil, errs.New(errs.KindKeyLoad, op, "key does not match certificate")
	}
	sig, err := Sign(content, key)
	if err != nil {
		return nil, err
	}
	return &Signed{Signature: sig, Certificate: certPEM}, nil
}

func (s Signer) load(password []byte) (*rsa.PrivateKey, []byte, error) {
	if s.KeyPath == "" {
		return nil, nil, errs.New(errs.KindInvalidArgument, "sign", "no private key configured")
	}
	if s.CertificatePath != "" {
		key, err := keys.LoadPrivateKey(s.KeyPath, password)
		if err != nil {
			return nil, nil, err
		}
		certPEM, err := os.ReadFile(s.CertificatePath)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindIO, "sign", s.CertificatePath, err)
		}
		return key, certPEM, nil
	}

	data, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "sign", s.KeyPath, err)
	}
	key, cert, err := keys.ParsePKCS12(data, password)
	if err != nil {
		return nil, nil, err
	}
	return key, keys.EncodeCertificate(cert), nil
}
