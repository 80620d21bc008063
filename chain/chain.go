// Package chain decides whether a leaf-first PEM certificate chain is
// trusted: every certificate must be inside its validity window, each
// certificate must be signed by the next one, and the last certificate must
// appear verbatim in an operator supplied root bundle.
//
// Revocation (OCSP, CRL) is not checked.
package chain

import (
	"bytes"
	"crypto/x509"
	"os"
	"time"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/keys"
)

const op = "validate chain"

// Result describes a trusted chain.
type Result struct {
	// Chain is leaf first.
	Chain []*x509.Certificate
	// Root is the PEM text of the pinned root, exactly as found in the bundle.
	Root []byte
}

// Leaf returns the first certificate of the chain.
func (r *Result) Leaf() *x509.Certificate {
	if r == nil || len(r.Chain) == 0 {
		return nil
	}
	return r.Chain[0]
}

// Validate reads chainFile and rootBundlePath and checks the chain at now.
// A nil error means the chain is trusted. Failures are *errs.Error with
// kind IOError or ParseError (chain file), Expired, NotYetValid,
// BrokenChain, TrustStoreUnavailable or UntrustedRoot.
func Validate(chainFile, rootBundlePath string, now time.Time) (*Result, error) {
	data, err := os.ReadFile(chainFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, op, chainFile, err)
	}
	return ValidatePEM(data, rootBundlePath, now)
}

// ValidatePEM is Validate for an in-memory chain.
func ValidatePEM(chainPEM []byte, rootBundlePath string, now time.Time) (*Result, error) {
	certs, err := keys.ParseCertificates(chainPEM)
	if err != nil {
		return nil, err
	}

	for i, c := range certs {
		if err := checkValidity(c.Cert, i, now); err != nil {
			return nil, err
		}
	}

	for i := 1; i < len(certs); i++ {
		prev, cur := certs[i-1].Cert, certs[i].Cert
		if err := cur.CheckSignature(prev.SignatureAlgorithm, prev.RawTBSCertificate, prev.Signature); err != nil {
			return nil, errs.Certificate(errs.KindBrokenChain, op, i, cur.Subject.String(),
				"does not sign "+prev.Subject.String(), err)
		}
	}

	bundle, err := readBundle(rootBundlePath)
	if err != nil {
		return nil, err
	}
	root := certs[len(certs)-1].PEM
	if !containsBlock(bundle, root) {
		return nil, errs.Certificate(errs.KindUntrustedRoot, op, len(certs)-1,
			certs[len(certs)-1].Cert.Subject.String(), "root not in bundle", nil)
	}

	out := &Result{Chain: make([]*x509.Certificate, 0, len(certs)), Root: root}
	for _, c := range certs {
		out.Chain = append(out.Chain, c.Cert)
	}
	return out, nil
}

func checkValidity(c *x509.Certificate, index int, now time.Time) error {
	switch {
	case now.After(c.NotAfter):
		return errs.Certificate(errs.KindExpired, op, index, c.Subject.String(),
			"not after "+c.NotAfter.UTC().Format(time.RFC3339), nil)
	case now.Before(c.NotBefore):
		return errs.Certificate(errs.KindNotYetValid, op, index, c.Subject.String(),
			"not before "+c.NotBefore.UTC().Format(time.RFC3339), nil)
	}
	return nil
}

// readBundle returns the raw certificate blocks of the root bundle. Any
// failure to read the file is TrustStoreUnavailable; an empty or blockless
// bundle is readable and simply trusts nothing.
func readBundle(path string) ([][]byte, error) {
	if path == "" {
		return nil, errs.New(errs.KindTrustStoreUnavailable, op, "no root bundle configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindTrustStoreUnavailable, op, path, err)
	}
	return keys.SplitCertificatePEM(data), nil
}

// containsBlock is an exact membership test over whole PEM blocks. A root
// that only occurs as a substring of a concatenation does not match.
func containsBlock(bundle [][]byte, root []byte) bool {
	for _, b := range bundle {
		if bytes.Equal(b, root) {
			return true
		}
	}
	return false
}

// Validator binds a root bundle and clock for repeated validation.
type Validator struct {
	RootBundle string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate checks the chain in chainFile against v.RootBundle.
func (v *Validator) Validate(chainFile string) (*Result, error) {
	return Validate(chainFile, v.RootBundle, v.now())
}

func (v *Validator) now() time.Time {
	if v == nil || v.Now == nil {
		return time.Now()
	}
	return v.Now()
}
