package signing

import (
	"crypto/rsa"
	"crypto/x509"

	"medscript.dev/mpaz/chain"
	"medscript.dev/mpaz/errs"
)

// Status is the outcome of an on-demand verification.
type Status int

const (
	// NoSignature means the document carries no signature. It is not a failure.
	NoSignature Status = iota
	// Trusted means the signature matches and the chain is trusted.
	Trusted
	// Invalid means the chain or the signature was rejected; see Outcome.Reason.
	Invalid
	// Unavailable means trust could not be decided because the root bundle
	// could not be read.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case NoSignature:
		return "NO_SIGNATURE"
	case Trusted:
		return "TRUSTED"
	case Invalid:
		return "INVALID"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the result of Verifier.Verify.
type Outcome struct {
	Status   Status
	Identity Identity
	Chain    []*x509.Certificate
	// Reason is the typed error behind an Invalid or Unavailable status.
	Reason error
}

// Verifier checks stored signatures against content and certificate.
type Verifier struct {
	Validator *chain.Validator
}

// Verify checks signature over content using the certificate chain in
// certificatePath. An empty path or signature yields NoSignature.
func (v *Verifier) Verify(content []byte, certificatePath string, signature []byte) Outcome {
	if certificatePath == "" || len(signature) == 0 {
		return Outcome{Status: NoSignature}
	}
	if v == nil || v.Validator == nil {
		return Outcome{
			Status: Unavailable,
			Reason: errs.New(errs.KindTrustStoreUnavailable, "verify", "no root bundle configured"),
		}
	}

	res, err := v.Validator.Validate(certificatePath)
	if err != nil {
		if errs.Is(err, errs.KindTrustStoreUnavailable) {
			return Outcome{Status: Unavailable, Reason: err}
		}
		return Outcome{Status: Invalid, Reason: err}
	}

	leaf := res.Leaf()
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return Outcome{Status: Invalid, Reason: errs.New(errs.KindKeyLoad, "verify", "leaf key is not RSA")}
	}
	if err := VerifySignature(content, signature, pub); err != nil {
		return Outcome{Status: Invalid, Chain: res.Chain, Reason: err}
	}
	return Outcome{
		Status:   Trusted,
		Identity: IdentityFromName(leaf.Subject),
		Chain:    res.Chain,
	}
}
