// Package storage defines the archive vault: content-addressed storage for
// sealed .mpaz files, keyed by the CIDv1 (raw codec, sha2-256) of the exact
// archive bytes. Backends live in subpackages; storage/vault composes them.
package storage

import (
	"context"

	"github.com/ipfs/go-cid"

	"medscript.dev/mpaz/cidutil"
)

// CAS stores immutable blobs by content identifier.
//
// Put is idempotent and returns the CID of the bytes it was given. Get
// returns ErrNotFound for an absent CID and never returns bytes that do not
// hash to the requested CID.
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) (bool, error)
}

// Lister is implemented by backends that can enumerate their contents.
type Lister interface {
	List(ctx context.Context) ([]cid.Cid, error)
}

// Verify checks that data hashes to id.
func Verify(id cid.Cid, data []byte) error {
	if !id.Defined() {
		return ErrInvalidCID
	}
	got, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrDigestMismatch
	}
	return nil
}

// ParseCID decodes s and rejects anything but a defined CID.
func ParseCID(s string) (cid.Cid, error) {
	id, err := cid.Decode(s)
	if err != nil || !id.Defined() {
		return cid.Undef, ErrInvalidCID
	}
	return id, nil
}
