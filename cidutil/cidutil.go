// Package cidutil derives content identifiers for archive entries and vault
// objects.
//
// All identifiers are CIDv1 with the "raw" multicodec over a sha2-256
// multihash, so the same bytes always map to the same string.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns the CIDv1 string for data, or "" if hashing fails.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Matches reports whether data hashes to the CID encoded in want.
// A want that does not decode is reported as an error.
func Matches(data []byte, want string) (bool, error) {
	wantID, err := cid.Decode(want)
	if err != nil {
		return false, err
	}
	got, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return false, err
	}
	return got.Equals(wantID), nil
}
