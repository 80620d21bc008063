// Package testkit holds the behavior every vault backend must share.
package testkit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"medscript.dev/mpaz/cidutil"
	"medscript.dev/mpaz/storage"
)

// NewCAS returns a fresh, empty backend isolated from other tests.
type NewCAS func(t *testing.T) storage.CAS

// RunCASConformance runs the shared backend contract against newCAS.
func RunCASConformance(t *testing.T, newCAS NewCAS) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		cas := newCAS(t)
		want := []byte("PK\x03\x04 sealed prescription archive")

		id, err := cas.Put(ctx, want)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		wantID, err := cidutil.CIDv1RawSHA256CID(want)
		if err != nil {
			t.Fatal(err)
		}
		if !id.Equals(wantID) {
			t.Fatalf("Put CID = %s, want %s", id, wantID)
		}
		got, err := cas.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("same archive")
		id1, err := cas.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		id2, err := cas.Put(ctx, b)
		if err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("EmptyBlob", func(t *testing.T) {
		cas := newCAS(t)
		id, err := cas.Put(ctx, nil)
		if err != nil {
			t.Fatalf("Put(empty) failed: %v", err)
		}
		got, err := cas.Get(ctx, id)
		if err != nil || len(got) != 0 {
			t.Fatalf("Get(empty) = %q, %v", got, err)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		cas := newCAS(t)
		b := []byte("absent")
		id, err := cidutil.CIDv1RawSHA256CID(b)
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := cas.Has(ctx, id); err != nil || ok {
			t.Fatalf("Has before Put = %v, %v", ok, err)
		}
		if _, err := cas.Get(ctx, id); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got %v, want ErrNotFound", err)
		}
		if _, err := cas.Put(ctx, b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if ok, err := cas.Has(ctx, id); err != nil || !ok {
			t.Fatalf("Has after Put = %v, %v", ok, err)
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		cas := newCAS(t)
		var undef cid.Cid
		if ok, _ := cas.Has(ctx, undef); ok {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := cas.Get(ctx, undef); !errors.Is(err, storage.ErrInvalidCID) {
			t.Fatalf("Get(undef) = %v, want ErrInvalidCID", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		cas := newCAS(t)
		l, ok := cas.(storage.Lister)
		if !ok {
			t.Skip("backend does not list")
		}
		id, err := cas.Put(ctx, []byte("listed"))
		if err != nil {
			t.Fatal(err)
		}
		ids, err := l.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 1 || !ids[0].Equals(id) {
			t.Fatalf("List = %v, want [%s]", ids, id)
		}
	})
}
