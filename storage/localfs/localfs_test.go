package localfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"medscript.dev/mpaz/storage"
	"medscript.dev/mpaz/storage/testkit"
)

func TestLocalFS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		cas, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return cas
	})
}

func TestLocalFS_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	orig := []byte("archive bytes")
	id, err := cas.Put(ctx, orig)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := cas.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := cas.Get(ctx, id); !errors.Is(err, storage.ErrDigestMismatch) {
		t.Fatalf("Get after tamper: got %v", err)
	}
	if _, err := cas.Put(ctx, orig); !errors.Is(err, storage.ErrImmutable) {
		t.Fatalf("Put after tamper: got %v", err)
	}
}

func TestLocalFS_ListSkipsStrayFiles(t *testing.T) {
	ctx := context.Background()
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := cas.Put(ctx, []byte("a"))
	b, _ := cas.Put(ctx, []byte("b"))
	if err := os.WriteFile(filepath.Join(cas.Root(), "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := cas.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("List = %v", ids)
	}
	want := []string{a.String(), b.String()}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if ids[0].String() != want[0] || ids[1].String() != want[1] {
		t.Fatalf("List order = %v", ids)
	}
}
