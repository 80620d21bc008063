package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medscript.dev/mpaz/cidutil"
	"medscript.dev/mpaz/storage"
	"medscript.dev/mpaz/storage/bundle"
	"medscript.dev/mpaz/storage/localfs"
)

func newVault(t *testing.T) *localfs.CAS {
	t.Helper()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return cas
}

func put(t *testing.T, cas storage.CAS, data string) string {
	t.Helper()
	id, err := cas.Put(context.Background(), []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	return id.String()
}

func TestExport_IsDeterministic(t *testing.T) {
	cas := newVault(t)
	a := put(t, cas, "archive a")
	b := put(t, cas, "archive b")

	var outA, outB bytes.Buffer
	if err := bundle.Export(context.Background(), &outA, cas, []bundle.Entry{{Name: "b.mpaz", CID: b}, {Name: "a.mpaz", CID: a}}); err != nil {
		t.Fatal(err)
	}
	if err := bundle.Export(context.Background(), &outB, cas, []bundle.Entry{{Name: "a.mpaz", CID: a}, {Name: "b.mpaz", CID: b}}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
}

func TestImport_RoundTrip(t *testing.T) {
	src := newVault(t)
	a := put(t, src, "archive a")

	var buf bytes.Buffer
	entries := []bundle.Entry{{Name: "a.mpaz", CID: a}, {Name: "copy-of-a.mpaz", CID: a}}
	if err := bundle.Export(context.Background(), &buf, src, entries); err != nil {
		t.Fatal(err)
	}

	dst := newVault(t)
	got, err := bundle.Import(context.Background(), bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a.mpaz" || got[0].Size != len("archive a") {
		t.Fatalf("entries = %+v", got)
	}
	ids, err := bundle.CIDs(got)
	if err != nil || len(ids) != 1 {
		t.Fatalf("CIDs = %v, %v", ids, err)
	}
	b, err := dst.Get(context.Background(), ids[0])
	if err != nil || string(b) != "archive a" {
		t.Fatalf("Get = %q, %v", b, err)
	}
}

func TestExport_MissingArchive(t *testing.T) {
	cas := newVault(t)
	id := cidutil.CIDv1RawSHA256([]byte("never stored"))
	err := bundle.Export(context.Background(), &bytes.Buffer{}, cas, []bundle.Entry{{Name: "x.mpaz", CID: id}})
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestImport_FailsClosed(t *testing.T) {
	good := []byte("good")
	goodCID := cidutil.CIDv1RawSHA256(good)
	otherCID := cidutil.CIDv1RawSHA256([]byte("other"))
	index := func(cid string) []byte {
		return []byte(`{"version":1,"entries":[{"name":"a.mpaz","cid":"` + cid + `","size":4}]}`)
	}

	cases := []struct {
		name  string
		files []file
		want  string
	}{
		{"mismatch", []file{{"archives/" + otherCID, good}, {"index.json", index(otherCID)}}, "does not match"},
		{"unknown", []file{{"archives/" + goodCID, good}, {"notes.txt", good}, {"index.json", index(goodCID)}}, "unknown entry"},
		{"slip", []file{{"../archives/" + goodCID, good}}, "invalid entry path"},
		{"no index", []file{{"archives/" + goodCID, good}}, "missing index.json"},
		{"dangling", []file{{"index.json", index(goodCID)}}, "has no block"},
		{"duplicate", []file{{"archives/" + goodCID, good}, {"archives/" + goodCID, good}}, "duplicate block"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := bundle.Import(context.Background(), bytes.NewReader(makeTar(t, tc.files)), newVault(t))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}

	_, err := bundle.Import(context.Background(), bytes.NewReader(makeTar(t, cases[0].files)), newVault(t))
	if !errors.Is(err, storage.ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

type file struct {
	name string
	body []byte
}

func makeTar(t *testing.T, files []file) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		h := &tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.body)),
			ModTime:  time.Unix(0, 0).UTC(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(f.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
