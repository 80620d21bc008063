package session

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"medscript.dev/mpaz/chain"
	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/internal/testpki"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/plugin"
	"medscript.dev/mpaz/prescription"
	"medscript.dev/mpaz/signing"
)

type recorder struct {
	opened, saved, signed, removed []string
	verified                       []string
}

func (r *recorder) subscribe(bus *events.Bus) {
	events.Subscribe(bus, func(e events.DocumentOpened) { r.opened = append(r.opened, e.Path) })
	events.Subscribe(bus, func(e events.DocumentSaved) { r.saved = append(r.saved, e.Path) })
	events.Subscribe(bus, func(e events.DocumentSigned) { r.signed = append(r.signed, e.Subject) })
	events.Subscribe(bus, func(e events.SignatureRemoved) { r.removed = append(r.removed, e.Path) })
	events.Subscribe(bus, func(e events.DocumentVerified) { r.verified = append(r.verified, e.Status) })
}

type uppercase struct{}

func (uppercase) Name() string { return "uppercase" }

func (uppercase) OnSave(_ context.Context, p *prescription.Prescription) (string, error) {
	p.Diagnosis = p.Diagnosis + " (reviewed)"
	return "reviewed", nil
}

type env struct {
	dir string
	bus *events.Bus
	rec *recorder
	s   *Session
}

func newEnv(t *testing.T, withKey bool) *env {
	t.Helper()
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template")
	if err := os.MkdirAll(tmpl, 0o755); err != nil {
		t.Fatal(err)
	}
	testpki.WriteFile(t, tmpl, "index.html", []byte("<p>{{.name}}</p>"))

	root := testpki.NewRoot(t, "Session Root")
	leaf := root.Issue(t, "Dr. Test", false)
	opts := Options{
		Manager:    mpaz.Options{TemplateDir: tmpl, TempDir: t.TempDir()},
		Verifier:   &signing.Verifier{Validator: &chain.Validator{RootBundle: testpki.WriteFile(t, dir, "roots.pem", root.PEM)}},
		Bus:        events.NewBus(),
		Prescriber: prescription.Prescriber{Name: "Dr. Test"},
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) },
	}
	if withKey {
		opts.Signer = signing.Signer{
			KeyPath:         testpki.WriteFile(t, dir, "key.pem", leaf.KeyPEM()),
			CertificatePath: testpki.WriteFile(t, dir, "cert.pem", testpki.Chain(leaf, root)),
		}
	}
	reg := plugin.NewRegistry(zerolog.Nop(), opts.Bus)
	reg.MustRegister(uppercase{})
	opts.Plugins = reg

	e := &env{dir: dir, bus: opts.Bus, rec: &recorder{}}
	e.rec.subscribe(e.bus)
	s, _, err := NewSession(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	e.s = s
	return e
}

func TestSession_NewSaveOpen(t *testing.T) {
	e := newEnv(t, false)
	rx := e.s.Content()
	if rx.ID == "" || rx.Date != "2024-03-01 10:00:00" || rx.Prescriber.Name != "Dr. Test" {
		t.Fatalf("new prescription = %+v", rx)
	}
	rx.Name = "Ravi"
	rx.Diagnosis = "Fever"

	path := filepath.Join(e.dir, "doc", "ravi.mpaz")
	msgs, err := e.s.Save(context.Background(), path, rx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "reviewed" {
		t.Fatalf("messages = %+v", msgs)
	}
	if e.s.Dirty() {
		t.Fatalf("session dirty after save")
	}
	if len(e.rec.saved) != 1 || e.rec.saved[0] != path {
		t.Fatalf("saved events = %v", e.rec.saved)
	}

	if _, err := e.s.New(context.Background()); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.s.Open(context.Background(), path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := e.s.Content(); got.Name != "Ravi" || got.Diagnosis != "Fever (reviewed)" {
		t.Fatalf("reopened content = %+v", got)
	}
	if !e.s.Manager().HasTemplate() {
		t.Fatalf("template not embedded")
	}
	if e.s.State() != Unsigned || len(e.rec.opened) != 1 {
		t.Fatalf("state %s, opened %v", e.s.State(), e.rec.opened)
	}
}

func TestSession_SignVerifyUnsign(t *testing.T) {
	e := newEnv(t, true)
	path := filepath.Join(e.dir, "a.mpaz")
	if _, err := e.s.Save(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.s.Sign(nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if e.s.State() != Signed {
		t.Fatalf("not signed")
	}
	if len(e.rec.signed) != 1 || e.rec.signed[0] != "CN=Dr. Test" {
		t.Fatalf("signed events = %v", e.rec.signed)
	}

	if _, err := e.s.Open(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	out, err := e.s.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != signing.Trusted {
		t.Fatalf("status %s: %v", out.Status, out.Reason)
	}

	if err := e.s.Unsign(); err != nil {
		t.Fatalf("Unsign: %v", err)
	}
	if _, err := e.s.Open(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	out, err = e.s.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != signing.NoSignature {
		t.Fatalf("status after unsign = %s", out.Status)
	}
	want := []string{"TRUSTED", "NO_SIGNATURE"}
	if len(e.rec.verified) != 2 || e.rec.verified[0] != want[0] || e.rec.verified[1] != want[1] {
		t.Fatalf("verified events = %v", e.rec.verified)
	}
	if len(e.rec.removed) != 1 {
		t.Fatalf("removed events = %v", e.rec.removed)
	}
}

func TestSession_SignRequiresSavedDocument(t *testing.T) {
	e := newEnv(t, true)
	if err := e.s.Sign(nil); !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("unsaved: %v", err)
	}

	path := filepath.Join(e.dir, "a.mpaz")
	if _, err := e.s.Save(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}
	e.s.Content().Note = "edited after save"
	if err := e.s.Sign(nil); !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("modified: %v", err)
	}
}

func TestSession_SignRequiresKey(t *testing.T) {
	e := newEnv(t, false)
	if _, err := e.s.Save(context.Background(), filepath.Join(e.dir, "a.mpaz"), nil); err != nil {
		t.Fatal(err)
	}
	err := e.s.Sign(nil)
	if !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSession_OpenFailureKeepsDocument(t *testing.T) {
	e := newEnv(t, false)
	e.s.Content().Name = "kept"
	if _, err := e.s.Open(context.Background(), filepath.Join(e.dir, "missing.mpaz")); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if e.s.Content().Name != "kept" {
		t.Fatalf("content replaced on failed open")
	}
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSession_OpenUndecodableContentKeepsBinding(t *testing.T) {
	e := newEnv(t, false)
	good := filepath.Join(e.dir, "good.mpaz")
	e.s.Content().Name = "Alice"
	if _, err := e.s.Save(context.Background(), good, nil); err != nil {
		t.Fatal(err)
	}

	bad := filepath.Join(e.dir, "bad.mpaz")
	writeArchive(t, bad, map[string]string{
		mpaz.ContentEntry:     "not json",
		"attachment/xray.png": "scan",
	})
	before, err := os.ReadFile(bad)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.s.Open(context.Background(), bad); !errs.Is(err, errs.KindParse) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if e.s.Path() != good || e.s.Content().Name != "Alice" {
		t.Fatalf("after failed open: path %s, name %q", e.s.Path(), e.s.Content().Name)
	}
	if _, err := e.s.Save(context.Background(), "", nil); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(bad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("save after failed open rewrote %s", bad)
	}

	noContent := filepath.Join(e.dir, "empty.mpaz")
	writeArchive(t, noContent, map[string]string{"attachment/xray.png": "scan"})
	if _, err := e.s.Open(context.Background(), noContent); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if e.s.Path() != good {
		t.Fatalf("bound to %s after failed open", e.s.Path())
	}
}

func TestSession_SignSaveFailureLeavesUnsigned(t *testing.T) {
	e := newEnv(t, true)
	path := filepath.Join(e.dir, "a.mpaz")
	if _, err := e.s.Save(context.Background(), path, nil); err != nil {
		t.Fatal(err)
	}
	// A non-empty directory in place of the archive makes the rewrite fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := e.s.Sign(nil); !errs.Is(err, errs.KindIO) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if e.s.State() != Unsigned {
		t.Fatalf("state = %s after failed save", e.s.State())
	}
	if len(e.rec.signed) != 0 {
		t.Fatalf("signed events = %v", e.rec.signed)
	}

	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	if _, err := e.s.Save(context.Background(), "", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.s.Sign(nil); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	prev, _, err := e.s.Manager().Signature()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := e.s.Sign(nil); !errs.Is(err, errs.KindIO) {
		t.Fatalf("expected IOError on re-sign, got %v", err)
	}
	sig, _, err := e.s.Manager().Signature()
	if err != nil {
		t.Fatal(err)
	}
	if e.s.State() != Signed || !bytes.Equal(sig, prev) {
		t.Fatalf("previous signature not restored: state %s", e.s.State())
	}
}

func TestWorker_DeliversCompletions(t *testing.T) {
	w := NewWorker(context.Background(), 2)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		w.Go(name, func(context.Context) (any, error) {
			if name == "b" {
				return nil, errors.New("boom")
			}
			if name == "c" {
				panic("bad input")
			}
			return name + "!", nil
		})
	}
	w.Close()

	var got []string
	for c := range w.Results() {
		switch c.Op {
		case "a":
			if c.Value != "a!" || c.Err != nil {
				t.Errorf("a = %+v", c)
			}
		case "b", "c":
			if c.Err == nil {
				t.Errorf("%s: expected error", c.Op)
			}
		}
		got = append(got, c.Op)
	}
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("completions = %v", got)
	}
}
