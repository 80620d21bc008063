package mpaz

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"medscript.dev/mpaz/errs"
)

func newManager(t *testing.T, templateDir string) *Manager {
	t.Helper()
	m, err := NewManager(Options{TemplateDir: templateDir, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func writeTemplate(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeZipFile(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, b := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(b); err != nil {
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

func requireKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	if !errs.Is(err, kind) {
		t.Fatalf("expected %s, got %v", kind, err)
	}
}

func TestRoundTrip_EmptyContent(t *testing.T) {
	m := newManager(t, "")
	path := filepath.Join(t.TempDir(), "a.mpaz")

	if err := m.SetContent([]byte("{}")); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := newManager(t, "")
	if err := r.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := r.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(got) != "{}" {
		t.Fatalf("content = %q, want {}", got)
	}
	if r.IsSigned() {
		t.Fatalf("fresh archive reports signed")
	}
	if md := r.Metadata(); md.Type != FormatTag || md.Version != FormatVersion {
		t.Fatalf("metadata = %+v", md)
	}
}

func TestRoundTrip_AttachmentsAndTemplate(t *testing.T) {
	tmpl := writeTemplate(t, "<p>{{.name}}</p>")
	m := newManager(t, tmpl)

	src := filepath.Join(t.TempDir(), "xray.png")
	payload := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Copy(src, ""); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := m.SetContent([]byte(`{"name":"A"}`)); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "doc.mpaz")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := newManager(t, "")
	if err := r.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	list, err := r.List(CategoryAttachment)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || filepath.Base(list[0]) != "xray.png" {
		t.Fatalf("attachments = %v", list)
	}
	got, err := os.ReadFile(list[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("attachment bytes differ")
	}
	if !r.HasTemplate() {
		t.Fatalf("expected embedded template")
	}
	tb, err := os.ReadFile(filepath.Join(r.Dir(), CategoryTemplate, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if string(tb) != "<p>{{.name}}</p>" {
		t.Fatalf("template = %q", tb)
	}
}

func TestSave_IsDeterministic(t *testing.T) {
	m := newManager(t, writeTemplate(t, "x"))
	if err := m.SetContent([]byte("{}")); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mpaz")
	b := filepath.Join(dir, "b.mpaz")
	if err := m.Save(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(b); err != nil {
		t.Fatal(err)
	}
	ab, _ := os.ReadFile(a)
	bb, _ := os.ReadFile(b)
	if !bytes.Equal(ab, bb) {
		t.Fatalf("saving the same workspace twice produced different bytes")
	}
}

func TestSave_KeepsEmbeddedTemplate(t *testing.T) {
	m := newManager(t, writeTemplate(t, "configured"))
	custom := writeTemplate(t, "custom")
	if err := m.ReplaceTemplate(custom); err != nil {
		t.Fatalf("ReplaceTemplate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "a.mpaz")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(m.Dir(), CategoryTemplate, "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "custom" {
		t.Fatalf("template overwritten: %q", b)
	}
}

func TestSave_WithoutPath(t *testing.T) {
	m := newManager(t, "")
	requireKind(t, m.Save(""), errs.KindIO)
}

func TestSave_MissingTemplateDirIsIOError(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "missing"))
	requireKind(t, m.Save(filepath.Join(t.TempDir(), "a.mpaz")), errs.KindIO)
}

func TestDeleteSign_ThenSave(t *testing.T) {
	m := newManager(t, "")
	path := filepath.Join(t.TempDir(), "a.mpaz")
	if err := m.SetContent([]byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreSignature([]byte{1, 2, 3}, []byte("-----BEGIN CERTIFICATE-----\n")); err != nil {
		t.Fatalf("StoreSignature: %v", err)
	}
	if !m.IsSigned() {
		t.Fatalf("expected signed workspace")
	}
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteSign(); err != nil {
		t.Fatalf("DeleteSign: %v", err)
	}
	if err := m.Save(""); err != nil {
		t.Fatal(err)
	}

	r := newManager(t, "")
	if err := r.Open(path); err != nil {
		t.Fatal(err)
	}
	if r.IsSigned() {
		t.Fatalf("reopened archive still signed")
	}
	s, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	for _, e := range s.Entries {
		if e == SignatureEntry || e == CertificateEntry {
			t.Fatalf("entry %s survived unsign", e)
		}
	}
}

func TestDelete_IsIdempotent(t *testing.T) {
	m := newManager(t, "")
	if err := m.DeleteSign(); err != nil {
		t.Fatalf("DeleteSign on unsigned: %v", err)
	}
	if err := m.DeleteAttachment("nope.pdf"); err != nil {
		t.Fatalf("DeleteAttachment missing: %v", err)
	}

	src := filepath.Join(t.TempDir(), "lab.pdf")
	if err := os.WriteFile(src, []byte("pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst, err := m.Copy(src, CategoryAttachment)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteAttachment(dst); err != nil {
		t.Fatalf("DeleteAttachment: %v", err)
	}
	list, err := m.List(CategoryAttachment)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("attachment not removed: %v", list)
	}
}

func TestCopy_OntoItselfIsNoop(t *testing.T) {
	m := newManager(t, "")
	src := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst, err := m.Copy(src, "")
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.Copy(dst, "")
	if err != nil {
		t.Fatalf("Copy onto itself: %v", err)
	}
	if again != dst {
		t.Fatalf("dst = %s, want %s", again, dst)
	}
	b, _ := os.ReadFile(dst)
	if string(b) != "hello" {
		t.Fatalf("content damaged: %q", b)
	}
}

func TestCopy_RejectsBadCategory(t *testing.T) {
	m := newManager(t, "")
	src := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(src, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"..", "a/b", SignatureEntry} {
		if _, err := m.Copy(src, c); !errs.Is(err, errs.KindInvalidArgument) {
			t.Fatalf("category %q: got %v", c, err)
		}
	}
	if _, err := m.Copy(filepath.Join(t.TempDir(), "missing"), ""); !errs.Is(err, errs.KindIO) {
		t.Fatalf("missing source: got %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	m := newManager(t, "")
	dir := t.TempDir()

	requireKind(t, m.Open(filepath.Join(dir, "missing.mpaz")), errs.KindNotFound)
	requireKind(t, m.Open(dir), errs.KindNotFound)

	garbage := filepath.Join(dir, "garbage.mpaz")
	if err := os.WriteFile(garbage, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	requireKind(t, m.Open(garbage), errs.KindCorruptArchive)

	slip := filepath.Join(dir, "slip.mpaz")
	writeZipFile(t, slip, map[string][]byte{"../evil": []byte("x")})
	requireKind(t, m.Open(slip), errs.KindCorruptArchive)

	unpaired := filepath.Join(dir, "unpaired.mpaz")
	writeZipFile(t, unpaired, map[string][]byte{ContentEntry: []byte("{}"), SignatureEntry: []byte{1}})
	requireKind(t, m.Open(unpaired), errs.KindCorruptArchive)

	clash := filepath.Join(dir, "clash.mpaz")
	writeZipFile(t, clash, map[string][]byte{ContentEntry: []byte("{}"), "attachment/a": []byte("x"), "attachment/a/b": []byte("y")})
	requireKind(t, m.Open(clash), errs.KindCorruptArchive)

	foreign := filepath.Join(dir, "foreign.mpaz")
	writeZipFile(t, foreign, map[string][]byte{MetadataEntry: []byte(`{"type":"Other","version":"1"}`)})
	requireKind(t, m.Open(foreign), errs.KindCorruptArchive)
}

func TestOpen_FailureKeepsWorkspace(t *testing.T) {
	m := newManager(t, "")
	if err := m.SetContent([]byte(`{"keep":true}`)); err != nil {
		t.Fatal(err)
	}
	dir := m.Dir()
	if err := m.Open(filepath.Join(t.TempDir(), "missing.mpaz")); err == nil {
		t.Fatalf("expected error")
	}
	if m.Dir() != dir {
		t.Fatalf("workspace replaced after failed open")
	}
	b, err := m.Content()
	if err != nil || string(b) != `{"keep":true}` {
		t.Fatalf("content lost: %q %v", b, err)
	}
}

func TestOpen_ToleratesUnknownVersionAndLegacyArchives(t *testing.T) {
	m := newManager(t, "")
	dir := t.TempDir()

	future := filepath.Join(dir, "future.mpaz")
	writeZipFile(t, future, map[string][]byte{
		MetadataEntry: []byte(`{"type":"MedScript","version":"9.9","extra":1}`),
		ContentEntry:  []byte("{}"),
	})
	if err := m.Open(future); err != nil {
		t.Fatalf("Open future: %v", err)
	}
	if m.Metadata().Version != "9.9" {
		t.Fatalf("version = %q", m.Metadata().Version)
	}

	// Saving always writes the current version.
	if err := m.Save(""); err != nil {
		t.Fatal(err)
	}
	s, err := Inspect(future)
	if err != nil {
		t.Fatal(err)
	}
	if s.Metadata.Version != FormatVersion {
		t.Fatalf("saved version = %q", s.Metadata.Version)
	}

	legacy := filepath.Join(dir, "legacy.mpaz")
	writeZipFile(t, legacy, map[string][]byte{
		MetadataEntry: []byte(`{"type":"MedScript","version":"0.1"}`),
		ContentEntry:  []byte("{}"),
	})
	if err := m.Open(legacy); err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
}

func TestOpen_DetectsManifestTampering(t *testing.T) {
	m := newManager(t, "")
	path := filepath.Join(t.TempDir(), "a.mpaz")
	if err := m.SetContent([]byte(`{"dose":"10mg"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	meta, err := os.ReadFile(filepath.Join(m.Dir(), MetadataEntry))
	if err != nil {
		t.Fatal(err)
	}
	writeZipFile(t, path, map[string][]byte{
		MetadataEntry: meta,
		ContentEntry:  []byte(`{"dose":"90mg"}`),
	})
	requireKind(t, m.Open(path), errs.KindCorruptArchive)
}

func TestSave_RefusesUnpairedWorkspace(t *testing.T) {
	m := newManager(t, "")
	if err := os.WriteFile(filepath.Join(m.Dir(), SignatureEntry), []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	requireKind(t, m.Save(filepath.Join(t.TempDir(), "a.mpaz")), errs.KindCorruptArchive)
}

func TestReset_RemovesPreviousWorkspace(t *testing.T) {
	m := newManager(t, "")
	old := m.Dir()
	if err := m.Reset(filepath.Join(t.TempDir(), "new.mpaz")); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old workspace still present: %v", err)
	}
	if m.Dir() == old {
		t.Fatalf("workspace not replaced")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Content(); !errs.Is(err, errs.KindInvalidArgument) {
		t.Fatalf("use after close: %v", err)
	}
}

func TestCleanEntryPath(t *testing.T) {
	cases := map[string]string{
		"prescription.json":  "prescription.json",
		"template/index.htm": "template/index.htm",
		"attachment/":        "attachment",
		"../x":               "",
		"/etc/passwd":        "",
		"a//b":               "",
		"a/./b":              "",
		`template\..\x`:      "",
	}
	for in, want := range cases {
		if got := cleanEntryPath(in); got != want {
			t.Errorf("cleanEntryPath(%q) = %q, want %q", in, got, want)
		}
	}
}
