// Package mpaz implements the MedScript document container: a single ZIP
// archive (.mpaz) holding canonical prescription content, its metadata, an
// embedded rendering template, attachments and an optional detached
// signature with the signer's certificate.
//
// A Manager owns one scratch workspace at a time. Every mutation happens in
// that workspace; Save commits it to one archive file.
package mpaz

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/internal/fsutil"
)

// Logical entries inside an archive and its workspace.
const (
	ContentEntry     = "prescription.json"
	MetadataEntry    = "meta.json"
	CertificateEntry = "certificate.pem"
	SignatureEntry   = "signature"

	CategoryAttachment = "attachment"
	CategoryTemplate   = "template"
)

// Options configures a Manager.
type Options struct {
	// TemplateDir is copied into the template bucket on save when the
	// workspace does not already embed a template. Empty disables copying.
	TemplateDir string
	// TempDir is the parent of scratch workspaces; empty means os.TempDir.
	TempDir string
	// Logger receives debug diagnostics. The zero value discards them.
	Logger zerolog.Logger
}

// Manager translates between an archive file and its editable workspace.
// It is not safe for concurrent use.
type Manager struct {
	opts Options
	log  zerolog.Logger
	path string
	dir  string
	meta Metadata
}

// NewManager returns a Manager bound to a fresh, unsaved workspace.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{opts: opts, log: opts.Logger.With().Str("component", "mpaz").Logger()}
	if err := m.Reset(""); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the bound archive path, or "" for an unsaved document.
func (m *Manager) Path() string { return m.path }

// Dir returns the workspace directory, or "" after Close.
func (m *Manager) Dir() string { return m.dir }

// Metadata returns the metadata of the last opened or saved archive.
func (m *Manager) Metadata() Metadata { return m.meta }

// Reset discards the current workspace, allocates a new one and binds path.
// path may be empty or name a file that does not exist yet.
func (m *Manager) Reset(path string) error {
	dir, err := os.MkdirTemp(m.opts.TempDir, "mpaz-*")
	if err != nil {
		return errs.Wrap(errs.KindIO, "reset", "create workspace", err)
	}
	m.discard()
	m.dir = dir
	m.path = path
	m.meta = Metadata{Type: FormatTag, Version: FormatVersion}
	m.log.Debug().Str("workspace", dir).Str("path", path).Msg("workspace created")
	return nil
}

// Close removes the workspace. The Manager is unusable until Reset.
func (m *Manager) Close() error {
	if m.dir == "" {
		return nil
	}
	dir := m.dir
	m.dir = ""
	if err := os.RemoveAll(dir); err != nil {
		return errs.Wrap(errs.KindIO, "close", "remove workspace", err)
	}
	m.log.Debug().Str("workspace", dir).Msg("workspace removed")
	return nil
}

func (m *Manager) discard() {
	if m.dir == "" {
		return
	}
	if err := os.RemoveAll(m.dir); err != nil {
		m.log.Warn().Err(err).Str("workspace", m.dir).Msg("remove workspace")
	}
	m.dir = ""
}

func (m *Manager) workspace(op string) (string, error) {
	if m.dir == "" {
		return "", errs.New(errs.KindInvalidArgument, op, "workspace closed")
	}
	return m.dir, nil
}

// Open replaces the workspace with the contents of the archive at path.
// On failure the previous workspace is left untouched.
func (m *Manager) Open(path string) error {
	return m.OpenWith(path, nil)
}

// OpenWith is Open with an acceptance check. accept sees the archive's
// content entry before the workspace is replaced; an error from it, or a
// missing content entry, leaves the Manager bound to its previous document.
func (m *Manager) OpenWith(path string, accept func(content []byte) error) error {
	const op = "open"
	fi, err := os.Stat(path)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, op, path, err)
	}
	if !fi.Mode().IsRegular() {
		return errs.New(errs.KindNotFound, op, path+" is not a file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, op, path, err)
	}
	files, meta, err := decodeArchive(raw)
	if err != nil {
		return errs.Wrap(errs.KindCorruptArchive, op, path, err)
	}
	if accept != nil {
		content, ok := files[ContentEntry]
		if !ok {
			return errs.New(errs.KindNotFound, op, path+": no "+ContentEntry)
		}
		if err := accept(content); err != nil {
			return err
		}
	}

	dir, err := os.MkdirTemp(m.opts.TempDir, "mpaz-*")
	if err != nil {
		return errs.Wrap(errs.KindIO, op, "create workspace", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(dir)
		}
	}()
	for name, b := range files {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errs.Wrap(errs.KindIO, op, "extract", err)
		}
		if err := os.WriteFile(target, b, 0o644); err != nil {
			return errs.Wrap(errs.KindIO, op, "extract", err)
		}
	}

	committed = true
	m.discard()
	m.dir = dir
	m.path = path
	m.meta = meta
	m.log.Debug().
		Str("path", path).
		Str("workspace", dir).
		Str("version", meta.Version).
		Int("entries", len(files)).
		Msg("archive opened")
	return nil
}

// decodeArchive parses raw archive bytes and enforces the container rules:
// safe entry paths, the manifest, and the signature/certificate pairing.
func decodeArchive(raw []byte) (map[string][]byte, Metadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, Metadata{}, err
	}
	files, err := readZipEntries(zr)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta := Metadata{}
	if b, ok := files[MetadataEntry]; ok {
		if meta, err = decodeMetadata(b); err != nil {
			return nil, Metadata{}, err
		}
	}
	if err := checkManifest(meta, files); err != nil {
		return nil, Metadata{}, err
	}
	_, hasSig := files[SignatureEntry]
	_, hasCert := files[CertificateEntry]
	if hasSig != hasCert {
		return nil, Metadata{}, errUnpaired
	}
	return files, meta, nil
}

var errUnpaired = errors.New("signature and certificate must be present together")

// Save commits the workspace to path, or to the bound path when path is
// empty, and binds the Manager to it.
func (m *Manager) Save(path string) error {
	const op = "save"
	dir, err := m.workspace(op)
	if err != nil {
		return err
	}
	if path == "" {
		path = m.path
	}
	if path == "" {
		return errs.New(errs.KindIO, op, "no archive path")
	}
	if m.fileExists(SignatureEntry) != m.fileExists(CertificateEntry) {
		return errs.Wrap(errs.KindCorruptArchive, op, "workspace", errUnpaired)
	}

	if m.opts.TemplateDir != "" && !m.HasTemplate() {
		if err := m.copyTemplate(m.opts.TemplateDir); err != nil {
			return errs.Wrap(errs.KindIO, op, "copy template", err)
		}
	}

	entries, err := collectEntries(dir)
	if err != nil {
		return errs.Wrap(errs.KindIO, op, "read workspace", err)
	}
	meta := currentMetadata(entries)
	metaBytes, err := encodeMetadata(meta)
	if err != nil {
		return errs.Wrap(errs.KindIO, op, "encode metadata", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataEntry), metaBytes, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, op, "write metadata", err)
	}
	entries = append(entries, entry{Name: MetadataEntry, Data: metaBytes})
	sortEntries(entries)

	if err := fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return writeZip(w, entries)
	}); err != nil {
		return errs.Wrap(errs.KindIO, op, path, err)
	}
	m.path = path
	m.meta = meta
	m.log.Debug().Str("path", path).Int("entries", len(entries)).Msg("archive saved")
	return nil
}

func (m *Manager) copyTemplate(src string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.New(src + " is not a directory")
	}
	return fsutil.CopyTree(src, filepath.Join(m.dir, CategoryTemplate))
}

// ReplaceTemplate clears the template bucket and fills it from dir.
func (m *Manager) ReplaceTemplate(dir string) error {
	const op = "replace template"
	ws, err := m.workspace(op)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(ws, CategoryTemplate)); err != nil {
		return errs.Wrap(errs.KindIO, op, "clear template", err)
	}
	if err := m.copyTemplate(dir); err != nil {
		return errs.Wrap(errs.KindIO, op, dir, err)
	}
	return nil
}

// Copy copies src into the named bucket and returns the destination path.
// An empty category means CategoryAttachment. Copying a file onto itself is
// a no-op.
func (m *Manager) Copy(src, category string) (string, error) {
	const op = "copy"
	dir, err := m.workspace(op)
	if err != nil {
		return "", err
	}
	if category == "" {
		category = CategoryAttachment
	}
	if !validBucket(category) {
		return "", errs.New(errs.KindInvalidArgument, op, "invalid category "+category)
	}
	fi, err := os.Stat(src)
	if err != nil {
		return "", errs.Wrap(errs.KindIO, op, src, err)
	}
	if !fi.Mode().IsRegular() {
		return "", errs.New(errs.KindIO, op, src+" is not a regular file")
	}

	dst := filepath.Join(dir, category, filepath.Base(src))
	if di, err := os.Stat(dst); err == nil && os.SameFile(fi, di) {
		m.log.Debug().Str("file", dst).Msg("copy onto itself skipped")
		return dst, nil
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return "", errs.Wrap(errs.KindIO, op, src, err)
	}
	return dst, nil
}

func validBucket(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return false
	}
	switch name {
	case ContentEntry, MetadataEntry, CertificateEntry, SignatureEntry:
		return false
	}
	return true
}

// List returns the sorted paths of the top-level entries in a bucket.
func (m *Manager) List(category string) ([]string, error) {
	const op = "list"
	dir, err := m.workspace(op)
	if err != nil {
		return nil, err
	}
	if !validBucket(category) {
		return nil, errs.New(errs.KindInvalidArgument, op, "invalid category "+category)
	}
	bucket := filepath.Join(dir, category)
	des, err := os.ReadDir(bucket)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, errs.Wrap(errs.KindIO, op, category, err)
	}
	out := make([]string, 0, len(des))
	for _, de := range des {
		out = append(out, filepath.Join(bucket, de.Name()))
	}
	return out, nil
}

// DeleteAttachment removes an attachment by name or by a path from List.
// A missing attachment is not an error.
func (m *Manager) DeleteAttachment(name string) error {
	const op = "delete attachment"
	dir, err := m.workspace(op)
	if err != nil {
		return err
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return errs.New(errs.KindInvalidArgument, op, "invalid attachment name "+name)
	}
	return m.remove(op, filepath.Join(dir, CategoryAttachment, base))
}

// DeleteSign removes the signature and certificate. Missing files are not
// an error. The removal becomes durable on the next Save.
func (m *Manager) DeleteSign() error {
	const op = "delete sign"
	dir, err := m.workspace(op)
	if err != nil {
		return err
	}
	if err := m.remove(op, filepath.Join(dir, SignatureEntry)); err != nil {
		return err
	}
	return m.remove(op, filepath.Join(dir, CertificateEntry))
}

func (m *Manager) remove(op, path string) error {
	err := os.Remove(path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		m.log.Debug().Str("file", path).Msg("nothing to delete")
		return nil
	default:
		return errs.Wrap(errs.KindIO, op, path, err)
	}
}

// HasTemplate reports whether the workspace embeds its own template.
func (m *Manager) HasTemplate() bool {
	if m.dir == "" {
		return false
	}
	des, err := os.ReadDir(filepath.Join(m.dir, CategoryTemplate))
	return err == nil && len(des) > 0
}

// IsSigned reports whether both signature and certificate are present.
func (m *Manager) IsSigned() bool {
	return m.fileExists(SignatureEntry) && m.fileExists(CertificateEntry)
}

func (m *Manager) fileExists(name string) bool {
	if m.dir == "" {
		return false
	}
	fi, err := os.Stat(filepath.Join(m.dir, name))
	return err == nil && fi.Mode().IsRegular()
}

// SetContent replaces the canonical content in the workspace.
func (m *Manager) SetContent(b []byte) error {
	const op = "set content"
	dir, err := m.workspace(op)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ContentEntry), b, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, op, ContentEntry, err)
	}
	return nil
}

// Content returns the canonical content bytes.
func (m *Manager) Content() ([]byte, error) {
	const op = "content"
	dir, err := m.workspace(op)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(dir, ContentEntry))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.KindNotFound, op, ContentEntry, err)
		}
		return nil, errs.Wrap(errs.KindIO, op, ContentEntry, err)
	}
	return b, nil
}

// StoreSignature writes the signature together with the signer's
// certificate PEM. Either both land in the workspace or neither does.
func (m *Manager) StoreSignature(sig, certPEM []byte) error {
	const op = "store signature"
	dir, err := m.workspace(op)
	if err != nil {
		return err
	}
	if len(sig) == 0 || len(certPEM) == 0 {
		return errs.New(errs.KindInvalidArgument, op, "signature and certificate are both required")
	}
	certPath := filepath.Join(dir, CertificateEntry)
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		_ = os.Remove(certPath)
		return errs.Wrap(errs.KindIO, op, CertificateEntry, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SignatureEntry), sig, 0o644); err != nil {
		_ = os.Remove(filepath.Join(dir, SignatureEntry))
		_ = os.Remove(certPath)
		return errs.Wrap(errs.KindIO, op, SignatureEntry, err)
	}
	return nil
}

// Signature returns the stored signature bytes and the certificate path.
// An unsigned workspace yields (nil, "", nil).
func (m *Manager) Signature() ([]byte, string, error) {
	const op = "signature"
	dir, err := m.workspace(op)
	if err != nil {
		return nil, "", err
	}
	if !m.IsSigned() {
		return nil, "", nil
	}
	sig, err := os.ReadFile(filepath.Join(dir, SignatureEntry))
	if err != nil {
		return nil, "", errs.Wrap(errs.KindIO, op, SignatureEntry, err)
	}
	return sig, filepath.Join(dir, CertificateEntry), nil
}
