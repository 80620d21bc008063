// Package session drives one open prescription document through its
// lifecycle: new, open, edit, save, sign, unsign and verify. It composes the
// container manager, signer, verifier, plugin registry and event bus; it
// holds no state of its own beyond the current document.
package session

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medscript.dev/mpaz/chain"
	"medscript.dev/mpaz/config"
	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/keys"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/plugin"
	"medscript.dev/mpaz/prescription"
	"medscript.dev/mpaz/signing"
)

// State is derived from the workspace, never stored.
type State int

const (
	Unsigned State = iota
	Signed
)

func (s State) String() string {
	if s == Signed {
		return "signed"
	}
	return "unsigned"
}

// Options configures a Session.
type Options struct {
	Manager    mpaz.Options
	Signer     signing.Signer
	Verifier   *signing.Verifier
	Plugins    *plugin.Registry
	Bus        *events.Bus
	Prescriber prescription.Prescriber
	Logger     zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// FromConfig builds Options from a resolved configuration. A missing
// prescriber file leaves the prescriber empty.
func FromConfig(cfg config.Config, bus *events.Bus, plugins *plugin.Registry, log zerolog.Logger) Options {
	opts := Options{
		Manager:  mpaz.Options{TemplateDir: cfg.Template, Logger: log},
		Signer:   signing.Signer{KeyPath: cfg.PrivateKey, CertificatePath: cfg.Certificate},
		Verifier: &signing.Verifier{Validator: &chain.Validator{RootBundle: cfg.RootBundle}},
		Plugins:  plugins,
		Bus:      bus,
		Logger:   log,
	}
	if cfg.Prescriber != "" {
		p, err := prescription.ReadPrescriber(cfg.Prescriber)
		switch {
		case err == nil:
			opts.Prescriber = p
		case errors.Is(err, fs.ErrNotExist):
		default:
			log.Warn().Err(err).Str("path", cfg.Prescriber).Msg("prescriber not loaded")
		}
	}
	return opts
}

// Session is one open document. It is not safe for concurrent use; hand
// slow work to a Worker.
type Session struct {
	opts  Options
	log   zerolog.Logger
	mgr   *mpaz.Manager
	rx    *prescription.Prescription
	saved []byte
}

// NewSession returns a Session holding a fresh, unsaved document.
func NewSession(ctx context.Context, opts Options) (*Session, []plugin.Message, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mgr, err := mpaz.NewManager(opts.Manager)
	if err != nil {
		return nil, nil, err
	}
	s := &Session{opts: opts, log: opts.Logger.With().Str("component", "session").Logger(), mgr: mgr}
	msgs, err := s.New(ctx)
	if err != nil && s.rx == nil {
		_ = mgr.Close()
		return nil, nil, err
	}
	return s, msgs, err
}

// Manager exposes the container for attachment and template operations.
func (s *Session) Manager() *mpaz.Manager { return s.mgr }

// Path returns the bound archive path.
func (s *Session) Path() string { return s.mgr.Path() }

// Content returns the current prescription. Callers may edit it in place
// and pass it back to Save.
func (s *Session) Content() *prescription.Prescription { return s.rx }

// State reports whether the workspace carries a signature.
func (s *Session) State() State {
	if s.mgr.IsSigned() {
		return Signed
	}
	return Unsigned
}

// Dirty reports whether the current content differs from what was last
// opened or saved.
func (s *Session) Dirty() bool {
	b, err := s.rx.Encode()
	return err != nil || !bytes.Equal(b, s.saved)
}

// New discards the current document and starts an empty one. Plugin hook
// failures are returned after the document has been reset.
func (s *Session) New(ctx context.Context) ([]plugin.Message, error) {
	if err := s.mgr.Reset(""); err != nil {
		return nil, err
	}
	s.rx = prescription.New(s.opts.Prescriber, s.opts.Now())
	s.saved = nil
	return s.opts.Plugins.New(ctx, s.rx)
}

// Open loads path. On failure the previous document stays open.
func (s *Session) Open(ctx context.Context, path string) ([]plugin.Message, error) {
	var rx *prescription.Prescription
	err := s.mgr.OpenWith(path, func(content []byte) error {
		var err error
		rx, err = prescription.Decode(content)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.rx = rx
	s.saved, _ = rx.Encode()
	s.log.Debug().Str("path", path).Str("state", s.State().String()).Msg("document opened")
	s.opts.Bus.Publish(events.DocumentOpened{Path: path})
	return s.opts.Plugins.Open(ctx, s.rx)
}

// Save runs save hooks on rx, stores it and writes the archive to path (or
// the bound path when path is empty). A hook failure aborts the save.
func (s *Session) Save(ctx context.Context, path string, rx *prescription.Prescription) ([]plugin.Message, error) {
	if rx == nil {
		rx = s.rx
	}
	msgs, err := s.opts.Plugins.Save(ctx, rx)
	if err != nil {
		return msgs, err
	}
	if err := s.store(path, rx); err != nil {
		return msgs, err
	}
	return msgs, nil
}

func (s *Session) store(path string, rx *prescription.Prescription) error {
	content, err := rx.Encode()
	if err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "save", "encode prescription", err)
	}
	if err := s.mgr.SetContent(content); err != nil {
		return err
	}
	if err := s.mgr.Save(path); err != nil {
		return err
	}
	s.rx = rx
	s.saved = content
	s.opts.Bus.Publish(events.DocumentSaved{Path: s.mgr.Path()})
	return nil
}

// Sign signs the saved content and rewrites the archive. The document must
// have been saved and left unmodified since.
func (s *Session) Sign(password []byte) error {
	const op = "sign"
	path := s.mgr.Path()
	if path == "" || s.saved == nil || s.Dirty() {
		return errs.New(errs.KindInvalidArgument, op, "save before signing")
	}
	if _, err := os.Stat(path); err != nil {
		return errs.New(errs.KindInvalidArgument, op, "save before signing")
	}
	if !s.signingReady() {
		return errs.New(errs.KindInvalidArgument, op, "no private key and certificate configured")
	}
	content, err := s.mgr.Content()
	if err != nil {
		return err
	}
	signed, err := s.opts.Signer.Sign(content, password)
	if err != nil {
		return err
	}
	prevSig, prevCert, err := s.signaturePair()
	if err != nil {
		return err
	}
	if err := s.mgr.StoreSignature(signed.Signature, signed.Certificate); err != nil {
		return err
	}
	if err := s.mgr.Save(""); err != nil {
		// The workspace must keep matching the archive on disk.
		var rerr error
		if prevSig != nil {
			rerr = s.mgr.StoreSignature(prevSig, prevCert)
		} else {
			rerr = s.mgr.DeleteSign()
		}
		if rerr != nil {
			s.log.Warn().Err(rerr).Str("path", path).Msg("restore signature after failed save")
		}
		return err
	}

	var subject string
	if certs, err := keys.ParseCertificates(signed.Certificate); err == nil {
		subject = signing.IdentityFromName(certs[0].Cert.Subject).String()
	}
	s.log.Debug().Str("path", path).Str("subject", subject).Msg("document signed")
	s.opts.Bus.Publish(events.DocumentSigned{Path: path, Subject: subject})
	return nil
}

func (s *Session) signaturePair() ([]byte, []byte, error) {
	sig, certPath, err := s.mgr.Signature()
	if err != nil || sig == nil {
		return nil, nil, err
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIO, "sign", mpaz.CertificateEntry, err)
	}
	return sig, cert, nil
}

func (s *Session) signingReady() bool {
	sg := s.opts.Signer
	if sg.KeyPath == "" {
		return false
	}
	if sg.CertificatePath != "" {
		return true
	}
	ext := strings.ToLower(filepath.Ext(sg.KeyPath))
	return ext == ".p12" || ext == ".pfx"
}

// Unsign removes the signature and rewrites the archive. Unsigning an
// unsigned document only rewrites it.
func (s *Session) Unsign() error {
	if s.mgr.Path() == "" {
		return errs.New(errs.KindInvalidArgument, "unsign", "document has not been saved")
	}
	if err := s.mgr.DeleteSign(); err != nil {
		return err
	}
	if err := s.mgr.Save(""); err != nil {
		return err
	}
	s.opts.Bus.Publish(events.SignatureRemoved{Path: s.mgr.Path()})
	return nil
}

// Verify checks the stored signature against the stored content.
func (s *Session) Verify() (signing.Outcome, error) {
	content, err := s.mgr.Content()
	if err != nil {
		return signing.Outcome{}, err
	}
	sig, certPath, err := s.mgr.Signature()
	if err != nil {
		return signing.Outcome{}, err
	}
	out := s.opts.Verifier.Verify(content, certPath, sig)
	s.opts.Bus.Publish(events.DocumentVerified{Path: s.mgr.Path(), Status: out.Status.String(), Reason: out.Reason})
	return out, nil
}

// Close releases the workspace.
func (s *Session) Close() error { return s.mgr.Close() }
