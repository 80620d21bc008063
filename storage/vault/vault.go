// Package vault opens the configured archive vault and stores and restores
// .mpaz files through it.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"medscript.dev/mpaz/errs"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/storage"
	"medscript.dev/mpaz/storage/bundle"
	"medscript.dev/mpaz/storage/grpccas"
	"medscript.dev/mpaz/storage/localfs"
)

// Write policies for a vault with both a local and a remote backend.
const (
	WriteFirst = "first"
	WriteAll   = "all"
)

// Config selects the backends.
//
// A Dir alone gives a local vault, a Remote alone gives a remote one. With
// both, reads try the local vault first; writes go to the local vault only
// ("first", the default) or to both ("all").
type Config struct {
	Dir         string        `json:"dir,omitempty"`
	Remote      string        `json:"remote,omitempty"`
	WritePolicy string        `json:"write_policy,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Validate checks c without opening anything.
func (c Config) Validate() error {
	if c.Dir == "" && c.Remote == "" {
		return storage.ErrNoBackends
	}
	switch c.WritePolicy {
	case "", WriteFirst, WriteAll:
		return nil
	default:
		return fmt.Errorf("vault: invalid write_policy %q", c.WritePolicy)
	}
}

// Vault is an opened archive vault.
type Vault struct {
	CAS     storage.CAS
	log     zerolog.Logger
	closers []io.Closer
}

// Open opens the backends c names. Close releases them.
func Open(c Config, log zerolog.Logger) (*Vault, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	v := &Vault{log: log.With().Str("component", "vault").Logger()}
	var named []storage.NamedCAS
	if c.Dir != "" {
		local, err := localfs.New(c.Dir)
		if err != nil {
			return nil, err
		}
		named = append(named, storage.NamedCAS{Name: "local", CAS: local})
	}
	if c.Remote != "" {
		client, err := grpccas.Dial(c.Remote, grpccas.DialOptions{Timeout: c.Timeout})
		if err != nil {
			return nil, err
		}
		v.closers = append(v.closers, client)
		named = append(named, storage.NamedCAS{Name: "remote", CAS: client})
	}

	switch {
	case len(named) == 1:
		v.CAS = named[0].CAS
	case c.WritePolicy == WriteAll:
		v.CAS = storage.ReplicatingCAS{Backends: named}
	default:
		v.CAS = storage.MultiCAS{Backends: []storage.CAS{named[0].CAS, named[1].CAS}}
	}
	return v, nil
}

// New wraps an already opened backend.
func New(cas storage.CAS, log zerolog.Logger) *Vault {
	return &Vault{CAS: cas, log: log.With().Str("component", "vault").Logger()}
}

// Close releases remote connections.
func (v *Vault) Close() error {
	var errList []error
	for i := len(v.closers) - 1; i >= 0; i-- {
		errList = append(errList, v.closers[i].Close())
	}
	v.closers = nil
	return errors.Join(errList...)
}

// PutArchive stores the archive at path. Only archives that open cleanly
// are accepted, so the vault never holds a corrupt or unpaired document.
func (v *Vault) PutArchive(ctx context.Context, path string) (cid.Cid, error) {
	const op = "vault put"
	if _, err := mpaz.Inspect(path); err != nil {
		return cid.Undef, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindIO, op, path, err)
	}
	id, err := v.CAS.Put(ctx, data)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.KindIO, op, path, err)
	}
	v.log.Debug().Str("path", path).Str("cid", id.String()).Msg("archive stored")
	return id, nil
}

// GetArchive writes the archive id to path atomically.
func (v *Vault) GetArchive(ctx context.Context, id cid.Cid, path string) error {
	const op = "vault get"
	data, err := v.CAS.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return errs.Wrap(errs.KindNotFound, op, id.String(), err)
		}
		return errs.Wrap(errs.KindIO, op, id.String(), err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, op, path, err)
	}
	return nil
}

// List returns the stored CIDs when the backends can enumerate them.
func (v *Vault) List(ctx context.Context) ([]cid.Cid, error) {
	l, ok := v.CAS.(storage.Lister)
	if !ok {
		return nil, errs.New(errs.KindInvalidArgument, "vault list", "backend cannot list")
	}
	return l.List(ctx)
}

// ExportArchives stores each archive in paths and writes a bundle of them
// to w, named by file name.
func (v *Vault) ExportArchives(ctx context.Context, w io.Writer, paths []string) ([]bundle.Entry, error) {
	entries := make([]bundle.Entry, 0, len(paths))
	for _, p := range paths {
		id, err := v.PutArchive(ctx, p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, bundle.Entry{Name: filepath.Base(p), CID: id.String()})
	}
	if err := bundle.Export(ctx, w, v.CAS, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ImportArchives loads a bundle from r into the vault and, when dir is not
// empty, restores each named archive into dir.
func (v *Vault) ImportArchives(ctx context.Context, r io.Reader, dir string) ([]bundle.Entry, error) {
	entries, err := bundle.Import(ctx, r, v.CAS)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return entries, nil
	}
	for _, e := range entries {
		if !strings.EqualFold(filepath.Ext(e.Name), mpaz.Extension) {
			return nil, errs.New(errs.KindInvalidArgument, "vault import", "entry "+e.Name+" is not an archive name")
		}
		id, err := storage.ParseCID(e.CID)
		if err != nil {
			return nil, err
		}
		if err := v.GetArchive(ctx, id, filepath.Join(dir, e.Name)); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
