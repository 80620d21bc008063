// Package localfs is a vault backend on the local filesystem.
//
// Blocks live at <root>/<fanout>/<cid>, where fanout is the two characters
// before the last one of the CID string. CIDv1 strings share a long common
// prefix, so the tail spreads better. Stored files are read-only and never
// overwritten.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"medscript.dev/mpaz/cidutil"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/storage"
)

// CAS is a directory-backed vault.
type CAS struct {
	root string
}

var (
	_ storage.CAS    = (*CAS)(nil)
	_ storage.Lister = (*CAS)(nil)
)

// New returns a vault rooted at root, creating the directory if needed.
func New(root string) (*CAS, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &CAS{root: filepath.Clean(root)}, nil
}

// Root returns the vault directory.
func (c *CAS) Root() string { return c.root }

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}
	path := c.pathFor(id)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !bytes.Equal(existing, data) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	case !os.IsNotExist(err):
		return cid.Undef, err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o444); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(c.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if err := storage.Verify(id, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if !id.Defined() {
		return false, nil
	}
	_, err := os.Stat(c.pathFor(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List returns every stored CID in string order. Files whose names are not
// CIDs, such as interrupted temp files, are skipped.
func (c *CAS) List(ctx context.Context) ([]cid.Cid, error) {
	var out []cid.Cid
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		id, perr := storage.ParseCID(d.Name())
		if perr != nil || c.pathFor(id) != path {
			return nil
		}
		out = append(out, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortCIDs(out)
	return out, nil
}

func (c *CAS) pathFor(id cid.Cid) string {
	s := id.String()
	if len(s) < 3 {
		return filepath.Join(c.root, s)
	}
	return filepath.Join(c.root, s[len(s)-3:len(s)-1], s)
}
