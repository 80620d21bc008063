// Package bundle moves sets of vaulted archives between vaults as a single
// deterministic tar file.
//
// Layout:
//
//	archives/<cid>   the archive bytes
//	index.json       {"version":1,"entries":[{"name":"a.mpaz","cid":"...","size":N}]}
//
// Names are the archive file names at export time. They are labels only;
// every block is checked against its CID on import.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"medscript.dev/mpaz/storage"
)

// FormatVersion is the index.json schema version.
const FormatVersion = 1

const (
	indexName     = "index.json"
	archivePrefix = "archives/"
)

var epoch0 = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry names one archive in a bundle.
type Entry struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type index struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Export writes the archives identified by entries (Name and CID) from cas
// to w. Output bytes depend only on the entry set: entries are sorted by
// name, then CID, and tar headers are normalised. A CID listed under several
// names is stored once.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, entries []Entry) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil vault")
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].CID < sorted[j].CID
	})

	blocks := map[string][]byte{}
	for i, e := range sorted {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\\") {
			return fmt.Errorf("bundle: invalid entry name %q", e.Name)
		}
		id, err := storage.ParseCID(e.CID)
		if err != nil {
			return fmt.Errorf("bundle: %s: %w", e.Name, err)
		}
		key := id.String()
		if _, ok := blocks[key]; !ok {
			b, err := cas.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("bundle: %s: %w", e.Name, err)
			}
			blocks[key] = b
		}
		sorted[i].CID = key
		sorted[i].Size = len(blocks[key])
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tar.NewWriter(w)
	for _, k := range keys {
		if err := writeFile(tw, archivePrefix+k, blocks[k]); err != nil {
			return err
		}
	}
	idx, err := json.Marshal(index{Version: FormatVersion, Entries: sorted})
	if err != nil {
		return err
	}
	if err := writeFile(tw, indexName, append(idx, '\n')); err != nil {
		return err
	}
	return tw.Close()
}

// Import reads a bundle from r into cas and returns its index entries. It
// fails closed: unknown entries, duplicate blocks, blocks that do not match
// their CID and index entries without a block are all errors. Blocks are
// written as they are read, so a failed import may leave some in cas.
func Import(ctx context.Context, r io.Reader, cas storage.CAS) ([]Entry, error) {
	if cas == nil {
		return nil, fmt.Errorf("bundle: nil vault")
	}
	tr := tar.NewReader(r)
	seen := map[string]bool{}
	var idx *index

	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("bundle: invalid entry path %q", h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("bundle: unexpected entry type %v (%s)", h.Typeflag, name)
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}

		switch {
		case name == indexName:
			if idx != nil {
				return nil, fmt.Errorf("bundle: duplicate %s", indexName)
			}
			idx = &index{}
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()
			if err := dec.Decode(idx); err != nil {
				return nil, fmt.Errorf("bundle: %s: %w", indexName, err)
			}
			if idx.Version != FormatVersion {
				return nil, fmt.Errorf("bundle: unsupported version %d", idx.Version)
			}
		case strings.HasPrefix(name, archivePrefix) && path.Dir(name)+"/" == archivePrefix:
			id, err := storage.ParseCID(strings.TrimPrefix(name, archivePrefix))
			if err != nil {
				return nil, err
			}
			if err := storage.Verify(id, payload); err != nil {
				return nil, fmt.Errorf("bundle: %s: %w", name, err)
			}
			if seen[id.String()] {
				return nil, fmt.Errorf("bundle: duplicate block %s", id)
			}
			seen[id.String()] = true
			got, err := cas.Put(ctx, payload)
			if err != nil {
				return nil, err
			}
			if !got.Equals(id) {
				return nil, storage.ErrDigestMismatch
			}
		default:
			return nil, fmt.Errorf("bundle: unknown entry %s", name)
		}
	}

	if idx == nil {
		return nil, fmt.Errorf("bundle: missing %s", indexName)
	}
	for _, e := range idx.Entries {
		if e.Name == "" || e.Name == "." || e.Name == ".." || strings.ContainsAny(e.Name, "/\\") {
			return nil, fmt.Errorf("bundle: invalid entry name %q", e.Name)
		}
		id, err := storage.ParseCID(e.CID)
		if err != nil {
			return nil, fmt.Errorf("bundle: index entry %q: %w", e.Name, err)
		}
		if !seen[id.String()] {
			return nil, fmt.Errorf("bundle: index entry %q has no block", e.Name)
		}
	}
	return idx.Entries, nil
}

// CIDs returns the distinct CIDs of entries.
func CIDs(entries []Entry) ([]cid.Cid, error) {
	seen := map[string]bool{}
	var out []cid.Cid
	for _, e := range entries {
		id, err := storage.ParseCID(e.CID)
		if err != nil {
			return nil, err
		}
		if !seen[e.CID] {
			seen[e.CID] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func cleanTarPath(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = strings.TrimPrefix(name, "./")
	if name == "" || strings.HasPrefix(name, "/") {
		return ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}
