package mpaz

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxEntryBytes bounds a single decompressed entry.
const maxEntryBytes = int64(64 << 20)

// archiveModTime is stamped on every entry so identical workspaces produce
// identical archives. 1980-01-01 is the earliest time ZIP can represent.
var archiveModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type entry struct {
	Name string
	Data []byte
}

// collectEntries reads every regular file under dir, sorted by slash path.
// meta.json is skipped; the caller appends the freshly computed one.
func collectEntries(dir string) ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == MetadataEntry {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, entry{Name: name, Data: b})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func writeZip(w io.Writer, entries []entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		h := &zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: archiveModTime,
		}
		h.SetMode(0o644)
		fw, err := zw.CreateHeader(h)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if _, err := io.Copy(fw, bytes.NewReader(e.Data)); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

// readZipEntries returns every file entry of zr keyed by its clean path.
// Unsafe paths, links, duplicates, oversized entries and a file that is
// also the parent of another entry are rejected.
func readZipEntries(zr *zip.Reader) (map[string][]byte, error) {
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") && f.FileInfo().IsDir() {
			if cleanEntryPath(f.Name) == "" {
				return nil, fmt.Errorf("invalid directory entry %q", f.Name)
			}
			continue
		}
		name := cleanEntryPath(f.Name)
		if name == "" {
			return nil, fmt.Errorf("invalid entry path %q", f.Name)
		}
		if !f.Mode().IsRegular() {
			return nil, fmt.Errorf("entry %s is not a regular file", name)
		}
		if f.UncompressedSize64 > uint64(maxEntryBytes) {
			return nil, fmt.Errorf("entry %s too large", name)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate entry %s", name)
		}
		b, err := readZipFile(f)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}
		out[name] = b
	}
	for name := range out {
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if _, clash := out[dir]; clash {
				return nil, fmt.Errorf("entry %s is both a file and a directory", dir)
			}
		}
	}
	return out, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()
	b, err := io.ReadAll(io.LimitReader(r, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxEntryBytes {
		return nil, fmt.Errorf("entry too large")
	}
	return b, nil
}

// cleanEntryPath normalizes an archive entry name to a relative slash path.
// It returns "" for absolute paths or any "", "." or ".." segment.
func cleanEntryPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSuffix(name, "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return ""
	}
	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return name
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
