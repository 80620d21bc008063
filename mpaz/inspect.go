package mpaz

import (
	"os"
	"sort"

	"medscript.dev/mpaz/errs"
)

// Summary is a read-only view of an archive taken without a workspace.
type Summary struct {
	Path     string
	Metadata Metadata
	Content  []byte
	Signed   bool
	Entries  []string
}

// Inspect reads the archive at path and reports its content and signature
// state. It applies the same checks as Manager.Open.
func Inspect(path string) (*Summary, error) {
	const op = "inspect"
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, op, path, err)
		}
		return nil, errs.Wrap(errs.KindIO, op, path, err)
	}
	files, meta, err := decodeArchive(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorruptArchive, op, path, err)
	}
	s := &Summary{
		Path:     path,
		Metadata: meta,
		Content:  files[ContentEntry],
		Entries:  make([]string, 0, len(files)),
	}
	_, s.Signed = files[SignatureEntry]
	for name := range files {
		s.Entries = append(s.Entries, name)
	}
	sort.Strings(s.Entries)
	return s, nil
}
