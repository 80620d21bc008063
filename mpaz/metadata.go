package mpaz

import (
	"encoding/json"
	"fmt"
	"sort"

	"medscript.dev/mpaz/cidutil"
)

const (
	// FormatTag identifies the container type in meta.json.
	FormatTag = "MedScript"
	// FormatVersion is written by every save. Readers accept any version.
	FormatVersion = "0.2"
	// Extension is the conventional archive file extension.
	Extension = ".mpaz"
)

// Metadata is the decoded meta.json record.
type Metadata struct {
	Type    string          `json:"type"`
	Version string          `json:"version"`
	Entries []ManifestEntry `json:"entries,omitempty"`
}

// ManifestEntry records the CID of one archive entry at save time.
type ManifestEntry struct {
	Path string `json:"path"`
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

func currentMetadata(entries []entry) Metadata {
	m := Metadata{Type: FormatTag, Version: FormatVersion}
	m.Entries = make([]ManifestEntry, 0, len(entries))
	for _, e := range entries {
		m.Entries = append(m.Entries, ManifestEntry{
			Path: e.Name,
			CID:  cidutil.CIDv1RawSHA256(e.Data),
			Size: len(e.Data),
		})
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	return m
}

func encodeMetadata(m Metadata) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decodeMetadata parses meta.json. Unknown fields and versions are accepted;
// a foreign format tag is not.
func decodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, fmt.Errorf("malformed %s: %w", MetadataEntry, err)
	}
	if m.Type != FormatTag {
		return Metadata{}, fmt.Errorf("unexpected format tag %q", m.Type)
	}
	return m, nil
}

// checkManifest verifies files against m.Entries. Archives without a manifest
// (written before it existed) pass unchecked.
func checkManifest(m Metadata, files map[string][]byte) error {
	if len(m.Entries) == 0 {
		return nil
	}
	listed := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		b, ok := files[e.Path]
		if !ok {
			return fmt.Errorf("manifest entry %s missing from archive", e.Path)
		}
		match, err := cidutil.Matches(b, e.CID)
		if err != nil {
			return fmt.Errorf("manifest entry %s: %w", e.Path, err)
		}
		if !match || len(b) != e.Size {
			return fmt.Errorf("entry %s does not match manifest", e.Path)
		}
		listed[e.Path] = struct{}{}
	}
	for name := range files {
		if name == MetadataEntry {
			continue
		}
		if _, ok := listed[name]; !ok {
			return fmt.Errorf("entry %s not listed in manifest", name)
		}
	}
	return nil
}
