package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"

	"medscript.dev/mpaz/cidutil"
)

// NamedCAS is a backend with a stable name for reporting.
type NamedCAS struct {
	Name string
	CAS  CAS
}

// ReplicatingCAS writes every archive to all backends and reads from the
// first that has it.
type ReplicatingCAS struct {
	Backends []NamedCAS
}

var _ CAS = ReplicatingCAS{}

// PutAll writes data to every backend in order and returns the CID each
// reported. It stops at the first failure; backends written before it keep
// their copy.
func (r ReplicatingCAS) PutAll(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	if len(r.Backends) == 0 {
		return cid.Undef, nil, ErrNoBackends
	}
	want, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	got := make(map[string]cid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS == nil {
			return cid.Undef, got, fmt.Errorf("vault: backend %q has no store", b.Name)
		}
		id, err := b.CAS.Put(ctx, data)
		if err != nil {
			return cid.Undef, got, fmt.Errorf("vault: put to %s: %w", b.Name, err)
		}
		got[b.Name] = id
		if !id.Equals(want) {
			return cid.Undef, got, fmt.Errorf("vault: put to %s: %w", b.Name, ErrDigestMismatch)
		}
	}
	return want, got, nil
}

func (r ReplicatingCAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, data)
	return id, err
}

func (r ReplicatingCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getFirst(ctx, id, r.stores())
}

func (r ReplicatingCAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, id, r.stores())
}

func (r ReplicatingCAS) List(ctx context.Context) ([]cid.Cid, error) {
	return listAll(ctx, r.stores())
}

// Missing reports, per backend name, which of ids it lacks.
func (r ReplicatingCAS) Missing(ctx context.Context, ids []cid.Cid) (map[string][]cid.Cid, error) {
	out := map[string][]cid.Cid{}
	for _, b := range r.Backends {
		for _, id := range ids {
			ok, err := b.CAS.Has(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("vault: has on %s: %w", b.Name, err)
			}
			if !ok {
				out[b.Name] = append(out[b.Name], id)
			}
		}
	}
	return out, nil
}

func (r ReplicatingCAS) stores() []CAS {
	out := make([]CAS, 0, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS != nil {
			out = append(out, b.CAS)
		}
	}
	return out
}

// SortCIDs orders ids by their string form.
func SortCIDs(ids []cid.Cid) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
