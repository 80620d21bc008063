package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// MultiCAS reads from its backends in slice order and writes to the first.
// A typical layout is a local vault in front of a remote one.
type MultiCAS struct {
	Backends []CAS
}

var _ CAS = MultiCAS{}

func (m MultiCAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if len(m.Backends) == 0 {
		return cid.Undef, ErrNoBackends
	}
	return m.Backends[0].Put(ctx, data)
}

// Get returns the first copy found. A backend error other than not-found
// stops the search, so a broken primary is reported rather than masked.
func (m MultiCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return getFirst(ctx, id, m.Backends)
}

func (m MultiCAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return hasAny(ctx, id, m.Backends)
}

// List merges the listings of every backend that supports listing.
func (m MultiCAS) List(ctx context.Context) ([]cid.Cid, error) {
	return listAll(ctx, m.Backends)
}

func getFirst(ctx context.Context, id cid.Cid, backends []CAS) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	for _, b := range backends {
		data, err := b.Get(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := Verify(id, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, ErrNotFound
}

func hasAny(ctx context.Context, id cid.Cid, backends []CAS) (bool, error) {
	var errs []error
	for _, b := range backends {
		ok, err := b.Has(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func listAll(ctx context.Context, backends []CAS) ([]cid.Cid, error) {
	seen := map[cid.Cid]bool{}
	var out []cid.Cid
	for _, b := range backends {
		l, ok := b.(Lister)
		if !ok {
			continue
		}
		ids, err := l.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	SortCIDs(out)
	return out, nil
}
