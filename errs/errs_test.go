package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestError_Format(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{New(KindInvalidArgument, "sign", "save before signing"), "sign: InvalidArgument: save before signing"},
		{Wrap(KindNotFound, "open", "a.mpaz", fs.ErrNotExist), "open: NotFound: a.mpaz: file does not exist"},
		{Certificate(KindExpired, "validate chain", 1, "CN=Intermediate", "", nil), "validate chain: Expired at certificate 1 (CN=Intermediate)"},
		{&Error{Kind: KindParse, Index: -1}, "ParseError"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Wrap(KindCorruptArchive, "open", "x.mpaz", fs.ErrInvalid)
	wrapped := fmt.Errorf("restore: %w", base)

	if got := KindOf(wrapped); got != KindCorruptArchive {
		t.Fatalf("KindOf = %q", got)
	}
	if !Is(wrapped, KindCorruptArchive) || Is(wrapped, KindIO) {
		t.Fatalf("Is mismatch")
	}
	if !errors.Is(wrapped, fs.ErrInvalid) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	e, ok := From(wrapped)
	if !ok || e.Op != "open" || e.Index != -1 {
		t.Fatalf("From = %+v, %v", e, ok)
	}
}

func TestKindOf_Plain(t *testing.T) {
	if KindOf(errors.New("plain")) != "" || KindOf(nil) != "" {
		t.Fatalf("plain errors have no kind")
	}
	if Is(nil, KindIO) {
		t.Fatalf("nil error matched a kind")
	}
	if _, ok := From(errors.New("plain")); ok {
		t.Fatalf("From matched a plain error")
	}
}
