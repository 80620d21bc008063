// Package errs defines the structured error type shared by the container,
// signing and chain validation packages.
//
// Callers branch on Kind via errors.As or Is; Error() strings are meant for
// humans and may change.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	KindIO                    Kind = "IOError"
	KindNotFound              Kind = "NotFound"
	KindCorruptArchive        Kind = "CorruptArchive"
	KindParse                 Kind = "ParseError"
	KindKeyLoad               Kind = "KeyLoadError"
	KindExpired               Kind = "Expired"
	KindNotYetValid           Kind = "NotYetValid"
	KindBrokenChain           Kind = "BrokenChain"
	KindUntrustedRoot         Kind = "UntrustedRoot"
	KindTrustStoreUnavailable Kind = "TrustStoreUnavailable"
	KindSignatureMismatch     Kind = "SignatureMismatch"
	KindInvalidArgument       Kind = "InvalidArgument"
)

// Error is the structured error returned by the core packages.
//
// Subject is set for certificate validity failures, Index for chain
// positions (BrokenChain, Expired, NotYetValid). Index is -1 when unused.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Index   int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Index >= 0 {
		b.WriteString(" at certificate ")
		b.WriteString(strconv.Itoa(e.Index))
	}
	if e.Subject != "" {
		b.WriteString(" (")
		b.WriteString(e.Subject)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a *Error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Index: -1, Message: msg}
}

// Wrap returns a *Error carrying cause. A nil cause yields New.
func Wrap(kind Kind, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Index: -1, Message: msg, Cause: cause}
}

// Certificate returns a *Error describing the certificate at index in a chain.
func Certificate(kind Kind, op string, index int, subject, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Index: index, Subject: subject, Message: msg, Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// Is reports whether err is (or wraps) a *Error with the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// From returns the first *Error in err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
