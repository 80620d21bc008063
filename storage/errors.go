package storage

import "errors"

var (
	ErrNotFound       = errors.New("vault: not found")
	ErrInvalidCID     = errors.New("vault: invalid cid")
	ErrDigestMismatch = errors.New("vault: content does not match cid")
	ErrImmutable      = errors.New("vault: stored object differs from new bytes")
	ErrNoBackends     = errors.New("vault: no backends configured")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
