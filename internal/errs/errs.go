// Package errs defines the error taxonomy shared by every stage: no
// exceptions cross a stage boundary, stages report failures through this
// package's sentinel errors and the caller decides whether to log, count
// a stat, or drop-and-continue.
package errs

import "errors"

// Kind classifies a failure into one of five buckets.
// Stages fail open: a bad inbound packet is dropped and processing
// continues, it is never allowed to unwind the pipeline.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadPacket
	KindTransportFailed
	KindConnectionTimeout
	KindCryptoFailed
	KindFragmentTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBadPacket:
		return "bad_packet"
	case KindTransportFailed:
		return "transport_failed"
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindCryptoFailed:
		return "crypto_failed"
	case KindFragmentTimeout:
		return "fragment_timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind a caller needs to decide
// how to react (count a stat vs. tear down a connection vs. log and
// move on).
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrBadPacket         = New(KindBadPacket, errors.New("malformed packet"))
	ErrTransportFailed   = New(KindTransportFailed, errors.New("transport failure"))
	ErrConnectionTimeout = New(KindConnectionTimeout, errors.New("connection timed out"))
	ErrCryptoFailed      = New(KindCryptoFailed, errors.New("decryption failed"))
	ErrFragmentTimeout   = New(KindFragmentTimeout, errors.New("fragment reassembly timed out"))
)
