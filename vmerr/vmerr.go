// Package vmerr defines the structured error taxonomy used across the
// daemon, and the mapping from that taxonomy onto RPC status codes.
package vmerr

import "fmt"

// Kind classifies an Error for programmatic handling (RPC status mapping,
// retry decisions, reconciler drift classification).
type Kind int

const (
	KindInternal Kind = iota
	KindIO
	KindDatabase
	KindSerialization
	KindCrypto
	KindQemu
	KindQmp
	KindNotFound
	KindAlreadyExists
	KindInvalidConfig
	KindIntegrity
	KindAttestation
	KindNetwork
	KindVolume
	KindSnapshot
	KindBenchmark
	KindConsole
	KindInvalidStateTransition
	KindTimeout
	KindPermissionDenied
	KindHvfNotAvailable
	KindQemuNotFound
	KindUnsupportedArch
)

// Error is the structured error type returned by every package in this
// module. Construct one with the Kind-specific helper functions below rather
// than building it directly.
type Error struct {
	Kind    Kind
	Message string

	ResourceKind string
	ResourceID   string
	From         string
	To           string
	Seconds      uint64

	Wrapped error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("resource not found: %s with id %s", e.ResourceKind, e.ResourceID)
	case KindAlreadyExists:
		return fmt.Sprintf("resource already exists: %s with id %s", e.ResourceKind, e.ResourceID)
	case KindInvalidStateTransition:
		return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
	case KindTimeout:
		return fmt.Sprintf("operation timeout after %ds", e.Seconds)
	case KindHvfNotAvailable:
		return "HVF not available on this system"
	case KindQemuNotFound:
		return "qemu not found at expected path"
	default:
		if e.Message != "" {
			return e.Message
		}
		if e.Wrapped != nil {
			return e.Wrapped.Error()
		}
		return "internal error"
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target is a *Error with the same Kind, so that callers
// can use errors.Is(err, vmerr.NotFound("", "")) style checks against the
// Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func NotFound(kind, id string) *Error {
	return &Error{Kind: KindNotFound, ResourceKind: kind, ResourceID: id}
}

func AlreadyExists(kind, id string) *Error {
	return &Error{Kind: KindAlreadyExists, ResourceKind: kind, ResourceID: id}
}

func InvalidConfig(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidConfig, Message: fmt.Sprintf(format, args...)}
}

func InvalidStateTransition(from, to string) *Error {
	return &Error{Kind: KindInvalidStateTransition, From: from, To: to}
}

func Timeout(seconds uint64) *Error {
	return &Error{Kind: KindTimeout, Seconds: seconds}
}

func PermissionDenied(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func HvfNotAvailable() *Error {
	return &Error{Kind: KindHvfNotAvailable}
}

func QemuNotFound() *Error {
	return &Error{Kind: KindQemuNotFound}
}

func UnsupportedArch(arch string) *Error {
	return &Error{Kind: KindUnsupportedArch, Message: fmt.Sprintf("unsupported architecture: %s", arch)}
}

func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

func Crypto(format string, args ...any) *Error {
	return &Error{Kind: KindCrypto, Message: fmt.Sprintf(format, args...)}
}

func Qemu(format string, args ...any) *Error {
	return &Error{Kind: KindQemu, Message: fmt.Sprintf(format, args...)}
}

func Qmp(format string, args ...any) *Error {
	return &Error{Kind: KindQmp, Message: fmt.Sprintf(format, args...)}
}

func Integrity(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

func Attestation(format string, args ...any) *Error {
	return &Error{Kind: KindAttestation, Message: fmt.Sprintf(format, args...)}
}

func Volume(format string, args ...any) *Error {
	return &Error{Kind: KindVolume, Message: fmt.Sprintf(format, args...)}
}

func Snapshot(format string, args ...any) *Error {
	return &Error{Kind: KindSnapshot, Message: fmt.Sprintf(format, args...)}
}

func Console(format string, args ...any) *Error {
	return &Error{Kind: KindConsole, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches Kind to an underlying error from the standard library or a
// third-party package (os, database/sql, encoding/json, ...).
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Wrapped: err}
}

// StatusCode is the subset of RPC status codes this daemon's façade maps
// onto. It mirrors google.golang.org/grpc/codes without importing the whole
// gRPC stack for a handful of constants, since the façade here is a plain
// HTTP-over-unix-socket transport rather than gRPC.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusNotFound
	StatusAlreadyExists
	StatusInvalidArgument
	StatusDeadlineExceeded
	StatusPermissionDenied
	StatusInternal
)

// HTTPStatus maps a StatusCode onto the conventional HTTP status code used
// by the RPC façade.
func (c StatusCode) HTTPStatus() int {
	switch c {
	case StatusNotFound:
		return 404
	case StatusAlreadyExists:
		return 409
	case StatusInvalidArgument:
		return 400
	case StatusDeadlineExceeded:
		return 504
	case StatusPermissionDenied:
		return 403
	default:
		return 500
	}
}

// Code maps an error's Kind onto a StatusCode. Errors that are not *Error
// (or do not unwrap to one) are treated as internal.
func Code(err error) StatusCode {
	var e *Error
	if !asError(err, &e) {
		return StatusInternal
	}
	switch e.Kind {
	case KindNotFound:
		return StatusNotFound
	case KindAlreadyExists:
		return StatusAlreadyExists
	case KindInvalidConfig:
		return StatusInvalidArgument
	case KindTimeout:
		return StatusDeadlineExceeded
	case KindPermissionDenied:
		return StatusPermissionDenied
	default:
		return StatusInternal
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
