// Package ferrors defines the closed error taxonomy shared by every
// component of the upload engine, so a single switch on Kind drives
// retry classification, event payloads, and user-visible messages.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes the core recognizes. Nothing outside
// this set is ever surfaced across a component boundary.
type Kind int

const (
	// KindInvalidArgument marks bad configuration or malformed input.
	KindInvalidArgument Kind = iota
	// KindTransportNetwork marks a connection-level transport failure.
	KindTransportNetwork
	// KindTransportTimeout marks an exceeded per-request deadline.
	KindTransportTimeout
	// KindServerTransient marks a 5xx or 429 response.
	KindServerTransient
	// KindServerPermanent marks a 4xx response other than 408/429.
	KindServerPermanent
	// KindProtocolViolation marks a response inconsistent with the wire contract.
	KindProtocolViolation
	// KindCancelled marks a user-initiated cancellation.
	KindCancelled
	// KindStateCorruption marks a persisted record that failed checksum verification.
	KindStateCorruption
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindTransportNetwork:
		return "TransportNetwork"
	case KindTransportTimeout:
		return "TransportTimeout"
	case KindServerTransient:
		return "ServerTransient"
	case KindServerPermanent:
		return "ServerPermanent"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindCancelled:
		return "Cancelled"
	case KindStateCorruption:
		return "StateCorruption"
	default:
		return "Unknown"
	}
}

// Retriable reports whether the retry policy considers this kind
// automatically retriable. Classification detail (timeouts vs 5xx vs
// network) lives in the retry package; this is just the coarse split
// spec.md §7 draws between the taxonomy and the retriable subset.
func (k Kind) Retriable() bool {
	switch k {
	case KindTransportNetwork, KindTransportTimeout, KindServerTransient:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindTransportNetwork for opaque errors since an
// unclassified transport failure is the safest retriable default.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransportNetwork
}
