// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package failure classifies errors from every layer of the connection
// stack into a small set of caller-actionable kinds.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRequestTimedOut is returned when no response arrived before the
	// request deadline.
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrConnectTimedOut is returned when the overall connect deadline
	// expired before any route produced a transport.
	ErrConnectTimedOut = errors.New("connect timed out")

	// ErrDisconnected is returned for requests outstanding on a channel
	// that died, and for any use of a channel after it died.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrConnectionInvalidated is returned when the service tore the
	// channel down and it must be rebuilt.
	ErrConnectionInvalidated = errors.New("connection invalidated")

	// ErrConnectedElsewhere is returned when the channel was superseded
	// by a connection from another client.  It is an invalidation.
	ErrConnectedElsewhere = fmt.Errorf("connected elsewhere: %w", ErrConnectionInvalidated)

	// ErrDataMissing is returned by restore when the store holds no data.
	ErrDataMissing = errors.New("no data stored")

	// ErrEnclaveNotFound is returned when the service does not know the
	// enclave a request was addressed to, as happens once an enclave is
	// retired.
	ErrEnclaveNotFound = errors.New("enclave not found")

	// ErrCancelled is returned when an operation was cancelled by its caller.
	ErrCancelled = errors.New("operation cancelled")
)

// ResolutionError is the error returned when a hostname could not be
// resolved and no fallback addresses were available.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %v: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// AttemptError is the failure of a single route attempt.
type AttemptError struct {
	Route string
	Err   error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%v: %v", e.Route, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// AllAttemptsFailedError is the error returned when every route in every
// tier failed.  Attempts holds one entry per attempted route.
type AllAttemptsFailedError struct {
	Attempts []*AttemptError
	TimedOut bool
}

func (e *AllAttemptsFailedError) Error() string {
	var b strings.Builder
	if e.TimedOut {
		b.WriteString("no connection attempts succeeded before timeout")
	} else {
		b.WriteString("no connection attempts succeeded")
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Error())
	}
	return b.String()
}

// Unwrap returns the per-route errors, so errors.Is and errors.As see
// through the aggregate.
func (e *AllAttemptsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// AttestationReason is the reason attestation evidence was rejected.
type AttestationReason int

const (
	// Malformed is evidence that could not be decoded.
	Malformed AttestationReason = iota

	// UntrustedSigner is evidence whose signature does not chain to a
	// trusted root, or whose signature is invalid.
	UntrustedSigner

	// MeasurementMismatch is evidence for code outside the expected set.
	MeasurementMismatch

	// Expired is evidence outside of its validity window.
	Expired

	// Replayed is evidence that does not carry this handshake's nonce.
	Replayed

	// KeyMismatch is evidence that does not bind the handshake key.
	KeyMismatch
)

func (r AttestationReason) String() string {
	switch r {
	case Malformed:
		return "malformed evidence"
	case UntrustedSigner:
		return "untrusted signer"
	case MeasurementMismatch:
		return "measurement mismatch"
	case Expired:
		return "expired evidence"
	case Replayed:
		return "replayed evidence"
	case KeyMismatch:
		return "key binding mismatch"
	default:
		return fmt.Sprintf("[unknown reason: %d]", int(r))
	}
}

// AttestationError is the error returned when attestation evidence is
// invalid, untrusted or expired.
type AttestationError struct {
	Reason AttestationReason
	Err    error
}

func (e *AttestationError) Error() string {
	if e.Err == nil {
		return "attestation failed: " + e.Reason.String()
	}
	return fmt.Sprintf("attestation failed: %v: %v", e.Reason, e.Err)
}

func (e *AttestationError) Unwrap() error {
	return e.Err
}

// NewAttestationError returns an AttestationError with a formatted cause.
func NewAttestationError(reason AttestationReason, f string, a ...interface{}) error {
	return &AttestationError{Reason: reason, Err: fmt.Errorf(f, a...)}
}

// RateLimitedError is a server-signaled backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; try again after %v", e.RetryAfter)
}

// RestoreFailedError is a rejected restore, carrying the server-tracked
// count of attempts left.
type RestoreFailedError struct {
	TriesRemaining uint32
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("failure to restore data; %d tries remaining", e.TriesRemaining)
}

// RotationBoundExceededError is returned when the rotation loop of the
// backup state machine reached its fixed step limit.
type RotationBoundExceededError struct {
	Max uint32
}

func (e *RotationBoundExceededError) Error() string {
	return fmt.Sprintf("too many rotation steps (max %d)", e.Max)
}

// IOError is a transport level failure, including failures of the
// handshake transport.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError wraps err as an IOError for the named operation.
func NewIOError(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

// PossibleCaptiveNetworkError is returned when a TLS peer presented a
// certificate we refuse, which usually means something on the network is
// intercepting the connection.
type PossibleCaptiveNetworkError struct {
	Err error
}

func (e *PossibleCaptiveNetworkError) Error() string {
	return fmt.Sprintf("possible captive network: %v", e.Err)
}

func (e *PossibleCaptiveNetworkError) Unwrap() error {
	return e.Err
}

// ServerSideError is a 5xx class failure reported by the service.
type ServerSideError struct {
	Status int
}

func (e *ServerSideError) Error() string {
	return fmt.Sprintf("server side error: status %d", e.Status)
}

// ProtocolError is a protocol violation on an established channel.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError returns a ProtocolError with a formatted cause.
func NewProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}
