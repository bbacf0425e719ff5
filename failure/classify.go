// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Kind is a caller-actionable error category.
type Kind int

const (
	KindNone Kind = iota
	KindUnknown
	KindIO
	KindResolution
	KindAllAttemptsFailed
	KindConnectTimedOut
	KindPossibleCaptiveNetwork
	KindAttestation
	KindRateLimited
	KindRequestTimedOut
	KindServerSide
	KindProtocol
	KindDisconnected
	KindConnectionInvalidated
	KindConnectedElsewhere
	KindRestoreFailed
	KindDataMissing
	KindRotationBoundExceeded
	KindCancelled
	KindEnclaveNotFound
)

var kindNames = map[Kind]string{
	KindNone:                   "none",
	KindUnknown:                "unknown",
	KindIO:                     "io",
	KindResolution:             "resolution",
	KindAllAttemptsFailed:      "all_attempts_failed",
	KindConnectTimedOut:        "connect_timed_out",
	KindPossibleCaptiveNetwork: "possible_captive_network",
	KindAttestation:            "attestation",
	KindRateLimited:            "rate_limited",
	KindRequestTimedOut:        "request_timed_out",
	KindServerSide:             "server_side",
	KindProtocol:               "protocol",
	KindDisconnected:           "disconnected",
	KindConnectionInvalidated:  "connection_invalidated",
	KindConnectedElsewhere:     "connected_elsewhere",
	KindRestoreFailed:          "restore_failed",
	KindDataMissing:            "data_missing",
	KindRotationBoundExceeded:  "rotation_bound_exceeded",
	KindCancelled:              "cancelled",
	KindEnclaveNotFound:        "enclave_not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[unknown kind: %d]", int(k))
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ENETDOWN,
}

// KindOf classifies err.  The checks run from the most specific kind to the
// least, so an aggregate is classified as itself and not as one of the
// errors it carries.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		allFailed  *AllAttemptsFailedError
		rotation   *RotationBoundExceededError
		restore    *RestoreFailedError
		rateLimit  *RateLimitedError
		attest     *AttestationError
		resolution *ResolutionError
		captive    *PossibleCaptiveNetworkError
		serverSide *ServerSideError
		protocol   *ProtocolError
		ioErr      *IOError
		netErr     net.Error
		errno      syscall.Errno
	)

	switch {
	case errors.As(err, &allFailed):
		return KindAllAttemptsFailed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &rotation):
		return KindRotationBoundExceeded
	case errors.As(err, &restore):
		return KindRestoreFailed
	case errors.Is(err, ErrDataMissing):
		return KindDataMissing
	case errors.Is(err, ErrEnclaveNotFound):
		return KindEnclaveNotFound
	case errors.As(err, &rateLimit):
		return KindRateLimited
	case errors.As(err, &attest):
		return KindAttestation
	case errors.Is(err, ErrConnectedElsewhere):
		return KindConnectedElsewhere
	case errors.Is(err, ErrConnectionInvalidated):
		return KindConnectionInvalidated
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrRequestTimedOut):
		return KindRequestTimedOut
	case errors.Is(err, ErrConnectTimedOut):
		return KindConnectTimedOut
	case errors.As(err, &resolution):
		return KindResolution
	case errors.As(err, &captive):
		return KindPossibleCaptiveNetwork
	case errors.As(err, &serverSide):
		return KindServerSide
	case errors.As(err, &protocol):
		return KindProtocol
	case errors.As(err, &ioErr):
		return KindIO
	case errors.As(err, &errno):
		// syscall.Errno satisfies net.Error, so it is checked first.
		for _, v := range transientErrnos {
			if errno == v {
				return KindIO
			}
		}
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr):
		return KindIO
	}
	return KindUnknown
}

// IsRetryable returns true iff repeating the same operation, with the same
// configuration, may succeed later.  Retrying is always up to the caller,
// nothing in this module retries on its own.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindIO,
		KindResolution,
		KindConnectTimedOut,
		KindRateLimited,
		KindRequestTimedOut,
		KindServerSide,
		KindDisconnected,
		KindConnectionInvalidated:
		return true
	case KindAllAttemptsFailed:
		var allFailed *AllAttemptsFailedError
		errors.As(err, &allFailed)
		if allFailed.TimedOut {
			return true
		}
		for _, a := range allFailed.Attempts {
			if IsRetryable(a.Err) {
				return true
			}
		}
		return false
	default:
		// Attestation, restore budget, rotation bound, missing data or
		// enclave, captive network, protocol violations, connected elsewhere,
		// cancellation and anything unclassified.
		return false
	}
}

// RetryAfter returns the server-signaled backoff carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rateLimit *RateLimitedError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryAfter, true
	}
	return 0, false
}
