// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	opErr := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
	}

	cases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"nil", nil, KindNone, false},
		{"refused", opErr, KindIO, true},
		{"eof", fmt.Errorf("read frame: %w", io.EOF), KindIO, true},
		{"deadline", context.DeadlineExceeded, KindIO, true},
		{"cancelled", fmt.Errorf("dial: %w", context.Canceled), KindCancelled, false},
		{"unrelated errno", syscall.ENOENT, KindUnknown, false},
		{"unknown", errors.New("boom"), KindUnknown, false},
		{"resolution", &ResolutionError{Host: "example.org", Err: errors.New("nxdomain")}, KindResolution, true},
		{"attestation", NewAttestationError(MeasurementMismatch, "pcr0 %x", []byte{1}), KindAttestation, false},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, KindRateLimited, true},
		{"request timeout", ErrRequestTimedOut, KindRequestTimedOut, true},
		{"connect timeout", ErrConnectTimedOut, KindConnectTimedOut, true},
		{"disconnected", ErrDisconnected, KindDisconnected, true},
		{"invalidated", ErrConnectionInvalidated, KindConnectionInvalidated, true},
		{"connected elsewhere", ErrConnectedElsewhere, KindConnectedElsewhere, false},
		{"restore failed", &RestoreFailedError{TriesRemaining: 2}, KindRestoreFailed, false},
		{"data missing", ErrDataMissing, KindDataMissing, false},
		{"enclave not found", fmt.Errorf("restore: %w", ErrEnclaveNotFound), KindEnclaveNotFound, false},
		{"rotation", &RotationBoundExceededError{Max: 3}, KindRotationBoundExceeded, false},
		{"captive", NewIOError("tls", &PossibleCaptiveNetworkError{Err: errors.New("x509")}), KindPossibleCaptiveNetwork, false},
		{"server side", &ServerSideError{Status: 503}, KindServerSide, true},
		{"protocol", NewProtocolError("bad frame"), KindProtocol, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err), "%v", tc.err)
			require.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestAllAttemptsFailed(t *testing.T) {
	require := require.New(t)

	fatal := &AllAttemptsFailedError{
		Attempts: []*AttemptError{
			{Route: "direct:a", Err: NewAttestationError(Expired, "old")},
			{Route: "direct:b", Err: &PossibleCaptiveNetworkError{Err: errors.New("x509")}},
		},
	}
	require.Equal(KindAllAttemptsFailed, KindOf(fatal))
	require.False(IsRetryable(fatal))
	require.Contains(fatal.Error(), "direct:a")
	require.Contains(fatal.Error(), "direct:b")

	var attestErr *AttestationError
	require.True(errors.As(fatal, &attestErr))
	require.Equal(Expired, attestErr.Reason)

	transient := &AllAttemptsFailedError{
		Attempts: []*AttemptError{
			{Route: "direct:a", Err: NewIOError("dial", syscall.ECONNRESET)},
		},
	}
	require.True(IsRetryable(transient))

	timedOut := &AllAttemptsFailedError{TimedOut: true}
	require.True(IsRetryable(timedOut))
	require.Equal("no connection attempts succeeded before timeout", timedOut.Error())
}

func TestMessages(t *testing.T) {
	require := require.New(t)

	require.Equal("rate limited; try again after 5s", (&RateLimitedError{RetryAfter: 5 * time.Second}).Error())
	require.Equal("failure to restore data; 2 tries remaining", (&RestoreFailedError{TriesRemaining: 2}).Error())

	d, ok := RetryAfter(fmt.Errorf("send: %w", &RateLimitedError{RetryAfter: 7 * time.Second}))
	require.True(ok)
	require.Equal(7*time.Second, d)

	_, ok = RetryAfter(ErrDisconnected)
	require.False(ok)
}
