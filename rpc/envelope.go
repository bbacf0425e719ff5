// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rpc

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/enclavenet/failure"
)

const (
	typeRequest  uint8 = 1
	typeResponse uint8 = 2
	typeGoodbye  uint8 = 3

	// ReasonInvalidated is the goodbye reason of a torn down channel.
	ReasonInvalidated = "invalidated"

	// ReasonConnectedElsewhere is the goodbye reason of a channel
	// superseded by another connection of the same client.
	ReasonConnectedElsewhere = "connected_elsewhere"

	// StatusOK is the status of a successful response.
	StatusOK = 200

	// StatusNotFound is the status of a request for missing data.
	StatusNotFound = 404

	// StatusTooManyRequests is the status of a rate limited request.
	StatusTooManyRequests = 429

	// StatusInternalServerError is the status of a failed handler.
	StatusInternalServerError = 500
)

type envelope struct {
	Type        uint8  `cbor:"type"`
	ID          uint64 `cbor:"id,omitempty"`
	Path        string `cbor:"path,omitempty"`
	Credentials []byte `cbor:"credentials,omitempty"`
	Body        []byte `cbor:"body,omitempty"`
	Status      int    `cbor:"status,omitempty"`
	RetryAfter  uint32 `cbor:"retry_after,omitempty"`
	Reason      string `cbor:"reason,omitempty"`
}

func (e *envelope) marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	e := new(envelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, failure.NewProtocolError("rpc: malformed envelope: %v", err)
	}
	return e, nil
}

// Request is a request to the enclave.  Credentials are opaque to this
// package.
type Request struct {
	Path        string
	Credentials []byte
	Body        []byte
}

// Response is the enclave's answer to a Request.
type Response struct {
	Status int
	Body   []byte

	// RetryAfter is set by a Handler alongside StatusTooManyRequests and is
	// only sent with that status.  Conn.Send turns such a response into a
	// *failure.RateLimitedError, so the responses it returns leave this
	// zero.
	RetryAfter time.Duration
}

func responseError(env *envelope) error {
	switch {
	case env.Status == StatusTooManyRequests:
		return &failure.RateLimitedError{RetryAfter: time.Duration(env.RetryAfter) * time.Second}
	case env.Status >= 500 && env.Status <= 599:
		return &failure.ServerSideError{Status: env.Status}
	}
	return nil
}

func goodbyeError(reason string) error {
	if reason == ReasonConnectedElsewhere {
		return failure.ErrConnectedElsewhere
	}
	return failure.ErrConnectionInvalidated
}
