// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package svr

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/enclavenet/failure"
)

const (
	// PathBackup stores a secret.
	PathBackup = "/v1/backup"

	// PathRestore recovers a secret.
	PathRestore = "/v1/restore"

	// PathDelete removes a secret.
	PathDelete = "/v1/delete"
)

// ReplyStatus is the outcome reported by the store.
type ReplyStatus uint8

const (
	// ReplyOK is a completed operation.
	ReplyOK ReplyStatus = iota

	// ReplyMissing is a restore of nothing.
	ReplyMissing

	// ReplyPINMismatch is a rejected restore, carrying the tries left.
	ReplyPINMismatch

	// ReplyRotate asks the client to establish a new session and retry.
	ReplyRotate
)

// BackupRequest is the body of a PathBackup request.
type BackupRequest struct {
	PIN      []byte `cbor:"pin"`
	Data     []byte `cbor:"data"`
	MaxTries uint32 `cbor:"max_tries"`
}

// RestoreRequest is the body of a PathRestore request.
type RestoreRequest struct {
	PIN []byte `cbor:"pin"`
}

// Reply is the body of every store response.
type Reply struct {
	Status         ReplyStatus `cbor:"status"`
	Data           []byte      `cbor:"data,omitempty"`
	TriesRemaining uint32      `cbor:"tries_remaining"`
	MaxTries       uint32      `cbor:"max_tries,omitempty"`
}

// Marshal returns the CBOR encoding of r.
func (r *Reply) Marshal() []byte {
	b, err := cbor.Marshal(r)
	if err != nil {
		panic("svr: failed to encode Reply: " + err.Error())
	}
	return b
}

func decodeReply(b []byte) (*Reply, error) {
	r := new(Reply)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, failure.NewProtocolError("svr: malformed reply: %v", err)
	}
	return r, nil
}
