// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/enclavenet/failure"
)

const (
	// ProtocolVersion is the version carried in the ClientHello.
	ProtocolVersion = 1

	// NonceSize is the size of the client freshness nonce.
	NonceSize = 32

	maxHelloFrame     = 1 << 20
	maxHandshakeFrame = 1024

	patternNK = "NK"
	patternXK = "XK"
)

var errFrameSize = errors.New("attest: invalid frame size")

// ClientHello opens an attestation handshake.
type ClientHello struct {
	Version uint8  `cbor:"version"`
	Nonce   []byte `cbor:"nonce"`
	Pattern string `cbor:"pattern"`
}

// EnclaveHello carries the enclave's evidence.  The evidence binds the
// enclave's Noise static key and the nonce of the ClientHello.
type EnclaveHello struct {
	Kind     string `cbor:"kind"`
	Evidence []byte `cbor:"evidence"`
}

// Binding is the CBOR user data of evidence formats without dedicated
// binding fields.
type Binding struct {
	PublicKey []byte `cbor:"public_key"`
	Nonce     []byte `cbor:"nonce"`
	Timestamp int64  `cbor:"timestamp"`
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxHelloFrame {
		return errFrameSize
	}
	frame := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	frame = append(frame, b...)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > uint32(max) {
		return nil, failure.NewProtocolError("attest: frame of %d bytes exceeds %d", n, max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeMessage(w io.Writer, v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, writeFrame(w, b)
}

func readClientHello(r io.Reader) (*ClientHello, []byte, error) {
	b, err := readFrame(r, maxHelloFrame)
	if err != nil {
		return nil, nil, err
	}
	hello := new(ClientHello)
	if err := cbor.Unmarshal(b, hello); err != nil {
		return nil, nil, failure.NewProtocolError("attest: malformed ClientHello: %v", err)
	}
	if hello.Version != ProtocolVersion {
		return nil, nil, failure.NewProtocolError("attest: unsupported version %d", hello.Version)
	}
	if len(hello.Nonce) != NonceSize {
		return nil, nil, failure.NewProtocolError("attest: invalid nonce length %d", len(hello.Nonce))
	}
	switch hello.Pattern {
	case patternNK, patternXK:
	default:
		return nil, nil, failure.NewProtocolError("attest: unsupported pattern '%v'", hello.Pattern)
	}
	return hello, b, nil
}

func readEnclaveHello(r io.Reader) (*EnclaveHello, []byte, error) {
	b, err := readFrame(r, maxHelloFrame)
	if err != nil {
		return nil, nil, err
	}
	hello := new(EnclaveHello)
	if err := cbor.Unmarshal(b, hello); err != nil {
		return nil, nil, &failure.AttestationError{
			Reason: failure.Malformed,
			Err:    fmt.Errorf("EnclaveHello: %w", err),
		}
	}
	return hello, b, nil
}
