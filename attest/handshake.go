// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package attest establishes encrypted channels to attested enclaves.
package attest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/dh"
	"gopkg.in/op/go-logging.v1"

	corelog "github.com/katzenpost/enclavenet/core/log"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/instrument"
	"github.com/katzenpost/enclavenet/transport"
)

const (
	protocolNK = "Noise_NK_25519_ChaChaPoly_SHA256"
	protocolXK = "Noise_XK_25519_ChaChaPoly_SHA256"
)

var (
	errWeirdHandshake = errors.New("attest: weird handshake failure")

	discardLog = corelog.NewDiscard().GetLogger("attest")
)

// Config is the initiator configuration of Attest.
type Config struct {
	// Verifier checks the enclave's evidence.
	Verifier Verifier

	// LocalStatic is the optional client static key.  When set the
	// handshake authenticates the client to the enclave as well.
	LocalStatic dh.Keypair

	// Log is the logger of the handshake.
	Log *logging.Logger
}

// EvidenceFunc returns evidence binding publicKey and nonce.
type EvidenceFunc func(publicKey, nonce []byte) (kind string, evidence []byte, err error)

// ResponderConfig is the enclave side configuration of Respond.
type ResponderConfig struct {
	// StaticKey is the enclave's Noise static keypair.
	StaticKey dh.Keypair

	// Evidence produces the attestation evidence of StaticKey.
	Evidence EvidenceFunc
}

// Attest runs the client side of the attestation handshake over stream.
// On success, stream is owned by the returned Channel.  On failure,
// stream is closed and every derived key discarded.  Cancelling ctx aborts
// the handshake.
//
// Evidence the Verifier rejects is returned as a *failure.AttestationError
// and never yields a Channel.  Transport and Noise failures are returned as
// a *failure.IOError.
func Attest(ctx context.Context, stream transport.Stream, cfg *Config) (*Channel, error) {
	log := cfg.Log
	if log == nil {
		log = discardLog
	}
	ch, err := attest(ctx, stream, cfg)
	if err != nil {
		stream.Close()
		switch failure.KindOf(err) {
		case failure.KindAttestation:
			instrument.Attestation("rejected")
			log.Warningf("Rejected evidence via %v: %v", stream.Info(), err)
		default:
			instrument.Attestation("failed")
			log.Debugf("Handshake via %v failed: %v", stream.Info(), err)
		}
		return nil, err
	}
	instrument.Attestation("ok")
	log.Infof("Attested %v via %v", ch.Measurement(), stream.Info())
	return ch, nil
}

func attest(ctx context.Context, stream transport.Stream, cfg *Config) (ch *Channel, err error) {
	stop := interruptOn(ctx, stream)
	defer func() {
		err = handshakeError(ctx, stop, err)
		if err != nil && ch != nil {
			ch.reset()
			ch = nil
		}
	}()

	pattern, protocolName := patternNK, protocolNK
	if cfg.LocalStatic != nil {
		pattern, protocolName = patternXK, protocolXK
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	chBytes, err := writeMessage(stream, &ClientHello{
		Version: ProtocolVersion,
		Nonce:   nonce,
		Pattern: pattern,
	})
	if err != nil {
		return nil, err
	}

	eh, ehBytes, err := readEnclaveHello(stream)
	if err != nil {
		return nil, err
	}
	if eh.Kind != cfg.Verifier.Kind() {
		return nil, failure.NewAttestationError(failure.Malformed, "evidence kind '%v', expected '%v'", eh.Kind, cfg.Verifier.Kind())
	}
	claims, err := cfg.Verifier.Verify(eh.Evidence, nonce)
	if err != nil {
		return nil, err
	}
	remote, err := dh.X25519.ParsePublicKey(claims.PublicKey)
	if err != nil {
		return nil, &failure.AttestationError{Reason: failure.KeyMismatch, Err: err}
	}

	protocol, err := nyquist.NewProtocol(protocolName)
	if err != nil {
		return nil, err
	}
	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol: protocol,
		Prologue: prologue(chBytes, ehBytes),
		DH: &nyquist.DHConfig{
			LocalStatic:  cfg.LocalStatic,
			RemoteStatic: remote,
		},
		Rng:            rand.Reader,
		MaxMessageSize: maxMsgLen,
		IsInitiator:    true,
	})
	if err != nil {
		return nil, err
	}
	defer hs.Reset()

	if err := runHandshake(stream, hs, true); err != nil {
		return nil, err
	}
	return newChannel(stream, hs.GetStatus(), true, claims, nil), nil
}

// Respond runs the enclave side of the attestation handshake over conn.
// It is the counterpart of Attest, used by enclave services.
func Respond(ctx context.Context, conn net.Conn, cfg *ResponderConfig) (ch *Channel, err error) {
	stop := interruptOn(ctx, conn)
	defer func() {
		err = handshakeError(ctx, stop, err)
		if err != nil {
			if ch != nil {
				ch.reset()
				ch = nil
			}
			conn.Close()
		}
	}()

	hello, chBytes, err := readClientHello(conn)
	if err != nil {
		return nil, err
	}
	publicKey := cfg.StaticKey.Public().Bytes()
	kind, evidence, err := cfg.Evidence(publicKey, hello.Nonce)
	if err != nil {
		return nil, fmt.Errorf("attest: failed to produce evidence: %w", err)
	}
	ehBytes, err := writeMessage(conn, &EnclaveHello{Kind: kind, Evidence: evidence})
	if err != nil {
		return nil, err
	}

	protocolName := protocolNK
	if hello.Pattern == patternXK {
		protocolName = protocolXK
	}
	protocol, err := nyquist.NewProtocol(protocolName)
	if err != nil {
		return nil, err
	}
	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:       protocol,
		Prologue:       prologue(chBytes, ehBytes),
		DH:             &nyquist.DHConfig{LocalStatic: cfg.StaticKey},
		Rng:            rand.Reader,
		MaxMessageSize: maxMsgLen,
		IsInitiator:    false,
	})
	if err != nil {
		return nil, err
	}
	defer hs.Reset()

	if err := runHandshake(conn, hs, false); err != nil {
		return nil, err
	}
	status := hs.GetStatus()
	var peer []byte
	if status.DH != nil && status.DH.RemoteStatic != nil {
		peer = status.DH.RemoteStatic.Bytes()
	}
	return newChannel(conn, status, false, nil, peer), nil
}

func prologue(clientHello, enclaveHello []byte) []byte {
	h := sha256.New()
	h.Write(clientHello)
	h.Write(enclaveHello)
	return h.Sum(nil)
}

func runHandshake(conn io.ReadWriter, hs *nyquist.HandshakeState, isInitiator bool) error {
	ourTurn := isInitiator
	for {
		var err error
		if ourTurn {
			var msg []byte
			msg, err = hs.WriteMessage(nil, nil)
			if err != nil && err != nyquist.ErrDone {
				return err
			}
			if werr := writeFrame(conn, msg); werr != nil {
				return werr
			}
		} else {
			msg, rerr := readFrame(conn, maxHandshakeFrame)
			if rerr != nil {
				return rerr
			}
			if _, err = hs.ReadMessage(nil, msg); err != nil && err != nyquist.ErrDone {
				return err
			}
		}
		if err == nyquist.ErrDone {
			return nil
		}
		ourTurn = !ourTurn
	}
}

// interruptOn unblocks any I/O on conn once ctx is done.  The returned
// function reports whether that happened.
func interruptOn(ctx context.Context, conn net.Conn) func() bool {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() bool {
		if stop() {
			return false
		}
		return ctx.Err() != nil
	}
}

// handshakeError stops the interrupt and maps err into the failure
// taxonomy.
func handshakeError(ctx context.Context, stop func() bool, err error) error {
	interrupted := stop()
	switch {
	case interrupted && errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("attest: handshake: %w", ctx.Err())
	case interrupted:
		return failure.NewIOError("attest: handshake", ctx.Err())
	case err == nil:
		return nil
	case errors.Is(err, nyquist.ErrDone):
		return errWeirdHandshake
	}
	var ioErr *failure.IOError
	switch {
	case errors.As(err, &ioErr):
		return err
	case failure.KindOf(err) == failure.KindAttestation, failure.KindOf(err) == failure.KindProtocol:
		return err
	default:
		// Noise failures mean the peer does not hold the attested key, or
		// the transport corrupted the handshake.
		return failure.NewIOError("attest: handshake", err)
	}
}
