// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package attest

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/nyquist"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/transport"
)

const (
	macLen    = 16
	maxMsgLen = nyquist.DefaultMaxMessageSize

	// MaxMessageSize is the largest payload of a channel message.
	MaxMessageSize = maxMsgLen - macLen
)

const (
	stateEstablished uint32 = iota
	stateInvalid
)

var (
	errMsgSize = errors.New("attest: invalid message size")

	exporterLabel = []byte("enclavenet exporter")
)

// Channel is an encrypted, attested channel.  Messages are framed as an
// encrypted length header followed by the encrypted body, and each
// direction is rekeyed after every message.
//
// A Channel supports one concurrent reader and any number of concurrent
// writers.  Any read or write failure invalidates the Channel, after which
// every call fails with failure.ErrDisconnected.
type Channel struct {
	conn net.Conn

	txMutex sync.Mutex
	rxMutex sync.Mutex
	tx      *nyquist.CipherState
	rx      *nyquist.CipherState

	exporterSecret []byte
	handshakeHash  []byte

	claims     *Claims
	peerStatic []byte

	state     uint32
	closeOnce sync.Once
}

func newChannel(conn net.Conn, status *nyquist.HandshakeStatus, isInitiator bool, claims *Claims, peerStatic []byte) *Channel {
	c := &Channel{
		conn:          conn,
		claims:        claims,
		peerStatic:    peerStatic,
		handshakeHash: append([]byte{}, status.HandshakeHash...),
	}
	if isInitiator {
		c.tx, c.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		c.rx, c.tx = status.CipherStates[0], status.CipherStates[1]
	}

	// The exporter secret is the keystream of the first nonce of the
	// initiator's cipher state, consumed on both sides before any traffic.
	var zeroes [32]byte
	secret, _ := status.CipherStates[0].EncryptWithAd(nil, exporterLabel, zeroes[:])
	c.exporterSecret = secret[:len(zeroes)]
	return c
}

// Claims returns the verified claims of the enclave, or nil on the enclave
// side of the channel.
func (c *Channel) Claims() *Claims {
	return c.claims
}

// Measurement returns the verified code measurement of the enclave.
func (c *Channel) Measurement() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.Measurement
}

// PeerStatic returns the client static key authenticated by the
// handshake, if any.
func (c *Channel) PeerStatic() []byte {
	return c.peerStatic
}

// Info returns the metadata of the underlying transport, if known.
func (c *Channel) Info() *transport.Info {
	if s, ok := c.conn.(transport.Stream); ok {
		return s.Info()
	}
	return nil
}

// ExportKey derives n bytes of keying material bound to this channel and
// label.  Both ends derive the same value.
func (c *Channel) ExportKey(label string, n int) ([]byte, error) {
	if c.IsInvalid() {
		return nil, failure.ErrDisconnected
	}
	out := make([]byte, n)
	r := hkdf.New(sha256.New, c.exporterSecret, c.handshakeHash, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsInvalid returns true iff the Channel may no longer be used.
func (c *Channel) IsInvalid() bool {
	return atomic.LoadUint32(&c.state) != stateEstablished
}

// WriteMessage encrypts and sends b.
func (c *Channel) WriteMessage(b []byte) error {
	if len(b) > MaxMessageSize {
		return errMsgSize
	}

	c.txMutex.Lock()
	defer c.txMutex.Unlock()
	if c.IsInvalid() {
		return failure.ErrDisconnected
	}

	ctLen := macLen + len(b)
	var ctHdr [4]byte
	binary.BigEndian.PutUint32(ctHdr[:], uint32(ctLen))
	toSend := make([]byte, 0, macLen+4+ctLen)
	toSend, err := c.tx.EncryptWithAd(toSend, nil, ctHdr[:])
	if err == nil {
		toSend, err = c.tx.EncryptWithAd(toSend, nil, b)
	}
	if err == nil {
		err = c.tx.Rekey()
	}
	if err == nil {
		_, err = c.conn.Write(toSend)
	}
	if err != nil {
		// All write errors are fatal.
		c.invalidate()
		return failure.NewIOError("attest: write", err)
	}
	return nil
}

// ReadMessage receives and decrypts a message.
func (c *Channel) ReadMessage() ([]byte, error) {
	c.rxMutex.Lock()
	defer c.rxMutex.Unlock()
	if c.IsInvalid() {
		return nil, failure.ErrDisconnected
	}

	b, err := c.readMessage()
	if err != nil {
		// All read errors are fatal.
		c.invalidate()
		if errors.Is(err, nyquist.ErrOpen) || errors.Is(err, errMsgSize) {
			return nil, &failure.ProtocolError{Err: err}
		}
		return nil, failure.NewIOError("attest: read", err)
	}
	return b, nil
}

func (c *Channel) readMessage() ([]byte, error) {
	var ctHdrCt [macLen + 4]byte
	if _, err := io.ReadFull(c.conn, ctHdrCt[:]); err != nil {
		return nil, err
	}
	ctHdr, err := c.rx.DecryptWithAd(nil, nil, ctHdrCt[:])
	if err != nil {
		return nil, err
	}
	ctLen := binary.BigEndian.Uint32(ctHdr)
	if ctLen < macLen || ctLen > maxMsgLen {
		return nil, errMsgSize
	}

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(c.conn, ct); err != nil {
		return nil, err
	}
	pt, err := c.rx.DecryptWithAd(nil, nil, ct)
	if err != nil {
		return nil, err
	}
	if err := c.rx.Rekey(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (c *Channel) invalidate() {
	atomic.StoreUint32(&c.state, stateInvalid)
	c.conn.Close()
}

// reset invalidates the Channel and discards the key material, leaving
// the transport to the caller.
func (c *Channel) reset() {
	atomic.StoreUint32(&c.state, stateInvalid)
	c.wipe()
}

func (c *Channel) wipe() {
	c.txMutex.Lock()
	c.tx.Reset()
	c.txMutex.Unlock()

	// A reader holds rxMutex until the closed transport fails it.
	c.rxMutex.Lock()
	c.rx.Reset()
	c.rxMutex.Unlock()
	for i := range c.exporterSecret {
		c.exporterSecret[i] = 0
	}
}

// Close invalidates the Channel, discards the key material and closes the
// transport.  Close interrupts a blocked ReadMessage.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreUint32(&c.state, stateInvalid)
		err = c.conn.Close()
		c.wipe()
	})
	return err
}
