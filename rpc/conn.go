// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package rpc multiplexes concurrent requests over an attested channel.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/core/worker"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/instrument"
)

// MessageChannel is a message oriented, reliable channel such as an
// *attest.Channel.
type MessageChannel interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
}

type result struct {
	env *envelope
	err error
}

// Conn is the client side of the request/response protocol.  Requests
// may be sent concurrently, each is answered by the response carrying its
// correlation id.
type Conn struct {
	worker.Worker
	sync.Mutex

	log     *logging.Logger
	ch      MessageChannel
	timeout time.Duration

	writeMutex sync.Mutex

	nextID  uint64
	waiters map[uint64]chan *result
	err     error
	doneCh  chan struct{}
}

// NewConn returns a Conn over ch, which it owns from then on.  timeout
// bounds every request whose context has no earlier deadline.
func NewConn(ch MessageChannel, timeout time.Duration, log *logging.Logger) *Conn {
	c := &Conn{
		log:     log,
		ch:      ch,
		timeout: timeout,
		waiters: make(map[uint64]chan *result),
		doneCh:  make(chan struct{}),
	}
	c.Go(c.reader)
	return c
}

// Done returns a channel closed once the Conn is dead.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// Err returns the error that killed the Conn, or nil.
func (c *Conn) Err() error {
	c.Lock()
	defer c.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.Lock()
	defer c.Unlock()
	return len(c.waiters)
}

// Close kills the Conn.  Outstanding and later requests fail with
// failure.ErrDisconnected.
func (c *Conn) Close() {
	c.fail(failure.ErrDisconnected)
	c.Halt()
}

// Send sends req and waits for its response.  Status 429 is returned as a
// *failure.RateLimitedError and 5xx statuses as a *failure.ServerSideError,
// every other status as a Response.
//
// Cancelling ctx only stops the wait; the request may still reach the
// enclave and its response is discarded.
func (c *Conn) Send(ctx context.Context, req *Request) (*Response, error) {
	respCh := make(chan *result, 1)
	c.Lock()
	if c.err != nil {
		err := c.err
		c.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.waiters[id] = respCh
	c.Unlock()

	b, err := (&envelope{
		Type:        typeRequest,
		ID:          id,
		Path:        req.Path,
		Credentials: req.Credentials,
		Body:        req.Body,
	}).marshal()
	if err != nil {
		c.removeWaiter(id)
		return nil, err
	}

	c.writeMutex.Lock()
	err = c.ch.WriteMessage(b)
	c.writeMutex.Unlock()
	if err != nil {
		c.removeWaiter(id)
		var ioErr *failure.IOError
		if !errors.As(err, &ioErr) && !errors.Is(err, failure.ErrDisconnected) {
			// The channel refused the message and is still usable.
			return nil, err
		}
		return nil, c.fail(fmt.Errorf("%w: %v", failure.ErrDisconnected, err))
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-respCh:
		if res.err != nil {
			instrument.Request("disconnected")
			return nil, res.err
		}
		if err := responseError(res.env); err != nil {
			instrument.Request(fmt.Sprintf("%d", res.env.Status))
			return nil, err
		}
		instrument.Request("ok")
		return &Response{Status: res.env.Status, Body: res.env.Body}, nil
	case <-timer.C:
		c.removeWaiter(id)
		instrument.Request("timeout")
		return nil, failure.ErrRequestTimedOut
	case <-ctx.Done():
		c.removeWaiter(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			instrument.Request("timeout")
			return nil, failure.ErrRequestTimedOut
		}
		instrument.Request("cancelled")
		return nil, ctx.Err()
	}
}

func (c *Conn) removeWaiter(id uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.waiters, id)
}

// fail kills the Conn with err, unless it is already dead, and returns the
// error that killed it.
func (c *Conn) fail(err error) error {
	c.Lock()
	if c.err != nil {
		err = c.err
		c.Unlock()
		return err
	}
	c.err = err
	waiters := c.waiters
	c.waiters = make(map[uint64]chan *result)
	close(c.doneCh)
	c.Unlock()

	c.log.Debugf("Connection failed with %d requests outstanding: %v", len(waiters), err)
	for _, ch := range waiters {
		ch <- &result{err: err}
	}
	c.ch.Close()
	return err
}

func (c *Conn) reader() {
	for {
		b, err := c.ch.ReadMessage()
		if err != nil {
			if failure.KindOf(err) == failure.KindProtocol {
				c.fail(err)
			} else {
				c.fail(fmt.Errorf("%w: %v", failure.ErrDisconnected, err))
			}
			return
		}
		env, err := unmarshalEnvelope(b)
		if err != nil {
			c.fail(err)
			return
		}

		switch env.Type {
		case typeResponse:
			c.deliver(env)
		case typeGoodbye:
			c.log.Noticef("Enclave said goodbye: %v", env.Reason)
			c.fail(goodbyeError(env.Reason))
			return
		default:
			c.fail(failure.NewProtocolError("rpc: unexpected message type %d", env.Type))
			return
		}
	}
}

func (c *Conn) deliver(env *envelope) {
	c.Lock()
	ch, ok := c.waiters[env.ID]
	delete(c.waiters, env.ID)
	c.Unlock()
	if !ok {
		c.log.Debugf("Discarding response to abandoned request %d", env.ID)
		return
	}
	ch <- &result{env: env}
}
