// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/enclavenet/core/log"
	"github.com/katzenpost/enclavenet/failure"
)

type memChannel struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func memPipe() (*memChannel, *memChannel) {
	a, b := make(chan []byte, 16), make(chan []byte, 16)
	done := make(chan struct{})
	once := new(sync.Once)
	return &memChannel{in: a, out: b, done: done, once: once},
		&memChannel{in: b, out: a, done: done, once: once}
}

func (c *memChannel) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, failure.NewIOError("read", io.EOF)
	}
}

func (c *memChannel) WriteMessage(b []byte) error {
	select {
	case <-c.done:
		return failure.NewIOError("write", io.ErrClosedPipe)
	default:
	}
	select {
	case c.out <- append([]byte{}, b...):
		return nil
	case <-c.done:
		return failure.NewIOError("write", io.ErrClosedPipe)
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

var testLog = log.NewDiscard()

type testEnclave struct {
	server  *Server
	release chan struct{}
	served  chan string
}

// newTestEnclave serves:
//
//	/echo     the request body
//	/slow     the request body, once release is closed
//	/delay/N  the request body, after N milliseconds
//	/status/N status N
func newTestEnclave(t *testing.T, ch MessageChannel) *testEnclave {
	e := &testEnclave{
		release: make(chan struct{}),
		served:  make(chan string, 64),
	}
	e.server = NewServer(ch, HandlerFunc(func(ctx context.Context, req *Request) *Response {
		defer func() { e.served <- req.Path }()
		var n int
		switch {
		case req.Path == "/echo":
		case req.Path == "/slow":
			select {
			case <-e.release:
			case <-ctx.Done():
				return nil
			}
		case fmtScan(req.Path, "/delay/%d", &n):
			time.Sleep(time.Duration(n) * time.Millisecond)
		case fmtScan(req.Path, "/status/%d", &n):
			return &Response{Status: n, RetryAfter: 7 * time.Second}
		default:
			return &Response{Status: StatusNotFound}
		}
		return &Response{Status: StatusOK, Body: req.Body}
	}), testLog.GetLogger("server"))
	go e.server.Serve()
	t.Cleanup(e.server.Halt)
	return e
}

func fmtScan(s, format string, n *int) bool {
	_, err := fmt.Sscanf(s, format, n)
	return err == nil
}

func newTestConn(t *testing.T, timeout time.Duration) (*Conn, *testEnclave) {
	a, b := memPipe()
	e := newTestEnclave(t, b)
	c := NewConn(a, timeout, testLog.GetLogger("rpc"))
	t.Cleanup(c.Close)
	return c, e
}

func TestConcurrentRequests(t *testing.T) {
	c, _ := newTestConn(t, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Later requests are answered first.
			body := []byte(fmt.Sprintf("request %d", i))
			resp, err := c.Send(context.Background(), &Request{
				Path: fmt.Sprintf("/delay/%d", (10-i)*10),
				Body: body,
			})
			if assert.NoError(t, err) {
				assert.Equal(t, StatusOK, resp.Status)
				assert.True(t, bytes.Equal(body, resp.Body))
			}
		}()
	}
	wg.Wait()
	require.Zero(t, c.Pending())
}

func TestCancelledRequest(t *testing.T) {
	require := require.New(t)
	c, e := newTestConn(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, &Request{Path: "/slow", Body: []byte("late")})
		errCh <- err
	}()
	require.Eventually(func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	require.ErrorIs(err, context.Canceled)
	require.Equal(failure.KindCancelled, failure.KindOf(err))
	require.Zero(c.Pending())

	// The late response is discarded and the channel keeps working.
	close(e.release)
	require.Equal("/slow", <-e.served)
	resp, err := c.Send(context.Background(), &Request{Path: "/echo", Body: []byte("on time")})
	require.NoError(err)
	require.Equal([]byte("on time"), resp.Body)
	require.NoError(c.Err())
}

func TestRequestTimeout(t *testing.T) {
	require := require.New(t)
	c, _ := newTestConn(t, 50*time.Millisecond)

	_, err := c.Send(context.Background(), &Request{Path: "/slow"})
	require.ErrorIs(err, failure.ErrRequestTimedOut)
	require.True(failure.IsRetryable(err))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Send(ctx, &Request{Path: "/slow"})
	require.ErrorIs(err, failure.ErrRequestTimedOut)
	require.Zero(c.Pending())
}

func TestStatusMapping(t *testing.T) {
	require := require.New(t)
	c, _ := newTestConn(t, 5*time.Second)

	_, err := c.Send(context.Background(), &Request{Path: "/status/429"})
	retryAfter, ok := failure.RetryAfter(err)
	require.True(ok)
	require.Equal(7*time.Second, retryAfter)

	_, err = c.Send(context.Background(), &Request{Path: "/status/503"})
	require.Equal(failure.KindServerSide, failure.KindOf(err))

	// A backoff is only carried by a rate limited status.
	resp, err := c.Send(context.Background(), &Request{Path: "/status/202"})
	require.NoError(err)
	require.Equal(202, resp.Status)
	require.Zero(resp.RetryAfter)

	resp, err = c.Send(context.Background(), &Request{Path: "/nope"})
	require.NoError(err)
	require.Equal(StatusNotFound, resp.Status)
}

func TestGoodbyeFailsAllWaiters(t *testing.T) {
	require := require.New(t)
	c, e := newTestConn(t, 5*time.Second)

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Send(context.Background(), &Request{Path: "/slow"})
			errCh <- err
		}()
	}
	require.Eventually(func() bool { return c.Pending() == 3 }, time.Second, time.Millisecond)

	require.NoError(e.server.Goodbye(ReasonConnectedElsewhere))
	for i := 0; i < 3; i++ {
		err := <-errCh
		require.ErrorIs(err, failure.ErrConnectedElsewhere)
		require.Equal(failure.KindConnectedElsewhere, failure.KindOf(err))
		require.False(failure.IsRetryable(err))
	}
	<-c.Done()

	_, err := c.Send(context.Background(), &Request{Path: "/echo"})
	require.ErrorIs(err, failure.ErrConnectionInvalidated)
}

func TestChannelFailure(t *testing.T) {
	require := require.New(t)
	a, b := memPipe()
	c := NewConn(a, 5*time.Second, testLog.GetLogger("rpc"))
	defer c.Close()

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Send(context.Background(), &Request{Path: "/echo"})
			errCh <- err
		}()
	}
	require.Eventually(func() bool { return c.Pending() == 2 }, time.Second, time.Millisecond)

	b.Close()
	for i := 0; i < 2; i++ {
		err := <-errCh
		require.ErrorIs(err, failure.ErrDisconnected)
		require.True(failure.IsRetryable(err))
	}
	require.ErrorIs(c.Err(), failure.ErrDisconnected)
}

func TestProtocolViolation(t *testing.T) {
	require := require.New(t)
	a, b := memPipe()
	c := NewConn(a, 5*time.Second, testLog.GetLogger("rpc"))
	defer c.Close()

	require.NoError(b.WriteMessage([]byte{0xff, 0xfe}))
	<-c.Done()
	require.Equal(failure.KindProtocol, failure.KindOf(c.Err()))

	_, err := c.Send(context.Background(), &Request{Path: "/echo"})
	require.Equal(failure.KindProtocol, failure.KindOf(err))
}
