// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/route"
)

const defaultRetryAfter = 60 * time.Second

const wsCloseTimeout = time.Second

// wsConn presents a websocket as a byte stream.  Each Write is sent as one
// binary message, reads concatenate messages.
type wsConn struct {
	ws *websocket.Conn

	rdMu sync.Mutex
	rd   io.Reader

	wrMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// WebSocketConn presents an established websocket as a net.Conn, framing
// writes as binary messages.  It serves the accepting side of websocket
// routes.
func WebSocketConn(ws *websocket.Conn) net.Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.rdMu.Lock()
	defer c.rdMu.Unlock()

	for {
		if c.rd == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, fmt.Errorf("transport: unexpected websocket message type %d", mt)
			}
			c.rd = r
		}
		n, err := c.rd.Read(b)
		if errors.Is(err, io.EOF) {
			c.rd = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// wsUpgrade runs the websocket handshake over conn, which is already
// connected (and if needed TLS wrapped) to the first hop.  The request names
// the route's real host, which is what makes domain fronting work.
func wsUpgrade(ctx context.Context, conn net.Conn, r *route.Route) (net.Conn, error) {
	host := r.Host
	if r.Port != 443 && r.Port != 80 {
		host = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	}
	u := url.URL{Scheme: "ws", Host: host, Path: r.WebSocketPath}

	var used bool
	d := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			if used {
				return nil, errors.New("transport: websocket redial")
			}
			used = true
			return conn, nil
		},
	}
	ws, resp, err := d.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, &failure.RateLimitedError{RetryAfter: retryAfter(resp.Header)}
		}
		if resp != nil && resp.StatusCode >= 500 {
			return nil, &failure.ServerSideError{Status: resp.StatusCode}
		}
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket upgrade %v: %v: %w", u.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("transport: websocket upgrade %v: %w", u.String(), err)
	}
	return WebSocketConn(ws), nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
