// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides a single stream type over every way of
// reaching an endpoint, so upper layers never care which route was taken.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/katzenpost/enclavenet/route"
)

// Info is the transport metadata of a Stream, for logging and diagnostics.
type Info struct {
	// ID uniquely identifies the stream in logs.
	ID string

	// Route is the route the stream was established over.
	Route *route.Route

	LocalAddr  string
	RemoteAddr string

	// TLS is set when the stream runs over TLS, with the negotiated
	// parameters below.
	TLS         bool
	TLSVersion  uint16
	CipherSuite uint16
	ServerName  string

	// WebSocket is set when the stream is framed as websocket messages.
	WebSocket bool
}

// Transport names the concrete transport of the stream.
func (i *Info) Transport() string {
	var parts []string
	var kind route.Kind
	if i.Route != nil {
		kind = i.Route.Kind
	}
	switch kind {
	case route.SocksProxy:
		parts = append(parts, "socks")
	case route.HTTPProxy:
		parts = append(parts, "http-connect")
	default:
		parts = append(parts, "tcp")
	}
	if i.TLS {
		parts = append(parts, "tls")
	}
	if i.WebSocket {
		parts = append(parts, "ws")
	}
	return strings.Join(parts, "+")
}

func (i *Info) String() string {
	s := fmt.Sprintf("%v %v %v->%v", i.ID, i.Transport(), i.Route, i.RemoteAddr)
	if i.TLS {
		s += fmt.Sprintf(" %v %v", tls.VersionName(i.TLSVersion), tls.CipherSuiteName(i.CipherSuite))
	}
	return s
}

// Stream is a live byte stream over exactly one route.
type Stream interface {
	net.Conn

	// Info returns the transport metadata.
	Info() *Info
}

type stream struct {
	net.Conn
	info *Info
}

func (s *stream) Info() *Info {
	return s.info
}

// NewStream wraps an established connection as a Stream.
func NewStream(conn net.Conn, info *Info) Stream {
	if info == nil {
		info = &Info{}
	}
	return &stream{Conn: conn, info: info}
}
