// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package route enumerates the candidate ways of reaching an endpoint.
package route

import (
	"fmt"
	"net"
	"strconv"

	"github.com/katzenpost/enclavenet/internal/proxy"
)

// Kind is the route variant.
type Kind int

const (
	// Direct connects to the target host itself.
	Direct Kind = iota

	// DomainFronted connects over TLS to a front host and asks it for the
	// real host.
	DomainFronted

	// HTTPProxy tunnels through an HTTP CONNECT proxy.
	HTTPProxy

	// SocksProxy tunnels through a SOCKS5 proxy.
	SocksProxy
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case DomainFronted:
		return "fronted"
	case HTTPProxy:
		return "http-proxy"
	case SocksProxy:
		return "socks-proxy"
	default:
		return fmt.Sprintf("[unknown route kind: %d]", int(k))
	}
}

// Tier returns the preference tier of the variant, lower is preferred.
func (k Kind) Tier() int {
	switch k {
	case Direct:
		return 0
	case DomainFronted:
		return 1
	default:
		return 2
	}
}

// Route is one concrete way to reach an endpoint.  Which fields are set
// depends on Kind:
//
//	Direct:        Host, Port
//	DomainFronted: Front, Host (the real host), Port
//	HTTPProxy:     Proxy, Host, Port
//	SocksProxy:    Proxy, Host, Port
type Route struct {
	Kind  Kind
	Host  string
	Port  int
	Front string
	Proxy *proxy.Config

	// TLS is false when the endpoint runs without TLS below the channel.
	TLS bool

	// RootCAFile replaces the system roots when set.
	RootCAFile string

	// WebSocketPath, when set, frames the stream as websocket messages.
	WebSocketPath string
}

// Tier returns the preference tier of the route.
func (r *Route) Tier() int {
	return r.Kind.Tier()
}

// Target returns the host:port the route ultimately reaches.
func (r *Route) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// DialHost returns the host the first hop connects to and whose name is
// used for TLS.
func (r *Route) DialHost() string {
	if r.Kind == DomainFronted {
		return r.Front
	}
	return r.Host
}

// Key returns a stable identifier of the route, suitable as a history key.
func (r *Route) Key() string {
	switch r.Kind {
	case DomainFronted:
		return fmt.Sprintf("%v:%v@%v", r.Kind, r.Target(), r.Front)
	case HTTPProxy, SocksProxy:
		return fmt.Sprintf("%v:%v@%v", r.Kind, r.Target(), r.Proxy.Address)
	default:
		return fmt.Sprintf("%v:%v", r.Kind, r.Target())
	}
}

func (r *Route) String() string {
	return r.Key()
}
