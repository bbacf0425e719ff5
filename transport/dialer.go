// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/proxy"
	"github.com/katzenpost/enclavenet/resolver"
	"github.com/katzenpost/enclavenet/route"
)

// Resolver is the name resolution the dialer needs.
type Resolver interface {
	Resolve(ctx context.Context, host string) (*resolver.AddressSet, error)
	MarkGood(host string, ip net.IP)
}

// Dialer establishes Streams over routes.
type Dialer struct {
	log      *logging.Logger
	resolver Resolver
	dialFn   proxy.DialContextFn

	rootsMu sync.Mutex
	roots   map[string]*x509.CertPool
}

// NewDialer returns a Dialer.  dialFn opens the TCP connections of the
// first hop and defaults to a net.Dialer.
func NewDialer(r Resolver, dialFn proxy.DialContextFn, log *logging.Logger) *Dialer {
	if dialFn == nil {
		dialFn = (&net.Dialer{}).DialContext
	}
	return &Dialer{
		log:      log,
		resolver: r,
		dialFn:   dialFn,
		roots:    make(map[string]*x509.CertPool),
	}
}

// Dial establishes a Stream over r.  Every connection opened along the way
// is closed if any later step fails, or if ctx is done first.
func (d *Dialer) Dial(ctx context.Context, r *route.Route) (Stream, error) {
	info := &Info{
		ID:    uuid.NewString(),
		Route: r,
	}

	conn, err := d.dialFirstHop(ctx, r)
	if err != nil {
		return nil, err
	}

	if r.TLS {
		tlsConn, err := d.handshakeTLS(ctx, conn, r)
		if err != nil {
			conn.Close()
			return nil, err
		}
		state := tlsConn.ConnectionState()
		info.TLS = true
		info.TLSVersion = state.Version
		info.CipherSuite = state.CipherSuite
		info.ServerName = state.ServerName
		conn = tlsConn
	}

	if r.WebSocketPath != "" {
		wsConn, err := wsUpgrade(ctx, conn, r)
		if err != nil {
			conn.Close()
			if k := failure.KindOf(err); k == failure.KindRateLimited || k == failure.KindServerSide {
				return nil, err
			}
			return nil, failure.NewIOError("websocket", err)
		}
		info.WebSocket = true
		conn = wsConn
	}

	info.LocalAddr = conn.LocalAddr().String()
	info.RemoteAddr = conn.RemoteAddr().String()
	d.log.Debugf("Established %v", info)
	return &stream{Conn: conn, info: info}, nil
}

func (d *Dialer) dialFirstHop(ctx context.Context, r *route.Route) (net.Conn, error) {
	switch r.Kind {
	case route.Direct, route.DomainFronted:
		return d.dialHost(ctx, r.DialHost(), r.Port)
	case route.SocksProxy:
		socks, err := r.Proxy.SOCKS5(d.dialAddress)
		if err != nil {
			return nil, err
		}
		conn, err := socks(ctx, "tcp", r.Target())
		if err != nil {
			return nil, failure.NewIOError("socks5", err)
		}
		return conn, nil
	case route.HTTPProxy:
		conn, err := d.dialAddress(ctx, "tcp", r.Proxy.Address)
		if err != nil {
			return nil, err
		}
		tunnel, err := httpConnect(ctx, conn, r.Target(), r.Proxy.BasicAuth())
		if err != nil {
			conn.Close()
			return nil, failure.NewIOError("http connect", err)
		}
		return tunnel, nil
	default:
		return nil, fmt.Errorf("transport: invalid route kind: %v", r.Kind)
	}
}

// dialAddress is a DialContextFn resolving through the Resolver.
func (d *Dialer) dialAddress(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return d.dialHost(ctx, host, port)
}

// dialHost tries the resolved addresses of host in order, last known good
// first, until one connects.
func (d *Dialer) dialHost(ctx context.Context, host string, port int) (net.Conn, error) {
	set, err := d.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range set.Addrs {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := d.dialFn(ctx, "tcp", addr)
		if err == nil {
			d.resolver.MarkGood(host, ip)
			return conn, nil
		}
		lastErr = err
		d.log.Debugf("Dial %v (%v) failed: %v", addr, host, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, failure.NewIOError("dial "+host, lastErr)
}

func (d *Dialer) handshakeTLS(ctx context.Context, conn net.Conn, r *route.Route) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName: r.DialHost(),
		MinVersion: tls.VersionTLS12,
	}
	if r.WebSocketPath != "" {
		cfg.NextProtos = []string{"http/1.1"}
	}
	if r.RootCAFile != "" {
		roots, err := d.loadRoots(r.RootCAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = roots
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if isCertificateError(err) {
			return nil, failure.NewIOError("tls", &failure.PossibleCaptiveNetworkError{Err: err})
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.NewIOError("tls", err)
	}
	return tlsConn, nil
}

func (d *Dialer) loadRoots(file string) (*x509.CertPool, error) {
	d.rootsMu.Lock()
	defer d.rootsMu.Unlock()

	if pool, ok := d.roots[file]; ok {
		return pool, nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to read roots: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("transport: no certificates in %v", file)
	}
	d.roots[file] = pool
	return pool, nil
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &verification) ||
		errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid)
}
