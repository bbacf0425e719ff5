// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package client connects to attested enclave endpoints: it resolves,
// races the candidate routes, attests the enclave and hands out the
// resulting channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/katzenpost/nyquist/dh"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/attest"
	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/core/log"
	"github.com/katzenpost/enclavenet/core/worker"
	"github.com/katzenpost/enclavenet/netchange"
	"github.com/katzenpost/enclavenet/racer"
	"github.com/katzenpost/enclavenet/resolver"
	"github.com/katzenpost/enclavenet/route"
	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithLogBackend makes the Client log to b instead of the backend built
// from the configuration.
func WithLogBackend(b *log.Backend) Option {
	return func(c *Client) {
		c.logBackend = b
	}
}

// WithLookup replaces the name lookup backend of the resolver.
func WithLookup(l resolver.Lookup) Option {
	return func(c *Client) {
		c.lookup = l
	}
}

// WithStaticKey authenticates the Client to enclaves with kp.
func WithStaticKey(kp dh.Keypair) Option {
	return func(c *Client) {
		c.staticKey = kp
	}
}

// WithSVRIdentity sets the PIN salt and request credentials of the
// secure value store clients.
func WithSVRIdentity(salt, credentials []byte) Option {
	return func(c *Client) {
		c.svrSalt = salt
		c.svrCredentials = credentials
	}
}

// Client is the connection manager.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	haltOnce   sync.Once

	netchange *netchange.Broadcaster
	lookup    resolver.Lookup
	resolver  *resolver.Resolver
	catalog   *route.Catalog
	dialer    *transport.Dialer
	racer     *racer.Racer

	staticKey      dh.Keypair
	svrSalt        []byte
	svrCredentials []byte

	sync.Mutex
	verifiers map[string]attest.Verifier
	conns     map[*rpc.Conn]bool
}

// New creates a new Client with the provided configuration, which is
// validated first.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		verifiers: make(map[string]attest.Verifier),
		conns:     make(map[*rpc.Conn]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.initLogging(); err != nil {
		return nil, err
	}

	// Evidence roots are loaded up front, so a bad endpoint fails here
	// rather than on first use.
	for _, ep := range cfg.Endpoints {
		v, err := attest.NewVerifier(ep.Attestation, cfg.Callbacks.NowFn)
		if err != nil {
			return nil, fmt.Errorf("client: Endpoint '%v': %w", ep.Name, err)
		}
		c.verifiers[ep.Name] = v
	}

	var history racer.History
	if f := cfg.History.File; f != "" {
		var err error
		if history, err = racer.NewBoltHistory(f); err != nil {
			return nil, err
		}
	}

	c.netchange = netchange.NewBroadcaster()
	c.resolver = resolver.New(cfg.Resolver, c.lookup, c.netchange, c.GetLogger("resolver"))
	c.catalog = route.NewCatalog(cfg.UpstreamProxyConfig)
	c.dialer = transport.NewDialer(c.resolver, cfg.Callbacks.DialContextFn, c.GetLogger("transport"))
	c.racer = racer.New(c.dialer, history, cfg.History.Duration(), c.netchange, c.GetLogger("racer"))

	c.log.Noticef("Client ready with %d endpoints.", len(cfg.Endpoints))
	return c, nil
}

func (c *Client) initLogging() error {
	if c.logBackend != nil {
		c.log = c.logBackend.GetLogger("client")
		return nil
	}
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && c.cfg.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return errors.New("client: log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

// GetLogger returns a new logger with the given name.
func (c *Client) GetLogger(name string) *logging.Logger {
	return c.logBackend.GetLogger(name)
}

// LogBackend returns the log backend.
func (c *Client) LogBackend() *log.Backend {
	return c.logBackend
}

// Config returns the validated configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Routes returns the connection plan for the named endpoint: the tiers
// of routes Connect would try, in order.
func (c *Client) Routes(name string) ([][]*route.Route, error) {
	ep, err := c.endpoint(name)
	if err != nil {
		return nil, err
	}
	return c.racer.Plan(c.catalog.RoutesFor(ep)), nil
}

// Resolver returns the name resolver.
func (c *Client) Resolver() *resolver.Resolver {
	return c.resolver
}

// Connect establishes an attested channel to the named endpoint.
func (c *Client) Connect(ctx context.Context, name string) (*attest.Channel, error) {
	ep, err := c.endpoint(name)
	if err != nil {
		return nil, err
	}
	stream, err := c.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c.attest(ctx, ep, stream)
}

// Dial establishes an attested channel to the named endpoint and returns
// a request/response connection over it.
func (c *Client) Dial(ctx context.Context, name string) (*rpc.Conn, error) {
	ch, err := c.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.newConn(ch), nil
}

// NetworkChanged tells the Client the network changed.  Cached resolutions
// and route history are gone when it returns, so the next Connect starts
// afresh.  Established channels are left alone.
func (c *Client) NetworkChanged() {
	c.log.Info("Network changed.")
	c.netchange.Notify()
}

// Shutdown closes every connection handed out by Dial and releases the
// Client's resources.
func (c *Client) Shutdown() {
	c.haltOnce.Do(c.halt)
}

func (c *Client) halt() {
	c.log.Noticef("Starting graceful shutdown.")
	c.Lock()
	conns := make([]*rpc.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	c.Halt()
	c.racer.Shutdown()
	c.resolver.Halt()
}

func (c *Client) endpoint(name string) (*config.Endpoint, error) {
	ep := c.cfg.Endpoint(name)
	if ep == nil {
		return nil, fmt.Errorf("client: unknown endpoint '%v'", name)
	}
	return ep, nil
}

func (c *Client) dial(ctx context.Context, ep *config.Endpoint) (transport.Stream, error) {
	t := c.cfg.Timeouts
	stream, err := c.racer.Connect(ctx, c.catalog.RoutesFor(ep), t.AttemptTimeout(), t.OverallTimeout())
	if err != nil {
		c.log.Warningf("%v: connect failed: %v", ep.Name, err)
		return nil, err
	}
	return stream, nil
}

func (c *Client) attest(ctx context.Context, ep *config.Endpoint, stream transport.Stream) (*attest.Channel, error) {
	c.Lock()
	v := c.verifiers[ep.Name]
	c.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.HandshakeTimeout())
	defer cancel()
	ch, err := attest.Attest(ctx, stream, &attest.Config{
		Verifier:    v,
		LocalStatic: c.staticKey,
		Log:         c.GetLogger("attest"),
	})
	if err != nil {
		c.log.Warningf("%v: attestation over %v failed: %v", ep.Name, stream.Info(), err)
		return nil, err
	}
	c.log.Infof("%v: attested %v over %v", ep.Name, ch.Measurement(), stream.Info())
	return ch, nil
}

func (c *Client) newConn(ch *attest.Channel) *rpc.Conn {
	conn := rpc.NewConn(ch, c.cfg.Timeouts.RequestTimeout(), c.GetLogger("rpc"))
	c.Lock()
	c.conns[conn] = true
	c.Unlock()
	c.Go(func() {
		select {
		case <-conn.Done():
		case <-c.HaltCh():
		}
		c.Lock()
		delete(c.conns, conn)
		c.Unlock()
	})
	return conn
}
