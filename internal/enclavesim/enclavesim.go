// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package enclavesim runs an in-process enclave service speaking the
// attested channel protocol, for tests and local experiments.  Its
// evidence is signed by a freshly minted CA rather than by hardware.
package enclavesim

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist/dh"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/attest"
	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/core/worker"
	"github.com/katzenpost/enclavenet/internal/testcert"
	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/svr"
	"github.com/katzenpost/enclavenet/transport"
)

// PathEcho answers with the request body.
const PathEcho = "/v1/echo"

const handshakeTimeout = 10 * time.Second

// DefaultMeasurement is the PCR0 of the simulated image unless configured.
var DefaultMeasurement = bytes.Repeat([]byte{0xe7}, 48)

// Config is the configuration of an Enclave.
type Config struct {
	// Measurement is the PCR0 reported in evidence.
	Measurement []byte

	// TLS serves TLS below the attested channel.
	TLS bool

	// WebSocketPath, when set, serves the channel over websockets at
	// this path.
	WebSocketPath string

	// NowFn overrides the clock stamping evidence.
	NowFn func() time.Time
}

// Enclave is a simulated enclave service listening on the loopback
// interface.
type Enclave struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	cfg *Config

	ln      net.Listener
	httpSrv *http.Server

	attestRoot *testcert.CA
	attestCA   *testcert.CA
	signer     *testcert.Leaf
	tlsRoot    *testcert.CA
	staticKey  dh.Keypair

	store       *Store
	servers     map[*rpc.Server]bool
	measurement []byte
	rotate      int
	rateLimit   time.Duration

	handshakes uint64
}

// New starts an Enclave.
func New(cfg *Config, log *logging.Logger) (*Enclave, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	e := &Enclave{
		log:         log,
		cfg:         cfg,
		store:       NewStore(),
		servers:     make(map[*rpc.Server]bool),
		measurement: cfg.Measurement,
	}
	if e.measurement == nil {
		e.measurement = DefaultMeasurement
	}

	var err error
	if e.attestRoot, err = testcert.NewCA("enclavesim attestation root"); err != nil {
		return nil, err
	}
	if e.attestCA, err = e.attestRoot.Intermediate("enclavesim attestation intermediate"); err != nil {
		return nil, err
	}
	if e.signer, err = e.attestCA.Issue("enclavesim.invalid"); err != nil {
		return nil, err
	}
	if e.staticKey, err = dh.X25519.GenerateKeypair(rand.Reader); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if cfg.TLS {
		if e.tlsRoot, err = testcert.NewCA("enclavesim tls root"); err != nil {
			ln.Close()
			return nil, err
		}
		leaf, err := e.tlsRoot.Issue("127.0.0.1", "localhost")
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{leaf.TLS()},
			NextProtos:   []string{"http/1.1"},
		})
	}
	e.ln = ln

	if cfg.WebSocketPath != "" {
		upgrader := &websocket.Upgrader{}
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				e.log.Debugf("Websocket upgrade failed: %v", err)
				return
			}
			e.handle(transport.WebSocketConn(ws))
		})
		e.httpSrv = &http.Server{Handler: mux}
		e.Go(func() {
			e.httpSrv.Serve(ln)
		})
	} else {
		e.Go(e.acceptWorker)
	}
	e.log.Noticef("Listening on %v", ln.Addr())
	return e, nil
}

// Port returns the listening port.
func (e *Enclave) Port() int {
	return e.ln.Addr().(*net.TCPAddr).Port
}

// Store returns the secret store served by the enclave.
func (e *Enclave) Store() *Store {
	return e.store
}

// Handshakes returns the number of completed handshakes.
func (e *Enclave) Handshakes() int {
	return int(atomic.LoadUint64(&e.handshakes))
}

// Endpoint returns a configuration reaching the enclave, writing the trust
// roots it needs into dir.
func (e *Enclave) Endpoint(name, dir string) (*config.Endpoint, error) {
	attestRoots, err := e.attestRoot.WriteFile(dir)
	if err != nil {
		return nil, err
	}
	ep := &config.Endpoint{
		Name:          name,
		Hosts:         []string{"127.0.0.1"},
		Port:          e.Port(),
		PlainTCP:      !e.cfg.TLS,
		WebSocketPath: e.cfg.WebSocketPath,
		Attestation: &config.Attestation{
			Kind:         config.AttestationCOSE,
			Measurements: []string{hex.EncodeToString(DefaultMeasurement)},
			RootCAFile:   attestRoots,
		},
	}
	if e.cfg.Measurement != nil {
		ep.Attestation.Measurements = []string{hex.EncodeToString(e.cfg.Measurement)}
	}
	if e.tlsRoot != nil {
		if ep.RootCAFile, err = e.tlsRoot.WriteFile(dir); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

// SetMeasurement changes the PCR0 reported by later handshakes, as if the
// enclave were redeployed with another image.
func (e *Enclave) SetMeasurement(m []byte) {
	e.Lock()
	defer e.Unlock()
	e.measurement = m
}

// RotateNext answers the next n store requests by asking the client to
// establish a new session.
func (e *Enclave) RotateNext(n int) {
	e.Lock()
	defer e.Unlock()
	e.rotate = n
}

// RateLimitNext answers the next request with a 429 carrying retryAfter.
func (e *Enclave) RateLimitNext(retryAfter time.Duration) {
	e.Lock()
	defer e.Unlock()
	e.rateLimit = retryAfter
}

// Invalidate sends a goodbye with reason on every open channel.
func (e *Enclave) Invalidate(reason string) {
	e.Lock()
	servers := make([]*rpc.Server, 0, len(e.servers))
	for s := range e.servers {
		servers = append(servers, s)
	}
	e.Unlock()

	for _, s := range servers {
		if err := s.Goodbye(reason); err != nil {
			e.log.Debugf("Goodbye failed: %v", err)
		}
	}
}

// Close stops the enclave and tears down every channel.
func (e *Enclave) Close() {
	if e.httpSrv != nil {
		e.httpSrv.Close()
	} else {
		e.ln.Close()
	}
	e.SignalHalt()
	e.Lock()
	for s := range e.servers {
		s.SignalHalt()
	}
	e.Unlock()
	e.Wait()
}

func (e *Enclave) acceptWorker() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		e.Go(func() {
			e.handle(conn)
		})
	}
}

func (e *Enclave) handle(conn net.Conn) {
	ctx, cancel := context.WithTimeout(e.Context(), handshakeTimeout)
	ch, err := attest.Respond(ctx, conn, &attest.ResponderConfig{
		StaticKey: e.staticKey,
		Evidence:  e.evidence,
	})
	cancel()
	if err != nil {
		e.log.Debugf("Handshake with %v failed: %v", conn.RemoteAddr(), err)
		return
	}
	atomic.AddUint64(&e.handshakes, 1)

	srv := rpc.NewServer(ch, e, e.log)
	e.Lock()
	select {
	case <-e.HaltCh():
		e.Unlock()
		ch.Close()
		return
	default:
	}
	e.servers[srv] = true
	e.Unlock()
	defer func() {
		e.Lock()
		delete(e.servers, srv)
		e.Unlock()
		srv.Halt()
	}()

	if err := srv.Serve(); err != nil {
		e.log.Debugf("Channel with %v closed: %v", conn.RemoteAddr(), err)
	}
}

func (e *Enclave) now() time.Time {
	if e.cfg.NowFn != nil {
		return e.cfg.NowFn()
	}
	return time.Now()
}

func (e *Enclave) evidence(publicKey, nonce []byte) (string, []byte, error) {
	e.Lock()
	measurement := e.measurement
	e.Unlock()

	doc := &attest.Document{
		ModuleID:    "enclavesim",
		Digest:      "SHA384",
		Timestamp:   uint64(e.now().UnixMilli()),
		PCRs:        map[uint][]byte{0: measurement},
		Certificate: e.signer.Cert.Raw,
		CABundle:    [][]byte{e.attestRoot.Cert.Raw, e.attestCA.Cert.Raw},
		PublicKey:   publicKey,
		Nonce:       nonce,
	}
	b, err := attest.SignDocument(doc, e.signer.Key)
	return config.AttestationCOSE, b, err
}

// ServeRequest answers PathEcho and the secret store paths.
func (e *Enclave) ServeRequest(ctx context.Context, req *rpc.Request) *rpc.Response {
	e.Lock()
	if d := e.rateLimit; d > 0 {
		e.rateLimit = 0
		e.Unlock()
		return &rpc.Response{Status: rpc.StatusTooManyRequests, RetryAfter: d}
	}
	isStore := req.Path == svr.PathBackup || req.Path == svr.PathRestore || req.Path == svr.PathDelete
	rotate := isStore && e.rotate > 0
	if rotate {
		e.rotate--
	}
	e.Unlock()

	switch {
	case req.Path == PathEcho:
		return &rpc.Response{Status: rpc.StatusOK, Body: req.Body}
	case rotate:
		return &rpc.Response{Status: rpc.StatusOK, Body: (&svr.Reply{Status: svr.ReplyRotate}).Marshal()}
	case isStore:
		return e.store.ServeRequest(ctx, req)
	}
	return &rpc.Response{Status: rpc.StatusNotFound}
}
