// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/core/log"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/enclavesim"
	"github.com/katzenpost/enclavenet/route"
	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/svr"
)

var testLog = log.NewDiscard()

func newSim(t *testing.T, cfg *enclavesim.Config) *enclavesim.Enclave {
	e, err := enclavesim.New(cfg, testLog.GetLogger("enclavesim"))
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func endpoint(t *testing.T, e *enclavesim.Enclave, name string) *config.Endpoint {
	ep, err := e.Endpoint(name, t.TempDir())
	require.NoError(t, err)
	return ep
}

func newClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	if cfg.Timeouts == nil {
		cfg.Timeouts = &config.Timeouts{Attempt: 2000, Overall: 5000, Handshake: 5000, Request: 5000}
	}
	opts = append([]Option{WithLogBackend(testLog), WithSVRIdentity([]byte("salt"), []byte("alice"))}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestConnect(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, nil)
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{endpoint(t, sim, "sim")}})

	ch, err := c.Connect(context.Background(), "sim")
	require.NoError(err)
	defer ch.Close()

	require.Equal(c.Config().Endpoint("sim").Attestation.Measurements[0], ch.Measurement())
	require.Equal(route.Direct, ch.Info().Route.Kind)
	k, err := ch.ExportKey("test", 32)
	require.NoError(err)
	require.Len(k, 32)
	require.Equal(1, sim.Handshakes())

	_, err = c.Connect(context.Background(), "nope")
	require.Error(err)
}

func TestDialTLSWebSocket(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, &enclavesim.Config{TLS: true, WebSocketPath: "/v1/channel"})
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{endpoint(t, sim, "sim")}})

	conn, err := c.Dial(context.Background(), "sim")
	require.NoError(err)

	resp, err := conn.Send(context.Background(), &rpc.Request{Path: enclavesim.PathEcho, Body: []byte("ping")})
	require.NoError(err)
	require.Equal(rpc.StatusOK, resp.Status)
	require.Equal([]byte("ping"), resp.Body)

	resp, err = conn.Send(context.Background(), &rpc.Request{Path: "/elsewhere"})
	require.NoError(err)
	require.Equal(rpc.StatusNotFound, resp.Status)

	sim.RateLimitNext(5 * time.Second)
	_, err = conn.Send(context.Background(), &rpc.Request{Path: enclavesim.PathEcho})
	d, ok := failure.RetryAfter(err)
	require.True(ok)
	require.Equal(5*time.Second, d)
	require.True(failure.IsRetryable(err))
}

func TestMeasurementMismatch(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, nil)
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{endpoint(t, sim, "sim")}})
	sim.SetMeasurement(bytes.Repeat([]byte{0x01}, 48))

	_, err := c.Connect(context.Background(), "sim")
	var attestErr *failure.AttestationError
	require.ErrorAs(err, &attestErr)
	require.Equal(failure.MeasurementMismatch, attestErr.Reason)
	require.False(failure.IsRetryable(err))
	require.Equal(0, sim.Handshakes())
}

func TestUntrustedRoot(t *testing.T) {
	sim := newSim(t, nil)
	other := newSim(t, nil)
	ep := endpoint(t, sim, "sim")
	ep.Attestation.RootCAFile = endpoint(t, other, "other").Attestation.RootCAFile
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{ep}})

	_, err := c.Connect(context.Background(), "sim")
	var attestErr *failure.AttestationError
	require.ErrorAs(t, err, &attestErr)
	require.Equal(t, failure.UntrustedSigner, attestErr.Reason)
}

func TestAllRoutesRefused(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, nil)
	ep := endpoint(t, sim, "sim")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	ep.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{ep}})
	_, err = c.Connect(context.Background(), "sim")
	var allFailed *failure.AllAttemptsFailedError
	require.ErrorAs(err, &allFailed)
	require.Len(allFailed.Attempts, 1)
	require.True(failure.IsRetryable(err))

	// The refused route is now tried after the healthy ones.
	plan, err := c.Routes("sim")
	require.NoError(err)
	require.Len(plan, 1)
	c.NetworkChanged()
}

func TestGoodbye(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, nil)
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{endpoint(t, sim, "sim")}})

	conn, err := c.Dial(context.Background(), "sim")
	require.NoError(err)
	_, err = conn.Send(context.Background(), &rpc.Request{Path: enclavesim.PathEcho})
	require.NoError(err)

	sim.Invalidate(rpc.ReasonConnectedElsewhere)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection survived goodbye")
	}
	require.ErrorIs(conn.Err(), failure.ErrConnectedElsewhere)
	_, err = conn.Send(context.Background(), &rpc.Request{Path: enclavesim.PathEcho})
	require.Equal(failure.KindConnectedElsewhere, failure.KindOf(err))
}

func TestSVR(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	sim := newSim(t, nil)
	steps := 2
	cfg := &config.Config{
		Endpoints: []*config.Endpoint{endpoint(t, sim, "svr")},
		SVR:       &config.SVR{Endpoints: []string{"svr"}, MaxRotationSteps: &steps},
	}
	c := newClient(t, cfg)
	s, err := c.SVR("svr")
	require.NoError(err)

	require.NoError(s.Backup(ctx, []byte("1234"), []byte("master key"), 3))
	tries, ok := sim.Store().TriesRemaining([]byte("alice"))
	require.True(ok)
	require.Equal(uint32(3), tries)

	sess := s.NewSession()
	_, err = sess.Restore(ctx, []byte("0000"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 2}, err)
	require.Equal(svr.Retryable, sess.State().Phase)

	sim.RotateNext(2)
	data, err := sess.Restore(ctx, []byte("1234"))
	require.NoError(err)
	require.Equal([]byte("master key"), data)
	require.Equal(uint32(2), sess.State().RotationStep)

	sim.RotateNext(10)
	before := sim.Handshakes()
	_, err = s.Restore(ctx, []byte("1234"))
	require.Equal(failure.KindRotationBoundExceeded, failure.KindOf(err))
	require.Equal(before+3, sim.Handshakes())
	sim.RotateNext(0)

	sim.RateLimitNext(30 * time.Second)
	sess = s.NewSession()
	_, err = sess.Restore(ctx, []byte("1234"))
	d, ok := failure.RetryAfter(err)
	require.True(ok)
	require.Equal(30*time.Second, d)
	require.Equal(svr.Paused, sess.State().Phase)

	// Spending the whole budget destroys the secret.
	sess = s.NewSession()
	for i := 2; i >= 0; i-- {
		_, err = sess.Restore(ctx, []byte("9999"))
		require.Equal(&failure.RestoreFailedError{TriesRemaining: uint32(i)}, err)
	}
	require.True(sess.State().Terminal)
	_, err = s.Restore(ctx, []byte("1234"))
	require.ErrorIs(err, failure.ErrDataMissing)
}

func TestRestoreMigrates(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	current := newSim(t, nil)
	previous := newSim(t, nil)
	cfg := &config.Config{
		Endpoints: []*config.Endpoint{endpoint(t, current, "current"), endpoint(t, previous, "previous")},
		SVR:       &config.SVR{Endpoints: []string{"current", "previous"}, MigrateOnRestore: true},
		History:   &config.History{File: filepath.Join(t.TempDir(), "history.db")},
	}
	c := newClient(t, cfg)

	old, err := c.SVR("previous")
	require.NoError(err)
	require.NoError(old.Backup(ctx, []byte("1234"), []byte("secret"), 5))

	data, err := c.Restore(ctx, []byte("1234"))
	require.NoError(err)
	require.Equal([]byte("secret"), data)

	tries, ok := current.Store().TriesRemaining([]byte("alice"))
	require.True(ok)
	require.Equal(uint32(5), tries)
	_, ok = previous.Store().TriesRemaining([]byte("alice"))
	require.False(ok)
}

type switchLookup struct {
	sync.Mutex
	ip net.IP
}

func (l *switchLookup) set(ip string) {
	l.Lock()
	defer l.Unlock()
	l.ip = net.ParseIP(ip)
}

func (l *switchLookup) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	l.Lock()
	defer l.Unlock()
	return []net.IP{l.ip}, nil
}

func TestNetworkChangedDropsCacheAtOnce(t *testing.T) {
	require := require.New(t)
	sim := newSim(t, nil)
	ep := endpoint(t, sim, "sim")
	ep.Hosts = []string{"sim.enclave.test"}

	// Nothing listens on 127.0.0.2, so the first answer refuses.
	l := &switchLookup{}
	l.set("127.0.0.2")
	c := newClient(t, &config.Config{Endpoints: []*config.Endpoint{ep}}, WithLookup(l))

	_, err := c.Connect(context.Background(), "sim")
	require.Error(err)

	l.set("127.0.0.1")
	set, err := c.Resolver().Resolve(context.Background(), "sim.enclave.test")
	require.NoError(err)
	require.True(set.Addrs[0].Equal(net.ParseIP("127.0.0.2")))

	c.NetworkChanged()
	ch, err := c.Connect(context.Background(), "sim")
	require.NoError(err)
	defer ch.Close()
	require.Equal(1, sim.Handshakes())
}
