// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package svr

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/enclavenet/core/log"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/transport"
)

var testLog = log.NewDiscard()

type fakeEnclave struct {
	sync.Mutex

	name    string
	dials   int
	sends   int
	dialErr error
	handler func(req *rpc.Request) (*rpc.Response, error)
}

func (e *fakeEnclave) Name() string {
	return e.name
}

func (e *fakeEnclave) Dial(ctx context.Context) (transport.Stream, error) {
	e.Lock()
	defer e.Unlock()
	e.dials++
	if e.dialErr != nil {
		return nil, e.dialErr
	}
	a, b := net.Pipe()
	b.Close()
	return transport.NewStream(a, nil), nil
}

func (e *fakeEnclave) Attest(ctx context.Context, s transport.Stream) (Sender, error) {
	s.Close()
	return &fakeSender{e}, nil
}

func (e *fakeEnclave) dialCount() int {
	e.Lock()
	defer e.Unlock()
	return e.dials
}

type fakeSender struct {
	e *fakeEnclave
}

func (s *fakeSender) Send(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	s.e.Lock()
	s.e.sends++
	h := s.e.handler
	s.e.Unlock()
	return h(req)
}

func (s *fakeSender) Close() {}

func reply(r *Reply) (*rpc.Response, error) {
	return &rpc.Response{Status: rpc.StatusOK, Body: r.Marshal()}, nil
}

// script answers requests with replies in order, repeating the last.
func script(replies ...interface{}) func(*rpc.Request) (*rpc.Response, error) {
	var mu sync.Mutex
	i := 0
	return func(*rpc.Request) (*rpc.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		switch v := r.(type) {
		case *Reply:
			return reply(v)
		case error:
			return nil, v
		}
		panic("bad script")
	}
}

type memStore struct {
	sync.Mutex

	present  bool
	pin      []byte
	data     []byte
	maxTries uint32
	tries    uint32
}

func (m *memStore) handle(req *rpc.Request) (*rpc.Response, error) {
	m.Lock()
	defer m.Unlock()
	switch req.Path {
	case PathBackup:
		var br BackupRequest
		if err := cbor.Unmarshal(req.Body, &br); err != nil {
			return nil, err
		}
		m.present, m.pin, m.data = true, br.PIN, br.Data
		m.maxTries, m.tries = br.MaxTries, br.MaxTries
		return reply(&Reply{Status: ReplyOK, TriesRemaining: m.tries})
	case PathRestore:
		var rr RestoreRequest
		if err := cbor.Unmarshal(req.Body, &rr); err != nil {
			return nil, err
		}
		if !m.present {
			return reply(&Reply{Status: ReplyMissing})
		}
		if !bytes.Equal(rr.PIN, m.pin) {
			m.tries--
			if m.tries == 0 {
				m.present = false
			}
			return reply(&Reply{Status: ReplyPINMismatch, TriesRemaining: m.tries})
		}
		m.tries = m.maxTries
		return reply(&Reply{Status: ReplyOK, Data: m.data, TriesRemaining: m.tries, MaxTries: m.maxTries})
	case PathDelete:
		m.present = false
		return reply(&Reply{Status: ReplyOK})
	}
	return &rpc.Response{Status: rpc.StatusNotFound}, nil
}

func newClient(e *fakeEnclave, maxRotationSteps uint32) *Client {
	return New(e, &Config{MaxRotationSteps: maxRotationSteps, Salt: []byte("alice")}, testLog.GetLogger("svr"))
}

func TestBackupRestoreDelete(t *testing.T) {
	require := require.New(t)
	store := new(memStore)
	e := &fakeEnclave{name: "svr", handler: store.handle}
	c := newClient(e, 3)
	ctx := context.Background()

	require.NoError(c.Backup(ctx, []byte("1234"), []byte("master key"), 5))
	require.False(bytes.Contains(store.pin, []byte("1234")))

	data, err := c.Restore(ctx, []byte("1234"))
	require.NoError(err)
	require.Equal([]byte("master key"), data)

	_, err = c.Restore(ctx, []byte("0000"))
	var restoreErr *failure.RestoreFailedError
	require.ErrorAs(err, &restoreErr)
	require.Equal(uint32(4), restoreErr.TriesRemaining)

	require.NoError(c.Delete(ctx))
	_, err = c.Restore(ctx, []byte("1234"))
	require.ErrorIs(err, failure.ErrDataMissing)
	require.False(failure.IsRetryable(err))

	require.Error(c.Backup(ctx, []byte("1234"), []byte("x"), 0))
}

func TestRestoreFailedIsTerminalAtZero(t *testing.T) {
	require := require.New(t)
	e := &fakeEnclave{name: "svr", handler: script(
		&Reply{Status: ReplyPINMismatch, TriesRemaining: 2},
		&Reply{Status: ReplyPINMismatch, TriesRemaining: 0},
	)}
	sess := newClient(e, 3).NewSession()
	ctx := context.Background()

	_, err := sess.Restore(ctx, []byte("1111"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 2}, err)
	st := sess.State()
	require.Equal(Retryable, st.Phase)
	require.Equal(uint32(2), st.TriesRemaining)
	require.False(st.Terminal)
	require.Equal(1, e.dialCount())

	_, err = sess.Restore(ctx, []byte("2222"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 0}, err)
	st = sess.State()
	require.True(st.Terminal)
	require.Equal(uint32(0), st.TriesRemaining)
	require.Equal(2, e.dialCount())

	// Nothing is sent once the budget is gone.
	_, err = sess.Restore(ctx, []byte("3333"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 0}, err)
	require.Equal(2, e.dialCount())
	require.False(failure.IsRetryable(err))
}

func TestTriesNeverIncrease(t *testing.T) {
	require := require.New(t)
	e := &fakeEnclave{name: "svr", handler: script(
		&Reply{Status: ReplyPINMismatch, TriesRemaining: 2},
		&Reply{Status: ReplyPINMismatch, TriesRemaining: 9},
	)}
	sess := newClient(e, 3).NewSession()

	_, err := sess.Restore(context.Background(), []byte("1111"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 2}, err)
	_, err = sess.Restore(context.Background(), []byte("1111"))
	require.Equal(&failure.RestoreFailedError{TriesRemaining: 2}, err)
	require.Equal(uint32(2), sess.State().TriesRemaining)
}

func TestRotationBound(t *testing.T) {
	require := require.New(t)
	const maxSteps = 3
	e := &fakeEnclave{name: "svr", handler: script(&Reply{Status: ReplyRotate})}
	sess := newClient(e, maxSteps).NewSession()

	_, err := sess.Restore(context.Background(), []byte("1234"))
	var boundErr *failure.RotationBoundExceededError
	require.ErrorAs(err, &boundErr)
	require.Equal(uint32(maxSteps), boundErr.Max)
	require.False(failure.IsRetryable(err))

	// One initial attempt plus max rotations, and nothing for the
	// rotation need past the bound.
	require.Equal(maxSteps+1, e.dialCount())
	rotations := 0
	for _, p := range sess.Transitions() {
		if p == RotationNeeded {
			rotations++
		}
	}
	require.Equal(maxSteps+1, rotations)
	require.True(sess.State().Terminal)
	require.Equal(Fatal, sess.State().Phase)

	_, err = sess.Restore(context.Background(), []byte("1234"))
	require.ErrorAs(err, &boundErr)
	require.Equal(maxSteps+1, e.dialCount())
}

func TestRotationRecovers(t *testing.T) {
	require := require.New(t)
	e := &fakeEnclave{name: "svr", handler: script(
		&Reply{Status: ReplyRotate},
		failure.ErrConnectionInvalidated,
		&Reply{Status: ReplyOK, Data: []byte("secret")},
	)}
	sess := newClient(e, 3).NewSession()

	data, err := sess.Restore(context.Background(), []byte("1234"))
	require.NoError(err)
	require.Equal([]byte("secret"), data)
	require.Equal(3, e.dialCount())
	st := sess.State()
	require.Equal(uint32(2), st.RotationStep)
	require.Equal(Success, st.Phase)
	require.True(st.Terminal)
	require.Equal([]Phase{
		Connecting, Attesting, RequestSent, RotationNeeded,
		Connecting, Attesting, RequestSent, RotationNeeded,
		Connecting, Attesting, RequestSent, Success,
	}, sess.Transitions())

	_, err = sess.Restore(context.Background(), []byte("1234"))
	require.ErrorIs(err, ErrSessionTerminated)
}

func TestZeroRotationSteps(t *testing.T) {
	e := &fakeEnclave{name: "svr", handler: script(&Reply{Status: ReplyRotate})}
	_, err := newClient(e, 0).Restore(context.Background(), []byte("1234"))
	require.Equal(t, failure.KindRotationBoundExceeded, failure.KindOf(err))
	require.Equal(t, 1, e.dialCount())
}

func TestConnectedElsewhereIsFatal(t *testing.T) {
	e := &fakeEnclave{name: "svr", handler: script(failure.ErrConnectedElsewhere)}
	_, err := newClient(e, 3).Restore(context.Background(), []byte("1234"))
	require.ErrorIs(t, err, failure.ErrConnectedElsewhere)
	require.Equal(t, 1, e.dialCount())
}

func TestRateLimitedPauses(t *testing.T) {
	require := require.New(t)
	e := &fakeEnclave{name: "svr", handler: script(
		&failure.RateLimitedError{RetryAfter: 30 * time.Second},
		&Reply{Status: ReplyOK, Data: []byte("secret")},
	)}
	sess := newClient(e, 3).NewSession()

	_, err := sess.Restore(context.Background(), []byte("1234"))
	retryAfter, ok := failure.RetryAfter(err)
	require.True(ok)
	require.Equal(30*time.Second, retryAfter)
	require.Equal(Paused, sess.State().Phase)
	require.False(sess.State().Terminal)
	require.Equal(1, e.dialCount())

	// The caller decides to resubmit.
	data, err := sess.Restore(context.Background(), []byte("1234"))
	require.NoError(err)
	require.Equal([]byte("secret"), data)
}

func TestConnectFailure(t *testing.T) {
	require := require.New(t)
	dialErr := &failure.AllAttemptsFailedError{TimedOut: true}
	e := &fakeEnclave{name: "svr", dialErr: dialErr}
	sess := newClient(e, 3).NewSession()

	_, err := sess.Restore(context.Background(), []byte("1234"))
	require.True(errors.Is(err, dialErr))
	require.True(failure.IsRetryable(err))
	require.Equal(Fatal, sess.State().Phase)
	require.False(sess.State().Terminal)
}

func TestRestoreAny(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	stores := []*memStore{new(memStore), new(memStore), new(memStore)}
	var enclaves []*fakeEnclave
	var clients []*Client
	for i, s := range stores {
		e := &fakeEnclave{name: []string{"current", "previous", "oldest"}[i], handler: s.handle}
		enclaves = append(enclaves, e)
		clients = append(clients, newClient(e, 3))
	}
	require.NoError(clients[2].Backup(ctx, []byte("1234"), []byte("secret"), 7))

	data, err := RestoreAny(ctx, clients, []byte("1234"), false)
	require.NoError(err)
	require.Equal([]byte("secret"), data)
	require.False(stores[0].present)

	data, err = RestoreAny(ctx, clients, []byte("1234"), true)
	require.NoError(err)
	require.Equal([]byte("secret"), data)
	require.True(stores[0].present)
	require.Equal(uint32(7), stores[0].maxTries)
	require.False(stores[2].present)

	// Now found in the current store, the others are not consulted.
	before := enclaves[1].dialCount()
	data, err = RestoreAny(ctx, clients, []byte("1234"), true)
	require.NoError(err)
	require.Equal([]byte("secret"), data)
	require.Equal(before, enclaves[1].dialCount())

	// A wrong PIN is not tried elsewhere.
	before = enclaves[1].dialCount()
	_, err = RestoreAny(ctx, clients, []byte("0000"), true)
	require.Equal(failure.KindRestoreFailed, failure.KindOf(err))
	require.Equal(before, enclaves[1].dialCount())

	_, err = RestoreAny(ctx, clients[1:], []byte("1234"), true)
	require.ErrorIs(err, failure.ErrDataMissing)
}

func TestRestoreAnySkipsRetiredEnclave(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	current, oldest := new(memStore), new(memStore)
	retired := func(*rpc.Request) (*rpc.Response, error) {
		return &rpc.Response{Status: rpc.StatusNotFound}, nil
	}
	clients := []*Client{
		newClient(&fakeEnclave{name: "current", handler: current.handle}, 3),
		newClient(&fakeEnclave{name: "retired", handler: retired}, 3),
		newClient(&fakeEnclave{name: "oldest", handler: oldest.handle}, 3),
	}
	require.NoError(clients[2].Backup(ctx, []byte("1234"), []byte("secret"), 5))

	_, err := clients[1].NewSession().Restore(ctx, []byte("1234"))
	require.ErrorIs(err, failure.ErrEnclaveNotFound)
	require.False(failure.IsRetryable(err))

	data, err := RestoreAny(ctx, clients, []byte("1234"), true)
	require.NoError(err)
	require.Equal([]byte("secret"), data)
	require.True(current.present)
	require.False(oldest.present)

	_, err = RestoreAny(ctx, clients[1:2], []byte("1234"), false)
	require.ErrorIs(err, failure.ErrDataMissing)
}

func TestHashPIN(t *testing.T) {
	require := require.New(t)
	a := HashPIN([]byte("1234"), []byte("alice"))
	require.Len(a, PINHashSize)
	require.Equal(a, HashPIN([]byte("1234"), []byte("alice")))
	require.NotEqual(a, HashPIN([]byte("1234"), []byte("bob")))
	require.NotEqual(a, HashPIN([]byte("1235"), []byte("alice")))
}
