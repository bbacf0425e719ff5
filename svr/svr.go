// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package svr implements the client of a secure value store enclave, which
// keeps a secret behind a PIN with a limited number of guesses.
package svr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/instrument"
	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/transport"
)

// Phase is the phase of an operation.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Attesting
	RequestSent
	Success
	Retryable
	RotationNeeded
	Paused
	Fatal
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Attesting:
		return "attesting"
	case RequestSent:
		return "request_sent"
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case RotationNeeded:
		return "rotation_needed"
	case Paused:
		return "paused"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("[unknown phase: %d]", int(p))
	}
}

// ErrSessionTerminated is returned by every call on a Session after it
// succeeded.
var ErrSessionTerminated = errors.New("svr: session terminated")

// UnknownTries is the TriesRemaining of a session that has not been told
// its budget yet.
const UnknownTries = math.MaxUint32

// Sender sends requests over an attested channel.
type Sender interface {
	Send(ctx context.Context, req *rpc.Request) (*rpc.Response, error)
	Close()
}

// Enclave establishes sessions with one store enclave.
type Enclave interface {
	// Name identifies the enclave in logs.
	Name() string

	// Dial establishes a transport to the enclave.
	Dial(ctx context.Context) (transport.Stream, error)

	// Attest attests the enclave over s, which it owns from then on.
	Attest(ctx context.Context, s transport.Stream) (Sender, error)
}

// Config is the configuration of a Client.
type Config struct {
	// MaxRotationSteps bounds how many times one operation may
	// re-establish its session.
	MaxRotationSteps uint32

	// Salt is mixed into every PIN hash.
	Salt []byte

	// Credentials authenticate requests to the store.
	Credentials []byte
}

// Client is the client of one store enclave.
type Client struct {
	log     *logging.Logger
	enclave Enclave
	cfg     *Config
}

// New returns a Client of enclave.
func New(enclave Enclave, cfg *Config, log *logging.Logger) *Client {
	return &Client{log: log, enclave: enclave, cfg: cfg}
}

// Name returns the name of the enclave.
func (c *Client) Name() string {
	return c.enclave.Name()
}

// NewSession returns a new Session.
func (c *Client) NewSession() *Session {
	return &Session{
		client: c,
		state:  State{Phase: Idle, TriesRemaining: UnknownTries},
	}
}

// Backup stores secret behind pin in a new session.  maxTries is the
// number of wrong PINs tolerated before the secret is destroyed.
func (c *Client) Backup(ctx context.Context, pin, secret []byte, maxTries uint32) error {
	return c.NewSession().Backup(ctx, pin, secret, maxTries)
}

// Restore recovers the secret behind pin in a new session.
func (c *Client) Restore(ctx context.Context, pin []byte) ([]byte, error) {
	return c.NewSession().Restore(ctx, pin)
}

// Delete removes the secret in a new session.
func (c *Client) Delete(ctx context.Context) error {
	return c.NewSession().Delete(ctx)
}

// State is the state of a Session.
type State struct {
	Phase          Phase
	TriesRemaining uint32
	RotationStep   uint32

	// Terminal is set once the session may not be used again, because
	// it succeeded, ran out of tries or exceeded the rotation bound.
	Terminal bool
}

// Session is one backup or restore session.  The tries remaining reported
// by the store never increase over the lifetime of a Session, and a
// Session that ran out of tries fails every later call without contacting
// the store.
//
// Nothing is retried automatically except re-establishing the session
// when the store asks for it, at most MaxRotationSteps times per call.
type Session struct {
	sync.Mutex

	client      *Client
	state       State
	transitions []Phase
	terminalErr error
}

// State returns the current state.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// Transitions returns every phase entered so far.
func (s *Session) Transitions() []Phase {
	s.Lock()
	defer s.Unlock()
	return append([]Phase{}, s.transitions...)
}

func (s *Session) enter(p Phase) {
	s.client.log.Debugf("%v: %v -> %v", s.client.Name(), s.state.Phase, p)
	s.state.Phase = p
	s.transitions = append(s.transitions, p)
}

func (s *Session) terminate(p Phase, err error) error {
	s.enter(p)
	s.state.Terminal = true
	s.terminalErr = err
	return err
}

// Backup stores secret behind pin.
func (s *Session) Backup(ctx context.Context, pin, secret []byte, maxTries uint32) error {
	if maxTries == 0 {
		return errors.New("svr: maxTries must be positive")
	}
	body, err := cbor.Marshal(&BackupRequest{
		PIN:      HashPIN(pin, s.client.cfg.Salt),
		Data:     secret,
		MaxTries: maxTries,
	})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, "backup", PathBackup, body)
	return err
}

// Restore recovers the secret behind pin.  A wrong PIN fails with a
// *failure.RestoreFailedError carrying the tries left.
func (s *Session) Restore(ctx context.Context, pin []byte) ([]byte, error) {
	data, _, err := s.restore(ctx, pin)
	return data, err
}

func (s *Session) restore(ctx context.Context, pin []byte) ([]byte, uint32, error) {
	body, err := cbor.Marshal(&RestoreRequest{PIN: HashPIN(pin, s.client.cfg.Salt)})
	if err != nil {
		return nil, 0, err
	}
	reply, err := s.do(ctx, "restore", PathRestore, body)
	if err != nil {
		return nil, 0, err
	}
	return reply.Data, reply.MaxTries, nil
}

// Delete removes the secret.  Deleting nothing succeeds.
func (s *Session) Delete(ctx context.Context) error {
	_, err := s.do(ctx, "delete", PathDelete, nil)
	return err
}

func (s *Session) do(ctx context.Context, op, path string, body []byte) (*Reply, error) {
	s.Lock()
	defer s.Unlock()

	reply, err := s.run(ctx, path, body)
	outcome := "ok"
	if err != nil {
		outcome = failure.KindOf(err).String()
	}
	instrument.SVROperation(op, outcome)
	return reply, err
}

func (s *Session) run(ctx context.Context, path string, body []byte) (*Reply, error) {
	if s.state.Terminal {
		if s.terminalErr != nil {
			return nil, s.terminalErr
		}
		return nil, ErrSessionTerminated
	}
	s.state.RotationStep = 0

	req := &rpc.Request{
		Path:        path,
		Credentials: s.client.cfg.Credentials,
		Body:        body,
	}
	for {
		// The bound is checked before each network call.
		if s.state.RotationStep > s.client.cfg.MaxRotationSteps {
			s.client.log.Errorf("%v: exceeded %d rotation steps", s.client.Name(), s.client.cfg.MaxRotationSteps)
			return nil, s.terminate(Fatal, &failure.RotationBoundExceededError{Max: s.client.cfg.MaxRotationSteps})
		}

		reply, err := s.attempt(ctx, req)
		switch {
		case err == nil:
		case errors.Is(err, failure.ErrConnectionInvalidated) && !errors.Is(err, failure.ErrConnectedElsewhere):
			s.enter(RotationNeeded)
			s.state.RotationStep++
			continue
		default:
			if _, ok := failure.RetryAfter(err); ok {
				s.enter(Paused)
			} else {
				s.enter(Fatal)
			}
			return nil, err
		}

		switch reply.Status {
		case ReplyOK:
			return reply, s.terminate(Success, nil)
		case ReplyRotate:
			s.enter(RotationNeeded)
			s.state.RotationStep++
		case ReplyPINMismatch:
			tries := reply.TriesRemaining
			if tries > s.state.TriesRemaining {
				s.client.log.Warningf("%v: store raised tries remaining from %d to %d, ignoring", s.client.Name(), s.state.TriesRemaining, tries)
				tries = s.state.TriesRemaining
			}
			s.state.TriesRemaining = tries
			err := &failure.RestoreFailedError{TriesRemaining: tries}
			if tries == 0 {
				return nil, s.terminate(Retryable, err)
			}
			s.enter(Retryable)
			return nil, err
		case ReplyMissing:
			s.enter(Fatal)
			return nil, failure.ErrDataMissing
		default:
			s.enter(Fatal)
			return nil, failure.NewProtocolError("svr: unknown reply status %d", reply.Status)
		}
	}
}

func (s *Session) attempt(ctx context.Context, req *rpc.Request) (*Reply, error) {
	e := s.client.enclave

	s.enter(Connecting)
	stream, err := e.Dial(ctx)
	if err != nil {
		return nil, err
	}

	s.enter(Attesting)
	sender, err := e.Attest(ctx, stream)
	if err != nil {
		return nil, err
	}
	defer sender.Close()

	s.enter(RequestSent)
	resp, err := sender.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case rpc.StatusOK:
	case rpc.StatusNotFound:
		return nil, failure.ErrEnclaveNotFound
	default:
		return nil, failure.NewProtocolError("svr: unexpected status %d", resp.Status)
	}
	return decodeReply(resp.Body)
}
