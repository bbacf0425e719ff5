// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package enclavesim

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/enclavenet/rpc"
	"github.com/katzenpost/enclavenet/svr"
)

type entry struct {
	pin      []byte
	data     []byte
	maxTries uint32
	tries    uint32
}

// Store is the enclave side of the secure value store.  Secrets are kept
// per request credentials, and destroyed once their guess budget is
// spent.
type Store struct {
	sync.Mutex

	entries map[string]*entry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// TriesRemaining returns the guess budget left for credentials, and false
// if nothing is stored.
func (s *Store) TriesRemaining(credentials []byte) (uint32, bool) {
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[string(credentials)]
	if !ok {
		return 0, false
	}
	return e.tries, true
}

// ServeRequest answers a backup, restore or delete request.
func (s *Store) ServeRequest(ctx context.Context, req *rpc.Request) *rpc.Response {
	var reply *svr.Reply
	switch req.Path {
	case svr.PathBackup:
		var br svr.BackupRequest
		if err := cbor.Unmarshal(req.Body, &br); err != nil || br.MaxTries == 0 {
			return &rpc.Response{Status: 400}
		}
		reply = s.backup(string(req.Credentials), &br)
	case svr.PathRestore:
		var rr svr.RestoreRequest
		if err := cbor.Unmarshal(req.Body, &rr); err != nil {
			return &rpc.Response{Status: 400}
		}
		reply = s.restore(string(req.Credentials), rr.PIN)
	case svr.PathDelete:
		s.Lock()
		delete(s.entries, string(req.Credentials))
		s.Unlock()
		reply = &svr.Reply{Status: svr.ReplyOK}
	default:
		return &rpc.Response{Status: rpc.StatusNotFound}
	}
	return &rpc.Response{Status: rpc.StatusOK, Body: reply.Marshal()}
}

func (s *Store) backup(key string, br *svr.BackupRequest) *svr.Reply {
	s.Lock()
	defer s.Unlock()
	s.entries[key] = &entry{
		pin:      br.PIN,
		data:     br.Data,
		maxTries: br.MaxTries,
		tries:    br.MaxTries,
	}
	return &svr.Reply{Status: svr.ReplyOK, TriesRemaining: br.MaxTries}
}

func (s *Store) restore(key string, pin []byte) *svr.Reply {
	s.Lock()
	defer s.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return &svr.Reply{Status: svr.ReplyMissing}
	}
	if subtle.ConstantTimeCompare(e.pin, pin) != 1 {
		e.tries--
		if e.tries == 0 {
			delete(s.entries, key)
		}
		return &svr.Reply{Status: svr.ReplyPINMismatch, TriesRemaining: e.tries}
	}
	e.tries = e.maxTries
	return &svr.Reply{
		Status:         svr.ReplyOK,
		Data:           e.data,
		TriesRemaining: e.tries,
		MaxTries:       e.maxTries,
	}
}
