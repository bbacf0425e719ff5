// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package rpc

import (
	"context"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/core/worker"
)

// Handler answers requests on the enclave side.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServeRequest calls f.
func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Server is the enclave side of the request/response protocol.  Each
// request is handled on its own goroutine, so responses may be written in
// any order.
type Server struct {
	worker.Worker

	log     *logging.Logger
	ch      MessageChannel
	handler Handler

	writeMutex sync.Mutex
}

// NewServer returns a Server answering requests on ch with handler.
func NewServer(ch MessageChannel, handler Handler, log *logging.Logger) *Server {
	return &Server{
		log:     log,
		ch:      ch,
		handler: handler,
	}
}

// Serve answers requests until the channel fails or the Server is halted,
// and returns the error that ended it.
func (s *Server) Serve() error {
	defer s.ch.Close()
	defer s.SignalHalt()
	ctx := s.Context()
	s.Go(func() {
		<-s.HaltCh()
		s.ch.Close()
	})
	for {
		b, err := s.ch.ReadMessage()
		if err != nil {
			return err
		}
		env, err := unmarshalEnvelope(b)
		if err != nil {
			return err
		}
		if env.Type != typeRequest {
			s.log.Warningf("Ignoring message of type %d", env.Type)
			continue
		}
		s.Go(func() {
			resp := s.handler.ServeRequest(ctx, &Request{
				Path:        env.Path,
				Credentials: env.Credentials,
				Body:        env.Body,
			})
			if resp == nil {
				resp = &Response{Status: StatusInternalServerError}
			}
			out := &envelope{
				Type:   typeResponse,
				ID:     env.ID,
				Status: resp.Status,
				Body:   resp.Body,
			}
			if resp.Status == StatusTooManyRequests {
				out.RetryAfter = uint32(resp.RetryAfter.Seconds())
			}
			if err := s.write(out); err != nil {
				s.log.Debugf("Failed to write response %d: %v", env.ID, err)
			}
		})
	}
}

// Goodbye tells the client the channel is gone for reason.
func (s *Server) Goodbye(reason string) error {
	return s.write(&envelope{Type: typeGoodbye, Reason: reason})
}

func (s *Server) write(env *envelope) error {
	b, err := env.marshal()
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.ch.WriteMessage(b)
}
