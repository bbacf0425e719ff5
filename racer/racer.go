// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package racer races connection attempts over candidate routes.
package racer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/core/worker"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/instrument"
	"github.com/katzenpost/enclavenet/netchange"
	"github.com/katzenpost/enclavenet/route"
	"github.com/katzenpost/enclavenet/transport"
)

// Dialer establishes a transport over one route.
type Dialer interface {
	Dial(ctx context.Context, r *route.Route) (transport.Stream, error)
}

// Racer connects to the first route that works.
type Racer struct {
	worker.Worker

	log     *logging.Logger
	dialer  Dialer
	history History
	ttl     time.Duration

	nowFn func() time.Time
}

// New returns a Racer.  Routes that failed within ttl, according to history,
// are tried after every other route.  history is reset on network change
// events from src, which may be nil.
func New(dialer Dialer, history History, ttl time.Duration, src netchange.Source, log *logging.Logger) *Racer {
	if history == nil {
		history = NewMemoryHistory()
	}
	r := &Racer{
		log:     log,
		dialer:  dialer,
		history: history,
		ttl:     ttl,
		nowFn:   time.Now,
	}
	if src != nil {
		cancel := src.Subscribe(func() {
			r.log.Debugf("Network changed, forgetting route history.")
			if err := r.history.Reset(); err != nil {
				r.log.Warningf("Failed to reset route history: %v", err)
			}
		})
		r.Go(func() {
			<-r.HaltCh()
			cancel()
		})
	}
	return r
}

// Shutdown halts the Racer, closing every late transport, and closes the
// history.
func (r *Racer) Shutdown() {
	r.Halt()
	if err := r.history.Close(); err != nil {
		r.log.Warningf("Failed to close route history: %v", err)
	}
}

// Plan returns the tiers Connect would try for routes, in order.
func (r *Racer) Plan(routes []*route.Route) [][]*route.Route {
	var healthy, demoted []*route.Route
	now := r.nowFn()
	for _, rt := range routes {
		if at, ok := r.history.LastFailure(rt.Key()); ok && now.Sub(at) < r.ttl {
			demoted = append(demoted, rt)
			continue
		}
		healthy = append(healthy, rt)
	}
	return append(route.Tiers(healthy), route.Tiers(demoted)...)
}

// Connect returns a transport over the first route to connect.  Tiers are
// tried in order and the routes of a tier concurrently.  The first success
// wins, every other attempt is cancelled and any transport it produced is
// closed.  overallTimeout bounds the whole race.
//
// A rate limit reported by any route ends the race at once with that
// error.  If every attempted route fails, the error is a
// *failure.AllAttemptsFailedError with one entry per attempted route.
func (r *Racer) Connect(ctx context.Context, routes []*route.Route, attemptTimeout, overallTimeout time.Duration) (transport.Stream, error) {
	start := r.nowFn()
	octx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	var attempts []*failure.AttemptError
	for i, tier := range r.Plan(routes) {
		if octx.Err() != nil {
			break
		}
		r.log.Debugf("Racing tier %d: %v", i, tier)
		s, errs, err := r.raceTier(octx, tier, attemptTimeout)
		attempts = append(attempts, errs...)
		if s != nil {
			instrument.Connected(r.nowFn().Sub(start).Seconds())
			r.log.Infof("Connected via %v", s.Info())
			return s, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &failure.AllAttemptsFailedError{
		Attempts: attempts,
		TimedOut: errors.Is(octx.Err(), context.DeadlineExceeded),
	}
}

// errRaceDeadline marks attempts cut off by the overall deadline.  They say
// nothing about the health of their route.
var errRaceDeadline = fmt.Errorf("%w: overall deadline", failure.ErrConnectTimedOut)

type result struct {
	route  *route.Route
	stream transport.Stream
	err    error
}

func (r *Racer) raceTier(ctx context.Context, tier []*route.Route, attemptTimeout time.Duration) (transport.Stream, []*failure.AttemptError, error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *result, len(tier))
	for _, rt := range tier {
		go func() {
			actx, acancel := context.WithTimeout(tctx, attemptTimeout)
			defer acancel()
			s, err := r.dialer.Dial(actx, rt)
			if err != nil {
				err = attemptError(ctx, actx, err, attemptTimeout)
			}
			resultCh <- &result{route: rt, stream: s, err: err}
		}()
	}

	var errs []*failure.AttemptError
	for pending := len(tier); pending > 0; pending-- {
		res := <-resultCh
		if res.err == nil {
			r.recordSuccess(res.route)
			cancel()
			r.drain(resultCh, pending-1)
			return res.stream, errs, nil
		}

		errs = append(errs, &failure.AttemptError{Route: res.route.Key(), Err: res.err})
		if failure.KindOf(res.err) == failure.KindCancelled || errors.Is(res.err, errRaceDeadline) {
			instrument.ConnectAttempt(res.route.Kind.String(), "cancelled")
			continue
		}
		r.recordFailure(res.route, res.err)

		if failure.KindOf(res.err) == failure.KindRateLimited {
			r.log.Warningf("Rate limited via %v, ending race: %v", res.route, res.err)
			cancel()
			r.drain(resultCh, pending-1)
			return nil, errs, res.err
		}
	}
	return nil, errs, nil
}

// drain closes any transport still produced by the n attempts that were
// cancelled.
func (r *Racer) drain(resultCh <-chan *result, n int) {
	if n == 0 {
		return
	}
	r.Go(func() {
		for ; n > 0; n-- {
			res := <-resultCh
			if res.stream != nil {
				r.log.Debugf("Closing losing transport %v", res.stream.Info())
				res.stream.Close()
				instrument.ConnectAttempt(res.route.Kind.String(), "lost")
			} else {
				instrument.ConnectAttempt(res.route.Kind.String(), "cancelled")
			}
		}
	})
}

func (r *Racer) recordSuccess(rt *route.Route) {
	instrument.ConnectAttempt(rt.Kind.String(), "success")
	if err := r.history.Succeeded(rt.Key()); err != nil {
		r.log.Warningf("Failed to update route history: %v", err)
	}
}

func (r *Racer) recordFailure(rt *route.Route, err error) {
	r.log.Debugf("Attempt via %v failed: %v", rt, err)
	instrument.ConnectAttempt(rt.Kind.String(), "failure")
	if err := r.history.Failed(rt.Key(), r.nowFn()); err != nil {
		r.log.Warningf("Failed to update route history: %v", err)
	}
}

// attemptError normalizes the error of a failed attempt.  Timeouts become
// failure.ErrConnectTimedOut and a race cancelled by the caller or by a
// winning sibling becomes failure.ErrCancelled.
func attemptError(raceCtx, attemptCtx context.Context, err error, attemptTimeout time.Duration) error {
	switch {
	case errors.Is(raceCtx.Err(), context.DeadlineExceeded):
		return errRaceDeadline
	case raceCtx.Err() != nil:
		return failure.ErrCancelled
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: attempt exceeded %v", failure.ErrConnectTimedOut, attemptTimeout)
	case errors.Is(attemptCtx.Err(), context.Canceled):
		return failure.ErrCancelled
	default:
		return err
	}
}
