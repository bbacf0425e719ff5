// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package resolver resolves hostnames to ordered address sets, with a
// short lived cache that is dropped whenever the network changes.
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/enclavenet/config"
	"github.com/katzenpost/enclavenet/core/worker"
	"github.com/katzenpost/enclavenet/failure"
	"github.com/katzenpost/enclavenet/internal/instrument"
	"github.com/katzenpost/enclavenet/netchange"
)

const lookupTimeout = 10 * time.Second

const (
	SourceLiteral  = "literal"
	SourceCache    = "cache"
	SourceLookup   = "lookup"
	SourceFallback = "fallback"
)

// AddressSet is the ordered, deduplicated result of resolving Host.  When
// a last known good address is set it is first in Addrs.
type AddressSet struct {
	Host     string
	Addrs    []net.IP
	LastGood net.IP
	Source   string
}

type entry struct {
	addrs   []net.IP
	expires time.Time
}

// Resolver is a caching name resolver.  It is safe for concurrent use.
type Resolver struct {
	sync.RWMutex
	worker.Worker

	log    *logging.Logger
	lookup Lookup
	cfg    *config.Resolver
	group  singleflight.Group

	cache    map[string]*entry
	lastGood map[string]net.IP
	gen      uint64

	nowFn func() time.Time
}

// New returns a Resolver.  When src is not nil the cache is invalidated
// before every network change event from src returns, until Halt is called.
func New(cfg *config.Resolver, lookup Lookup, src netchange.Source, log *logging.Logger) *Resolver {
	if lookup == nil {
		if len(cfg.Nameservers) > 0 {
			lookup = NewDNSLookup(cfg.Nameservers)
		} else {
			lookup = &SystemLookup{}
		}
	}
	r := &Resolver{
		log:      log,
		lookup:   lookup,
		cfg:      cfg,
		cache:    make(map[string]*entry),
		lastGood: make(map[string]net.IP),
		nowFn:    time.Now,
	}
	if src != nil {
		cancel := src.Subscribe(func() {
			r.log.Debugf("Network changed, dropping resolver cache.")
			r.Invalidate()
		})
		r.Go(func() {
			<-r.HaltCh()
			cancel()
		})
	}
	return r
}

// Invalidate drops every cached resolution and last known good marker.
// Lookups in flight when Invalidate is called are not cached.
func (r *Resolver) Invalidate() {
	r.Lock()
	defer r.Unlock()

	r.cache = make(map[string]*entry)
	r.lastGood = make(map[string]net.IP)
	r.gen++
	instrument.CacheInvalidated()
}

// MarkGood records ip as the last known good address of host.
func (r *Resolver) MarkGood(host string, ip net.IP) {
	r.Lock()
	defer r.Unlock()
	r.lastGood[host] = ip
}

// Resolve resolves host.  When the lookup fails and static fallback
// addresses are configured for host those are returned instead, otherwise
// the error is a *failure.ResolutionError.  Resolve never retries.
func (r *Resolver) Resolve(ctx context.Context, host string) (*AddressSet, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &AddressSet{Host: host, Addrs: []net.IP{ip}, Source: SourceLiteral}, nil
	}

	r.RLock()
	e, ok := r.cache[host]
	if ok && r.nowFn().Before(e.expires) {
		set := r.toSetLocked(host, e.addrs, SourceCache)
		r.RUnlock()
		instrument.Resolution(SourceCache)
		return set, nil
	}
	gen := r.gen
	r.RUnlock()

	ch := r.group.DoChan(host, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.lookup.LookupIP(lctx, host)
	})

	var (
		ips []net.IP
		err error
	)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		err = res.Err
		if err == nil {
			ips = r.filter(res.Val.([]net.IP))
			if len(ips) == 0 {
				err = errors.New("no usable addresses")
			}
		}
	}

	if err != nil {
		if fb := r.fallback(host); len(fb) > 0 {
			r.log.Warningf("Resolving %v failed, using static fallback: %v", host, err)
			instrument.Resolution(SourceFallback)
			r.RLock()
			defer r.RUnlock()
			return r.toSetLocked(host, fb, SourceFallback), nil
		}
		return nil, &failure.ResolutionError{Host: host, Err: err}
	}

	r.Lock()
	defer r.Unlock()
	if gen == r.gen {
		r.cache[host] = &entry{
			addrs:   ips,
			expires: r.nowFn().Add(r.cfg.CacheDuration()),
		}
	}
	instrument.Resolution(SourceLookup)
	return r.toSetLocked(host, ips, SourceLookup), nil
}

func (r *Resolver) fallback(host string) []net.IP {
	var ips []net.IP
	for _, a := range r.cfg.Fallback[host] {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	return r.filter(ips)
}

// filter returns ips deduplicated and without disabled address families,
// preserving order.
func (r *Resolver) filter(ips []net.IP) []net.IP {
	seen := make(map[string]bool)
	out := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if (is4 && r.cfg.DisableIPv4) || (!is4 && r.cfg.DisableIPv6) {
			continue
		}
		k := ip.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ip)
	}
	return out
}

// toSetLocked builds a fresh AddressSet, so callers never share the cached
// slice.
func (r *Resolver) toSetLocked(host string, ips []net.IP, source string) *AddressSet {
	set := &AddressSet{
		Host:   host,
		Addrs:  make([]net.IP, 0, len(ips)),
		Source: source,
	}
	good := r.lastGood[host]
	for _, ip := range ips {
		if good != nil && ip.Equal(good) {
			set.LastGood = ip
			continue
		}
		set.Addrs = append(set.Addrs, ip)
	}
	if set.LastGood != nil {
		set.Addrs = append([]net.IP{set.LastGood}, set.Addrs...)
	}
	return set
}
