// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package netchange carries the "network changed" signal from whoever
// observes connectivity (the platform, a CLI flag, a test) to the
// components that cache network state.
package netchange

import (
	"sort"
	"sync"
)

// Source is a network change event source.  Handlers run synchronously in
// the goroutine that reports the change, so a handler must not block and
// must not report a change itself.
type Source interface {
	Subscribe(fn func()) func()
}

// Broadcaster is a Source driven by calls to Notify.
type Broadcaster struct {
	sync.Mutex

	subs   map[uint64]func()
	nextID uint64

	// notifyLock serializes Notify, so two concurrent changes never run a
	// handler concurrently with itself.
	notifyLock sync.Mutex
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uint64]func()),
	}
}

// Subscribe registers fn and returns a function that cancels the
// subscription.
func (b *Broadcaster) Subscribe(fn func()) func() {
	b.Lock()
	defer b.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.Lock()
			defer b.Unlock()
			delete(b.subs, id)
		})
	}
}

// Notify runs every handler, in subscription order, and returns once all
// of them have returned.  State dropped by a handler is gone by the time
// Notify returns.
func (b *Broadcaster) Notify() {
	b.notifyLock.Lock()
	defer b.notifyLock.Unlock()

	b.Lock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.Unlock()

	for _, fn := range fns {
		fn()
	}
}
