// SPDX-FileCopyrightText: © 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package netchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcaster(t *testing.T) {
	require := require.New(t)

	b := NewBroadcaster()
	var order []int
	cancel1 := b.Subscribe(func() { order = append(order, 1) })
	cancel2 := b.Subscribe(func() { order = append(order, 2) })
	defer cancel2()

	// Handlers have run by the time Notify returns.
	b.Notify()
	require.Equal([]int{1, 2}, order)

	cancel1()
	cancel1()
	b.Notify()
	require.Equal([]int{1, 2, 2}, order)
}

func TestSubscribeFromHandlerIsSafe(t *testing.T) {
	require := require.New(t)

	b := NewBroadcaster()
	n := 0
	b.Subscribe(func() {
		n++
		b.Subscribe(func() { n += 10 })
	})
	b.Notify()
	require.Equal(1, n)
	b.Notify()
	require.Equal(12, n)
}
