// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorStartsOnline(t *testing.T) {
	m := NewMonitor(nil, 0, testLogger())
	require.False(t, m.IsOffline())
}

func TestMonitorFiresOncePerTransition(t *testing.T) {
	m := NewMonitor(nil, 0, testLogger())

	var online, offline int
	m.OnOnline(func() { online++ })
	m.OnOffline(func() { offline++ })

	m.SetOnline(true) // already online, no transition
	require.Zero(t, online)

	m.SetOnline(false)
	m.SetOnline(false) // repeated signal, still one transition
	require.Equal(t, 1, offline)

	m.SetOnline(true)
	require.Equal(t, 1, online)
	require.False(t, m.IsOffline())
}

func TestMonitorDispatchOrderAndUnsubscribe(t *testing.T) {
	m := NewMonitor(nil, 0, testLogger())

	var order []int
	m.OnOffline(func() { order = append(order, 1) })
	unsub := m.OnOffline(func() { order = append(order, 2) })
	m.OnOffline(func() { order = append(order, 3) })

	m.SetOnline(false)
	require.Equal(t, []int{1, 2, 3}, order)

	unsub()
	order = nil
	m.SetOnline(true)
	m.SetOnline(false)
	require.Equal(t, []int{1, 3}, order)
}

func TestMonitorUnsubscribeDuringDispatch(t *testing.T) {
	m := NewMonitor(nil, 0, testLogger())

	var calls []int
	var unsub2 func()
	m.OnOffline(func() {
		calls = append(calls, 1)
		unsub2() // removing a later subscriber mid-dispatch must not skip it now
	})
	unsub2 = m.OnOffline(func() { calls = append(calls, 2) })

	m.SetOnline(false)
	require.Equal(t, []int{1, 2}, calls)

	// But it is gone for the next transition.
	calls = nil
	m.SetOnline(true)
	m.SetOnline(false)
	require.Equal(t, []int{1}, calls)
}

func TestMonitorProbeLoop(t *testing.T) {
	var healthy atomic.Bool
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("unreachable")
	}

	m := NewMonitor(probe, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, m.IsOffline, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool { return !m.IsOffline() }, time.Second, 5*time.Millisecond)
}

func TestMonitorStopBeforeStart(t *testing.T) {
	m := NewMonitor(nil, 0, testLogger())
	m.Stop() // must not block
}
