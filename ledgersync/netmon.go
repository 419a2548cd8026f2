// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProbeFunc checks whether the remote service is reachable right now.
// A nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// DefaultProbe returns a ProbeFunc that issues GET {baseURL}/healthz with a
// short timeout.
func DefaultProbe(baseURL string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}
}

type subscriber struct {
	id int
	fn func()
}

// Monitor is the single source of truth for "are we online". It combines a
// periodic reachability probe with host-provided transition signals
// (SetOnline), and notifies subscribers exactly once per transition, in
// registration order.
//
// The monitor only reports what the environment reports: a host can look
// online while the remote API is unreachable. That case is handled by
// call-level failure in the gateway, not here.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	offline   bool
	nextSubID int
	onOnline  []subscriber
	onOffline []subscriber

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor. probe may be nil, in which case the monitor
// only reacts to SetOnline. The monitor starts in the online state; callers
// that know better can SetOnline(false) before Start.
func NewMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// IsOffline reports the current connectivity state.
func (m *Monitor) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// OnOnline registers a callback invoked once per offline→online transition.
// The returned function deregisters it; calling it during dispatch is safe
// and does not skip other subscribers.
func (m *Monitor) OnOnline(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.onOnline = append(m.onOnline, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onOnline = removeSubscriber(m.onOnline, id)
	}
}

// OnOffline registers a callback invoked once per online→offline transition.
func (m *Monitor) OnOffline(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.onOffline = append(m.onOffline, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.onOffline = removeSubscriber(m.onOffline, id)
	}
}

func removeSubscriber(subs []subscriber, id int) []subscriber {
	out := make([]subscriber, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// SetOnline records a connectivity signal from the environment (probe result
// or host bridge event) and fires transition callbacks when the state
// actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOffline := m.offline
	m.offline = !online
	var toCall []subscriber
	if online && wasOffline {
		// Snapshot so unsubscribing during dispatch cannot skip anyone.
		toCall = append(toCall, m.onOnline...)
	} else if !online && !wasOffline {
		toCall = append(toCall, m.onOffline...)
	}
	m.mu.Unlock()

	if len(toCall) == 0 {
		return
	}
	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Info("Connectivity lost")
	}
	for _, s := range toCall {
		s.fn()
	}
}

// Start launches the probe loop. It returns immediately; Stop terminates the
// loop. With a nil probe Start is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.probe == nil {
		close(m.done)
		return
	}
	go func() {
		defer close(m.done)
		// Probe once immediately so the initial state reflects reality.
		m.runProbe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.runProbe(ctx)
			}
		}
	}()
}

func (m *Monitor) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(probeCtx)
	if err != nil {
		m.logger.Debug("Reachability probe failed", "error", err)
	}
	m.SetOnline(err == nil)
}

// Stop terminates the probe loop and waits for it to exit. Stop before Start
// is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	if started {
		<-m.done
	}
}
