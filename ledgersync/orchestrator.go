// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BackgroundSyncTag names the host-level background task registered when the
// app goes offline with work still queued, so the platform can wake the app
// to drain even if the user never reopens it.
const BackgroundSyncTag = "sync-offline-entries"

// BackgroundRegistrar is the optional host hook for scheduling a wake-up
// drain. Registration failures are logged and ignored; the periodic trigger
// still covers the foreground case.
type BackgroundRegistrar interface {
	Register(ctx context.Context, tag string) error
}

// TokenInvalidator lets the orchestrator force a token refresh after the
// server rejects a replay as unauthenticated.
type TokenInvalidator interface {
	Invalidate()
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Replayed int
	Dropped  int
	// Halted is set when a transient failure stopped the pass with work
	// still queued. HaltErr carries the failure.
	Halted  bool
	HaltErr error
}

// OrchestratorConfig tunes drain triggers and retry pacing.
type OrchestratorConfig struct {
	// DrainInterval is the periodic trigger cadence. Zero means 30s.
	DrainInterval time.Duration
	// BackoffMin/BackoffMax bound the delay inserted after a failed pass;
	// the delay doubles per consecutive failure and resets on success.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Orchestrator drains the pending queue against the remote service. Exactly
// one drain pass runs at a time; triggers that arrive mid-pass are dropped
// rather than queued, since the running pass already covers their work.
//
// Mutations replay strictly in enqueue order. A transient failure halts the
// pass at the failing mutation (later mutations may depend on it), while a
// validation rejection drops the mutation and continues.
type Orchestrator struct {
	queue    *Queue
	replayer Replayer
	monitor  *Monitor
	tokens   TokenInvalidator
	registry BackgroundRegistrar
	metrics  DrainMetricsRecorder
	logger   *slog.Logger
	cfg      OrchestratorConfig

	draining atomic.Bool

	mu          sync.Mutex
	failures    int
	notBefore   time.Time
	unsubOnline func()
	unsubOffl   func()

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewOrchestrator wires the drain loop. tokens, registry and metrics may be
// nil.
func NewOrchestrator(queue *Queue, replayer Replayer, monitor *Monitor, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 30 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Orchestrator{
		queue:    queue,
		replayer: replayer,
		monitor:  monitor,
		metrics:  nopMetrics{},
		logger:   logger,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithTokenInvalidator sets the hook used to refresh credentials after an
// auth rejection.
func (o *Orchestrator) WithTokenInvalidator(t TokenInvalidator) *Orchestrator {
	o.tokens = t
	return o
}

// WithBackgroundRegistrar sets the host hook for wake-up drains.
func (o *Orchestrator) WithBackgroundRegistrar(r BackgroundRegistrar) *Orchestrator {
	o.registry = r
	return o
}

// WithMetrics sets the drain metrics recorder.
func (o *Orchestrator) WithMetrics(m DrainMetricsRecorder) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// Syncing reports whether a drain pass is currently running.
func (o *Orchestrator) Syncing() bool {
	return o.draining.Load()
}

// Start subscribes to connectivity transitions and launches the periodic
// trigger loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.unsubOnline = o.monitor.OnOnline(func() {
		o.resetBackoff()
		go o.DrainNow(ctx)
	})
	o.unsubOffl = o.monitor.OnOffline(func() {
		o.registerBackgroundSync(ctx)
	})

	go func() {
		defer close(o.done)
		ticker := time.NewTicker(o.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				o.maybeDrain(ctx)
			}
		}
	}()
}

// Stop unsubscribes from the monitor and terminates the trigger loop. A
// drain pass already in flight finishes on its own.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if o.unsubOnline != nil {
		o.unsubOnline()
	}
	if o.unsubOffl != nil {
		o.unsubOffl()
	}
	o.stopOnce.Do(func() { close(o.stop) })
	if started {
		<-o.done
	}
}

// maybeDrain runs a pass from the periodic trigger, skipping while offline,
// while the queue is empty, or inside the backoff window.
func (o *Orchestrator) maybeDrain(ctx context.Context) {
	if o.monitor.IsOffline() {
		return
	}
	o.mu.Lock()
	waiting := time.Now().Before(o.notBefore)
	o.mu.Unlock()
	if waiting {
		return
	}
	n, err := o.queue.Count(ctx)
	if err != nil || n == 0 {
		return
	}
	o.DrainNow(ctx)
}

// DrainNow runs one drain pass immediately. It returns a zero result when a
// pass is already running.
func (o *Orchestrator) DrainNow(ctx context.Context) DrainResult {
	if !o.draining.CompareAndSwap(false, true) {
		return DrainResult{}
	}
	defer o.draining.Store(false)

	start := time.Now()
	res := o.drain(ctx)
	o.metrics.RecordDuration(StageDrain, time.Since(start))

	if res.Halted {
		o.metrics.IncCounter("drain_halted")
		o.bumpBackoff()
	} else {
		o.resetBackoff()
	}
	return res
}

func (o *Orchestrator) drain(ctx context.Context) DrainResult {
	var res DrainResult
	pending, err := o.queue.ListPending(ctx)
	if err != nil {
		o.logger.Error("Failed to read pending queue", "error", err)
		res.Halted = true
		res.HaltErr = err
		return res
	}
	if len(pending) == 0 {
		return res
	}
	o.logger.Info("Draining pending mutations", "count", len(pending))

	authRetried := false
	for i := 0; i < len(pending); i++ {
		m := pending[i]
		start := time.Now()
		err := o.replayer.Replay(ctx, &m)
		o.metrics.RecordDuration(StageReplay, time.Since(start))

		if err == nil {
			if rmErr := o.queue.Remove(ctx, m.ID); rmErr != nil {
				o.logger.Error("Replayed mutation could not be removed", "id", m.ID, "error", rmErr)
				res.Halted = true
				res.HaltErr = rmErr
				return res
			}
			res.Replayed++
			o.metrics.IncCounter("mutations_replayed")
			authRetried = false
			continue
		}

		switch {
		case IsValidationError(err):
			// The server will never accept this payload; keeping it
			// would block everything behind it forever.
			o.logger.Warn("Dropping mutation rejected by server",
				"id", m.ID, "entity", m.EntityType, "op", m.Op, "error", err)
			if rmErr := o.queue.Remove(ctx, m.ID); rmErr != nil {
				res.Halted = true
				res.HaltErr = rmErr
				return res
			}
			res.Dropped++
			o.metrics.IncCounter("mutations_dropped")

		case IsAuthError(err):
			if o.tokens != nil && !authRetried {
				o.logger.Info("Replay rejected as unauthenticated, refreshing token", "id", m.ID)
				o.tokens.Invalidate()
				authRetried = true
				i--
				continue
			}
			o.recordHalt(ctx, &res, &m, err)
			return res

		default:
			o.recordHalt(ctx, &res, &m, err)
			return res
		}
	}
	return res
}

// recordHalt marks the failing mutation and stops the pass; the mutation and
// everything behind it stay queued for the next trigger.
func (o *Orchestrator) recordHalt(ctx context.Context, res *DrainResult, m *QueuedMutation, err error) {
	o.logger.Warn("Drain halted", "id", m.ID, "entity", m.EntityType, "error", err)
	if recErr := o.queue.RecordFailure(ctx, m.ID, err); recErr != nil {
		o.logger.Error("Failed to record replay failure", "id", m.ID, "error", recErr)
	}
	res.Halted = true
	res.HaltErr = err
	if errors.As(err, new(*NetworkError)) {
		// The service is unreachable even though the host thinks it is
		// online; treat it as a connectivity loss.
		o.monitor.SetOnline(false)
	}
}

func (o *Orchestrator) bumpBackoff() {
	o.mu.Lock()
	defer o.mu.Unlock()
	delay := o.cfg.BackoffMin << o.failures
	if delay > o.cfg.BackoffMax || delay <= 0 {
		delay = o.cfg.BackoffMax
	}
	o.failures++
	o.notBefore = time.Now().Add(delay)
	o.logger.Debug("Drain backoff", "delay", delay, "failures", o.failures)
}

func (o *Orchestrator) resetBackoff() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = 0
	o.notBefore = time.Time{}
}

func (o *Orchestrator) registerBackgroundSync(ctx context.Context) {
	if o.registry == nil {
		return
	}
	n, err := o.queue.Count(ctx)
	if err != nil || n == 0 {
		return
	}
	if err := o.registry.Register(ctx, BackgroundSyncTag); err != nil {
		o.logger.Debug("Background sync registration failed", "error", err)
		return
	}
	o.logger.Info("Registered background sync", "tag", BackgroundSyncTag, "pending", n)
}
