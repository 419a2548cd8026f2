// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier surfaces user-visible outcomes of a write attempt. Implementations
// render toasts, banners or log lines; the gateway only decides which message
// fires.
type Notifier interface {
	Success(msg string)
	Error(msg string)
	Info(msg string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Success(string) {}
func (NopNotifier) Error(string)   {}
func (NopNotifier) Info(string)    {}

// CallFunc performs the online write and returns the server's response body.
type CallFunc func(ctx context.Context) ([]byte, error)

// Result describes how a gateway write concluded.
type Result struct {
	// Body is the server response when the write went through directly.
	Body []byte
	// Queued is set when the write was deferred to the sync queue instead
	// of reaching the server. MutationID identifies the queue entry.
	Queued     bool
	MutationID string
}

// Gateway routes writes: directly to the remote service while online, into
// the durable queue while offline or when the service proves unreachable
// mid-call. Reads are never queued; offline reads fail fast with a
// NetworkError so callers can fall back to cached data.
type Gateway struct {
	monitor  *Monitor
	queue    *Queue
	tokens   TokenInvalidator
	notifier Notifier
	logger   *slog.Logger
}

// NewGateway creates a gateway. notifier may be nil.
func NewGateway(monitor *Monitor, queue *Queue, notifier Notifier, logger *slog.Logger) *Gateway {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		monitor:  monitor,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
	}
}

// WithTokenInvalidator sets the hook used to drop cached credentials when a
// direct call is rejected as unauthenticated.
func (g *Gateway) WithTokenInvalidator(t TokenInvalidator) *Gateway {
	g.tokens = t
	return g
}

// Execute performs a write. While online it runs call; offline, or when call
// fails with a NetworkError, it enqueues the intent for later replay and
// reports the deferral to the user. An AuthError triggers a token refresh and
// one retry. Validation failures and persistent auth failures notify
// failureMsg and are returned to the caller; queueing them would just replay
// the same rejection.
func (g *Gateway) Execute(ctx context.Context, intent MutationIntent, call CallFunc, successMsg, failureMsg string) (Result, error) {
	if g.monitor.IsOffline() {
		return g.deferWrite(ctx, intent)
	}

	body, err := call(ctx)
	if err == nil {
		if successMsg != "" {
			g.notifier.Success(successMsg)
		}
		return Result{Body: body}, nil
	}

	switch {
	case IsNetworkError(err):
		// The host looked online but the service is unreachable; flip
		// the monitor so every component sees the same state.
		g.logger.Info("Service unreachable during write, switching to offline mode", "error", err)
		g.monitor.SetOnline(false)
		return g.deferWrite(ctx, intent)
	case IsAuthError(err):
		if g.tokens == nil {
			return g.surface(err, failureMsg)
		}
		// One retry with a fresh token covers plain expiry; anything
		// beyond that is a real auth problem for the caller.
		g.tokens.Invalidate()
		body, retryErr := call(ctx)
		if retryErr == nil {
			if successMsg != "" {
				g.notifier.Success(successMsg)
			}
			return Result{Body: body}, nil
		}
		if IsNetworkError(retryErr) {
			g.monitor.SetOnline(false)
			return g.deferWrite(ctx, intent)
		}
		return g.surface(retryErr, failureMsg)
	default:
		return g.surface(err, failureMsg)
	}
}

// surface notifies the user of a non-queueable failure and propagates it.
func (g *Gateway) surface(err error, failureMsg string) (Result, error) {
	if failureMsg != "" {
		g.notifier.Error(failureMsg)
	}
	return Result{}, err
}

// ExecuteRead performs a read. Reads have no queue fallback; offline they
// fail immediately with a NetworkError.
func (g *Gateway) ExecuteRead(ctx context.Context, call CallFunc) ([]byte, error) {
	if g.monitor.IsOffline() {
		return nil, &NetworkError{Err: errors.New("offline")}
	}
	body, err := call(ctx)
	if err != nil && IsNetworkError(err) {
		g.monitor.SetOnline(false)
	}
	return body, err
}

func (g *Gateway) deferWrite(ctx context.Context, intent MutationIntent) (Result, error) {
	id, err := g.queue.Enqueue(ctx, intent)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			// No durable fallback exists: the change is gone and the
			// user must be told, not left believing it will sync.
			g.notifier.Error("Offline and local storage is unavailable. This change was not saved.")
		}
		return Result{}, err
	}
	g.notifier.Info("You are offline. The change was saved locally and will sync automatically.")
	g.logger.Info("Write deferred to sync queue", "mutation_id", id, "entity", intent.EntityType, "op", intent.Op)
	return Result{Queued: true, MutationID: id}, nil
}
