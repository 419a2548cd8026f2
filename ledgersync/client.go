// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config tunes the sync client. Zero values fall back to the defaults below.
type Config struct {
	// BaseURL of the ledger REST service, e.g. "https://ledger.example.com".
	BaseURL string
	// StorePath is the SQLite file backing the durable store.
	StorePath string
	// Token supplies bearer tokens; nil disables authentication.
	Token TokenFunc

	DrainInterval time.Duration
	ProbeInterval time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	HTTPTimeout   time.Duration
}

// DefaultConfig returns the standard tuning for a given service URL and
// store path.
func DefaultConfig(baseURL, storePath string) Config {
	return Config{
		BaseURL:       baseURL,
		StorePath:     storePath,
		DrainInterval: 30 * time.Second,
		ProbeInterval: 15 * time.Second,
		BackoffMin:    time.Second,
		BackoffMax:    60 * time.Second,
		HTTPTimeout:   30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
}

// Client assembles the offline sync stack: durable store, pending queue,
// connectivity monitor, drain orchestrator, write gateway and suggestion
// cache. Construct with NewClient, call Start once, Stop on shutdown.
type Client struct {
	cfg    Config
	logger *slog.Logger

	Store       *Store
	Queue       *Queue
	Monitor     *Monitor
	Remote      *RemoteAPI
	Orch        *Orchestrator
	Gateway     *Gateway
	Suggestions *SuggestionCache

	tokens   *TokenSource
	notifier Notifier
}

// ClientOption customizes the assembled client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	notifier   Notifier
	registrar  BackgroundRegistrar
	metrics    DrainMetricsRecorder
	httpClient *http.Client
	probe      ProbeFunc
}

// WithNotifier routes user-facing outcome messages to n.
func WithNotifier(n Notifier) ClientOption {
	return func(o *clientOptions) { o.notifier = n }
}

// WithBackgroundSync registers wake-up drains with the host scheduler.
func WithBackgroundSync(r BackgroundRegistrar) ClientOption {
	return func(o *clientOptions) { o.registrar = r }
}

// WithDrainMetrics records drain timings and counters with m.
func WithDrainMetrics(m DrainMetricsRecorder) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithHTTPClient overrides the HTTP client used for remote calls and probes.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithProbe overrides the reachability probe.
func WithProbe(p ProbeFunc) ClientOption {
	return func(o *clientOptions) { o.probe = p }
}

// NewClient wires the sync stack. It does not touch the network or the
// filesystem; Start does.
func NewClient(cfg Config, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config missing base URL")
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("config missing store path")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if o.probe == nil {
		o.probe = DefaultProbe(cfg.BaseURL, o.httpClient)
	}

	store, err := NewStore(cfg.StorePath, DefaultCollections(), logger)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: logger, notifier: o.notifier, Store: store}

	var tokenFn TokenFunc
	if cfg.Token != nil {
		c.tokens = NewTokenSource(cfg.Token)
		tokenFn = c.tokens.Token
	}

	c.Queue = NewQueue(store, logger)
	c.Monitor = NewMonitor(o.probe, cfg.ProbeInterval, logger)
	c.Remote = NewRemoteAPI(cfg.BaseURL, o.httpClient, tokenFn)
	c.Orch = NewOrchestrator(c.Queue, c.Remote, c.Monitor, OrchestratorConfig{
		DrainInterval: cfg.DrainInterval,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
	}, logger)
	if c.tokens != nil {
		c.Orch.WithTokenInvalidator(c.tokens)
	}
	if o.registrar != nil {
		c.Orch.WithBackgroundRegistrar(o.registrar)
	}
	if o.metrics != nil {
		c.Orch.WithMetrics(o.metrics)
	}
	c.Gateway = NewGateway(c.Monitor, c.Queue, o.notifier, logger)
	if c.tokens != nil {
		c.Gateway.WithTokenInvalidator(c.tokens)
	}
	c.Suggestions = NewSuggestionCache(store, c.Remote, c.Monitor, logger)
	return c, nil
}

// Start initializes the store and launches the monitor and orchestrator.
//
// A store that cannot be opened degrades to memory-only tables: Start logs
// and notifies once, then continues, because a session without durability
// still beats no session. A store left by a future app version is fatal.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Store.Init(ctx); err != nil {
		if errors.Is(err, ErrStorageReset) {
			return err
		}
		if errors.Is(err, ErrStorageUnavailable) {
			c.logger.Warn("Durable storage unavailable, running memory-only", "error", err)
			c.notifier.Error("Local storage is unavailable. Offline changes will be lost when the app closes.")
		} else {
			return err
		}
	}
	// Orchestrator first so its transition subscriptions are in place before
	// the initial probe can fire one.
	c.Orch.Start(ctx)
	c.Monitor.Start(ctx)
	return nil
}

// Stop shuts the background loops down and closes the store.
func (c *Client) Stop() error {
	c.Orch.Stop()
	c.Monitor.Stop()
	return c.Store.Close()
}

// Status reports the derived sync state for UI indicators.
func (c *Client) Status(ctx context.Context) (Status, error) {
	pending, err := c.Queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Offline: c.Monitor.IsOffline(),
		Pending: pending,
		Syncing: c.Orch.Syncing(),
	}, nil
}
