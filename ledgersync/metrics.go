// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import "time"

// Drain stage names reported to the metrics recorder.
const (
	StageDrain  = "drain"
	StageReplay = "replay"
)

// DrainMetricsRecorder receives timing and outcome signals from the sync
// orchestrator. Implementations must be fast and non-blocking; the
// orchestrator calls them inline from the drain loop.
type DrainMetricsRecorder interface {
	// RecordDuration reports how long a stage took for one drain pass.
	RecordDuration(stage string, d time.Duration)
	// IncCounter reports one occurrence of a named drain event
	// (mutations_replayed, mutations_dropped, drain_halted, ...).
	IncCounter(name string)
}

// DrainMetricsFunc adapts plain functions to DrainMetricsRecorder.
type DrainMetricsFunc struct {
	DurationFn func(stage string, d time.Duration)
	CounterFn  func(name string)
}

func (f DrainMetricsFunc) RecordDuration(stage string, d time.Duration) {
	if f.DurationFn != nil {
		f.DurationFn(stage, d)
	}
}

func (f DrainMetricsFunc) IncCounter(name string) {
	if f.CounterFn != nil {
		f.CounterFn(name)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordDuration(string, time.Duration) {}
func (nopMetrics) IncCounter(string)                    {}
