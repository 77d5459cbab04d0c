// Package noop provides a no-op metrics collector for tests and for running
// without a metrics backend.
package noop

import "time"

// Collector implements ports.MetricsCollector and discards everything.
type Collector struct{}

// NewCollector creates a no-op collector.
func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordSubmitted(string)                        {}
func (Collector) RecordDispatched(string, string)               {}
func (Collector) RecordCompleted(string, string, time.Duration) {}
func (Collector) RecordQueueWait(time.Duration)                 {}
func (Collector) RecordRedispatch(string)                       {}
func (Collector) SetQueueDepth(int)                             {}
func (Collector) SetWorkerActive(string, int)                   {}
func (Collector) SetWorkerHealth(string, float64)               {}
func (Collector) SetWorkerState(string, string)                 {}
