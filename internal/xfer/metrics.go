// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements MessageObserver, turning the Message Bus traffic a
// Transfer dispatches into Prometheus series: bytes transferred, parts
// written (by success/failure), a total error count (not split by class),
// and part durations when reported. Register once
// per process via MustRegister, then attach to each Transfer with
// Transfer.SetObserver.
type Metrics struct {
	bytesWritten prometheus.Counter
	partsWritten *prometheus.CounterVec // labeled by "successful"
	errorsTotal  prometheus.Counter
	partDuration prometheus.Histogram
}

// NewMetrics creates a Metrics collector. namespace/subsystem follow the
// usual Prometheus naming convention (e.g. "xferengine", "transfer").
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_written_total",
			Help:      "Total bytes written to parts across all transfers.",
		}),
		partsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parts_written_total",
			Help:      "Total parts written, labeled by whether the part finished successfully.",
		}, []string{"successful"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total error messages observed across all transfers.",
		}),
		partDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "part_duration_seconds",
			Help:      "Duration of each completed part, when reported.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every collector so the caller can MustRegister them
// against a prometheus.Registerer (cmd/xfer-agent and cmd/xfer-taperd each
// use their own prometheus.NewRegistry()).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.bytesWritten, m.partsWritten, m.errorsTotal, m.partDuration}
}

// Observe implements MessageObserver.
func (m *Metrics) Observe(msg *Message) {
	switch msg.Kind {
	case MsgPartDone:
		m.bytesWritten.Add(float64(msg.Size))
		label := "true"
		if !msg.Successful {
			label = "false"
		}
		m.partsWritten.WithLabelValues(label).Inc()
		if msg.Duration > 0 {
			m.partDuration.Observe(msg.Duration.Seconds())
		}
	case MsgError:
		m.errorsTotal.Inc()
	}
}
