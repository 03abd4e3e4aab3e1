// Copyright 2015 The Cohorte Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics collects the Prometheus metrics of a cohorte process.
// All methods are safe on a nil *Collector, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry, so several collectors can coexist in
// one test binary.
type Collector struct {
	signalsSent     *prometheus.CounterVec
	signalDuration  *prometheus.HistogramVec
	signalsReceived *prometheus.CounterVec

	transitions   *prometheus.CounterVec
	spawnDuration *prometheus.HistogramVec
	isolates      prometheus.Gauge
	lost          prometheus.Counter

	forkersSeen    prometheus.Counter
	forkersExpired prometheus.Counter
	heartbeats     *prometheus.CounterVec

	redistributions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector builds a Collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "cohorte"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.signalsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Signals sent to a single destination, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	c.signalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_send_duration_seconds",
			Help:      "Duration of a single signal delivery",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	c.signalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Signals received over HTTP, by mode and status code",
		},
		[]string{"mode", "code"},
	)
	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolate_state_transitions_total",
			Help:      "Isolate state transitions seen by the forker",
		},
		[]string{"from_state", "to_state"},
	)
	c.spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "isolate_start_duration_seconds",
			Help:      "Time taken by start_isolate, by result",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"result"},
	)
	c.isolates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "isolates_running",
			Help:      "Isolates currently supervised by this forker",
		},
	)
	c.lost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolates_lost_total",
			Help:      "Isolates whose process exited without being stopped",
		},
	)
	c.forkersSeen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forkers_registered_total",
			Help:      "Forkers discovered through heartbeats",
		},
	)
	c.forkersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forkers_expired_total",
			Help:      "Forkers unregistered after their TTL elapsed",
		},
	)
	c.heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat packets received, by validity",
		},
		[]string{"status"},
	)
	c.redistributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composer_passes_total",
			Help:      "Node composer passes, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.registry.MustRegister(
		c.signalsSent,
		c.signalDuration,
		c.signalsReceived,
		c.transitions,
		c.spawnDuration,
		c.isolates,
		c.lost,
		c.forkersSeen,
		c.forkersExpired,
		c.heartbeats,
		c.redistributions,
	)
	return c
}

func (c *Collector) SignalSent(mode string, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.signalsSent.WithLabelValues(mode, outcome).Inc()
	c.signalDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (c *Collector) SignalReceived(mode string, code string) {
	if c == nil {
		return
	}
	c.signalsReceived.WithLabelValues(mode, code).Inc()
}

func (c *Collector) IsolateTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) IsolateStarted(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.spawnDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) IsolatesRunning(n int) {
	if c == nil {
		return
	}
	c.isolates.Set(float64(n))
}

func (c *Collector) IsolateLost() {
	if c == nil {
		return
	}
	c.lost.Inc()
}

func (c *Collector) ForkerRegistered() {
	if c == nil {
		return
	}
	c.forkersSeen.Inc()
}

func (c *Collector) ForkerExpired() {
	if c == nil {
		return
	}
	c.forkersExpired.Inc()
}

func (c *Collector) Heartbeat(valid bool) {
	if c == nil {
		return
	}
	if valid {
		c.heartbeats.WithLabelValues("valid").Inc()
	} else {
		c.heartbeats.WithLabelValues("malformed").Inc()
	}
}

func (c *Collector) ComposerPass(kind string, outcome string) {
	if c == nil {
		return
	}
	c.redistributions.WithLabelValues(kind, outcome).Inc()
}

// Registry returns the registry holding every metric of the collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
