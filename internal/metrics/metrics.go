// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus instrumentation for the
// coordinator: run and token lifecycle counters, decision throughput and
// event handling latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics is
// safe to use everywhere and records nothing.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	TokensCreated prometheus.Counter
	TokensByEnd   *prometheus.CounterVec

	DecisionsApplied *prometheus.CounterVec
	FanInActivations prometheus.Counter
	TasksDispatched  prometheus.Counter

	EventHandling prometheus.Histogram
}

// New registers the coordinator collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "wonder_runs_started_total",
			Help: "Workflow runs started.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wonder_runs_finished_total",
			Help: "Workflow runs finished, by final status.",
		}, []string{"status"}),
		TokensCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "wonder_tokens_created_total",
			Help: "Tokens created across all runs.",
		}),
		TokensByEnd: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wonder_tokens_finished_total",
			Help: "Tokens that reached a terminal status, by status.",
		}, []string{"status"}),
		DecisionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wonder_decisions_applied_total",
			Help: "Planner decisions applied, by kind.",
		}, []string{"kind"}),
		FanInActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "wonder_fan_in_activations_total",
			Help: "Fan-in activations won.",
		}),
		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "wonder_tasks_dispatched_total",
			Help: "Task dispatches sent to executors, including retries.",
		}),
		EventHandling: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wonder_event_handling_seconds",
			Help:    "Latency of one serialized coordinator event, planning through commit.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// RunStarted records a run start.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsStarted.Inc()
	}
}

// RunFinished records a run reaching a final status.
func (m *Metrics) RunFinished(status string) {
	if m != nil {
		m.RunsFinished.WithLabelValues(status).Inc()
	}
}

// TokenCreated records a token creation.
func (m *Metrics) TokenCreated() {
	if m != nil {
		m.TokensCreated.Inc()
	}
}

// TokenFinished records a token reaching a terminal status.
func (m *Metrics) TokenFinished(status string) {
	if m != nil {
		m.TokensByEnd.WithLabelValues(status).Inc()
	}
}

// DecisionApplied records one applied decision.
func (m *Metrics) DecisionApplied(kind string) {
	if m != nil {
		m.DecisionsApplied.WithLabelValues(kind).Inc()
	}
}

// FanInActivated records a won fan-in activation.
func (m *Metrics) FanInActivated() {
	if m != nil {
		m.FanInActivations.Inc()
	}
}

// TaskDispatched records an executor dispatch.
func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.TasksDispatched.Inc()
	}
}

// ObserveEvent records the handling latency of one coordinator event.
func (m *Metrics) ObserveEvent(seconds float64) {
	if m != nil {
		m.EventHandling.Observe(seconds)
	}
}
