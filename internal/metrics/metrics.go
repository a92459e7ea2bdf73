// Copyright 2025 Tom Barlow
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

// Package metrics exposes the server's prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/actiond/internal/store"
)

var (
	// runsStarted tracks runs admitted by the run engine
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_runs_started_total",
			Help: "Total runs started by run type",
		},
		[]string{"run_type"},
	)

	// runsCompleted tracks terminal runs
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_runs_completed_total",
			Help: "Total runs completed by run type and status",
		},
		[]string{"run_type", "status"},
	)

	// runDuration tracks end-to-end run duration
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actiond_run_duration_seconds",
			Help:    "Run duration from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"run_type"},
	)

	// scheduleExecutions tracks schedule execution outcomes
	scheduleExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_schedule_executions_total",
			Help: "Total schedule executions by terminal status",
		},
		[]string{"status"},
	)

	// triggerInvocations tracks webhook delivery outcomes
	triggerInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_trigger_invocations_total",
			Help: "Total trigger invocations by terminal status",
		},
		[]string{"status"},
	)

	// workItems tracks work-item state transitions
	workItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_work_items_total",
			Help: "Total work-item transitions by queue and state",
		},
		[]string{"queue", "state"},
	)

	// httpRequests tracks API requests
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actiond_http_requests_total",
			Help: "Total HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)
)

// Collector satisfies the run engine's metrics hook and offers helpers
// for the other subsystems.
type Collector struct{}

// NewCollector creates a collector over the default registry.
func NewCollector() *Collector { return &Collector{} }

// RecordRunStart increments the started-run counter.
func (c *Collector) RecordRunStart(kind string) {
	runsStarted.WithLabelValues(kind).Inc()
}

// RecordRunComplete records a terminal run and its duration.
func (c *Collector) RecordRunComplete(kind string, status store.RunStatus, duration time.Duration) {
	runsCompleted.WithLabelValues(kind, string(status)).Inc()
	runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordScheduleExecution records a terminal schedule execution.
func (c *Collector) RecordScheduleExecution(status store.ExecutionStatus) {
	scheduleExecutions.WithLabelValues(string(status)).Inc()
}

// RecordTriggerInvocation records a terminal webhook invocation.
func (c *Collector) RecordTriggerInvocation(status store.InvocationStatus) {
	triggerInvocations.WithLabelValues(string(status)).Inc()
}

// RecordWorkItem records a work-item transition.
func (c *Collector) RecordWorkItem(queue string, state store.WorkItemState) {
	workItems.WithLabelValues(queue, string(state)).Inc()
}

// RecordHTTPRequest records one served API request.
func (c *Collector) RecordHTTPRequest(method, route string, code int) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
