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

// Package metrics defines the Prometheus collectors exported by sentinel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_workflow_executions_total",
			Help: "Total finished workflow executions by final status",
		},
		[]string{"status"},
	)

	executionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_workflow_executions_running",
			Help: "Number of workflow executions currently running",
		},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_workflow_steps_total",
			Help: "Total finished workflow steps by plugin and status",
		},
		[]string{"plugin_id", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_workflow_step_duration_seconds",
			Help:    "Workflow step duration including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"plugin_id"},
	)

	pluginRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_plugin_retries_total",
			Help: "Total plugin invocation retries by plugin",
		},
		[]string{"plugin_id"},
	)

	limiterWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_ratelimit_wait_seconds",
			Help:    "Time spent waiting for rate limiter admission",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	monitorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_monitor_runs_total",
			Help: "Total monitor task runs by result",
		},
		[]string{"result"},
	)

	monitorChainFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_monitor_chain_failures_total",
			Help: "Monitor plugin chains where every plugin failed, by category",
		},
		[]string{"category"},
	)

	monitorChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_monitor_changes_total",
			Help: "Change events detected by event type and severity",
		},
		[]string{"event_type", "severity"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_persistence_errors_total",
			Help: "Total persistence operation errors by operation",
		},
		[]string{"operation"},
	)
)

// ExecutionStarted increments the running gauge.
func ExecutionStarted() {
	executionsRunning.Inc()
}

// ExecutionFinished records a terminal execution status.
func ExecutionFinished(status string) {
	executionsRunning.Dec()
	executionsTotal.WithLabelValues(status).Inc()
}

// RecordStep records one finished step.
func RecordStep(pluginID, status string, d time.Duration) {
	stepsTotal.WithLabelValues(pluginID, status).Inc()
	stepDuration.WithLabelValues(pluginID).Observe(d.Seconds())
}

// RecordRetry counts a retry of a plugin invocation.
func RecordRetry(pluginID string) {
	pluginRetries.WithLabelValues(pluginID).Inc()
}

// ObserveLimiterWait records rate limiter admission latency.
func ObserveLimiterWait(_ string, d time.Duration) {
	limiterWait.Observe(d.Seconds())
}

// RecordMonitorRun counts a monitor task run; result is "ok" or "error".
func RecordMonitorRun(result string) {
	monitorRuns.WithLabelValues(result).Inc()
}

// RecordChainFailure counts a monitor category whose plugin chain failed.
func RecordChainFailure(category string) {
	monitorChainFailures.WithLabelValues(category).Inc()
}

// RecordChange counts a detected change event.
func RecordChange(eventType, severity string) {
	monitorChanges.WithLabelValues(eventType, severity).Inc()
}

// RecordPersistenceError counts a failed store operation.
func RecordPersistenceError(operation string) {
	persistenceErrors.WithLabelValues(operation).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
