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

// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the daemon's metrics.
type Collector struct {
	registry *prometheus.Registry

	TasksStarted  prometheus.Counter
	TasksFinished *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	ActiveTasks   prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		TasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_tasks_started_total",
			Help: "Compile tasks accepted from the wrapper.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_finished_total",
			Help: "Compile tasks finished, by verdict.",
		}, []string{"verdict"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_task_duration_seconds",
			Help:    "Wall time per compile task, by verdict.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"verdict"}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_tasks",
			Help: "Compile tasks currently in flight.",
		}),
	}
	registry.MustRegister(
		c.TasksStarted, c.TasksFinished, c.TaskDuration, c.ActiveTasks,
	)
	return c
}

// RegisterBlobStats exports the blob stage's upload and dedup counters.
// The stage owns the counts; the functions are read at scrape time.
func (c *Collector) RegisterBlobStats(uploads, deduped func() int64) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_blob_uploads_total",
			Help: "Input blobs uploaded to the remote store.",
		}, func() float64 { return float64(uploads()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_blob_deduped_total",
			Help: "Input blobs served from the staging map without upload.",
		}, func() float64 { return float64(deduped()) }),
	)
}

// ObserveTask records one finished task.
func (c *Collector) ObserveTask(verdict string, d time.Duration) {
	c.TasksFinished.WithLabelValues(verdict).Inc()
	c.TaskDuration.WithLabelValues(verdict).Observe(d.Seconds())
}

// Handler returns the /metricz HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
