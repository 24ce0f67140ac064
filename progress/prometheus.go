//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of FacetFlow.
//
// FacetFlow is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// FacetFlow is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with FacetFlow. If not, see https://www.gnu.org/licenses/.

package progress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aaronlmathis/facetflow/core"
)

const namespace = "facetflow"

// Prometheus exports collection progress as metrics labelled by run mode.
type Prometheus struct {
	records     *prometheus.CounterVec
	pages       prometheus.Counter
	pageRecords prometheus.Histogram
	runs        prometheus.Counter
	lastRecord  prometheus.Gauge
	started     time.Time
	duration    prometheus.Gauge
}

// NewPrometheus registers the collector metrics on reg for the given mode ("search", "stream", "replay").
func NewPrometheus(reg prometheus.Registerer, mode string) *Prometheus {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mode": mode}
	return &Prometheus{
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_total",
			Help:        "Records forwarded to the router by match result.",
			ConstLabels: labels,
		}, []string{"result"}),
		pages: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pages_total",
			Help:        "Search pages fully forwarded.",
			ConstLabels: labels,
		}),
		pageRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "page_records",
			Help:        "Records per search page.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 6),
			ConstLabels: labels,
		}),
		runs: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "runs_finished_total",
			Help:        "Collection runs that finished, successfully or not.",
			ConstLabels: labels,
		}),
		lastRecord: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_record_timestamp_seconds",
			Help:        "Wall-clock time the last record was forwarded.",
			ConstLabels: labels,
		}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_duration_seconds",
			Help:        "Duration of the last finished run.",
			ConstLabels: labels,
		}),
		started: time.Now(),
	}
}

func (p *Prometheus) OnRecord(record core.Record, matched bool) {
	result := "unmatched"
	if matched {
		result = "matched"
	}
	p.records.WithLabelValues(result).Inc()
	p.lastRecord.SetToCurrentTime()
}

func (p *Prometheus) OnPage(page, records int) {
	p.pages.Inc()
	p.pageRecords.Observe(float64(records))
}

func (p *Prometheus) Finish() {
	p.runs.Inc()
	p.duration.Set(time.Since(p.started).Seconds())
}

// MetricsServer exposes a registry on /metrics.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves the metrics gathered by g on addr.
func NewMetricsServer(addr string, g prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return &MetricsServer{server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
}

// Handler returns the server's handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called.
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
