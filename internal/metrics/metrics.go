/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "amp"

// Metrics holds the acquisition counters on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Samples       prometheus.Counter
	Blocks        prometheus.Counter
	EmptyPolls    prometheus.Counter
	Anomalies     prometheus.Counter
	Events        *prometheus.CounterVec // by event type
	SinkErrors    prometheus.Counter
	Control       prometheus.Counter
	Streaming     prometheus.Gauge
	RateHz        prometheus.Gauge
	BufferPercent prometheus.Gauge
	Overflow      prometheus.Gauge
	BlockDuration prometheus.Histogram
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "samples_total",
			Help:      "Samples read from the driver",
		}),
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "blocks_total",
			Help:      "Non-empty polls",
		}),
		EmptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "empty_polls_total",
			Help:      "Polls that returned no data",
		}),
		Anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calib",
			Name:      "sequence_anomalies_total",
			Help:      "Unexpected steps on the sequence channel",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calib",
			Name:      "events_total",
			Help:      "Trigger events detected",
		}, []string{"type"}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sink_errors_total",
			Help:      "Failed block deliveries",
		}),
		Control: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control requests applied",
		}),
		Streaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "enabled",
			Help:      "1 while blocks are forwarded to the sinks",
		}),
		RateHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "sample_rate_hz",
			Help:      "Negotiated sample rate",
		}),
		BufferPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "driver_buffer_percent_full",
			Help:      "Driver buffer fill reported on the last empty poll",
		}),
		Overflow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "acquire",
			Name:      "driver_overflow",
			Help:      "Driver overflow count reported on the last empty poll",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "block_duration_seconds",
			Help:      "Calibration and publish time per block",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}

	m.registry.MustRegister(
		m.Samples, m.Blocks, m.EmptyPolls, m.Anomalies, m.Events, m.SinkErrors, m.Control,
		m.Streaming, m.RateHz, m.BufferPercent, m.Overflow, m.BlockDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetStreaming mirrors the publisher state
func (m *Metrics) SetStreaming(on bool) {
	if on {
		m.Streaming.Set(1)
	} else {
		m.Streaming.Set(0)
	}
}

// Server serves /metrics and /health over HTTP
type Server struct {
	metrics *Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// NewServer creates a metrics endpoint
func NewServer(m *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{metrics: m, logger: logger}
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server already running")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.ln = ln
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}(s.server, s.done)

	s.logger.Info("metrics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}
