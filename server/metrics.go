// Copyright 2025 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

var _ Metrics = (*LocalMetrics)(nil)

type Metrics interface {
	Stop(logger *zap.Logger)

	// Api records a completed API request by route name.
	Api(name string, elapsed time.Duration, isErr bool)
	// Matchmaker records one poll pass: candidates scanned, candidates at or
	// above the threshold, and the time spent scoring them.
	Matchmaker(candidates, eligible float64, processTime time.Duration)

	CountTicketsCreated(delta int64)
	CountTicketsExpired(delta int64)
	CountMatchesFormed(delta int64)
	CountBindConflicts(delta int64)
	GaugeActiveSearches(value float64)
}

// LocalMetrics feeds counters, gauges and timers into a tally scope reported
// to Prometheus. The scrape endpoint runs on its own port when configured.
type LocalMetrics struct {
	logger *zap.Logger
	config Config

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger: logger,
		config: config,
	}

	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}

	prometheusReporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric.", zap.Error(err))
		},
	})
	m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  prometheusReporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	if config.GetMetrics().PrometheusPort > 0 {
		router := mux.NewRouter()
		router.Handle("/", prometheusReporter.HTTPHandler()).Methods("GET")
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
			WriteTimeout: time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
			IdleTimeout:  time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed.", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		if err := m.prometheusHTTPServer.Shutdown(context.Background()); err != nil {
			logger.Error("Prometheus listener shutdown failed.", zap.Error(err))
		}
	}
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus stats closer failed.", zap.Error(err))
	}
}

func (m *LocalMetrics) Api(name string, elapsed time.Duration, isErr bool) {
	scope := m.prometheusScope.Tagged(map[string]string{"api_id": name})
	scope.Counter("api_count").Inc(1)
	if isErr {
		scope.Counter("api_err_count").Inc(1)
	}
	scope.Timer("api_elapsed_time").Record(elapsed)
}

func (m *LocalMetrics) Matchmaker(candidates, eligible float64, processTime time.Duration) {
	m.prometheusScope.Gauge("matchmaker_candidates").Update(candidates)
	m.prometheusScope.Gauge("matchmaker_eligible").Update(eligible)
	m.prometheusScope.Timer("matchmaker_process_time").Record(processTime)
}

func (m *LocalMetrics) CountTicketsCreated(delta int64) {
	m.prometheusScope.Counter("tickets_created_count").Inc(delta)
}

func (m *LocalMetrics) CountTicketsExpired(delta int64) {
	m.prometheusScope.Counter("tickets_expired_count").Inc(delta)
}

func (m *LocalMetrics) CountMatchesFormed(delta int64) {
	m.prometheusScope.Counter("matches_formed_count").Inc(delta)
}

func (m *LocalMetrics) CountBindConflicts(delta int64) {
	m.prometheusScope.Counter("bind_conflict_count").Inc(delta)
}

func (m *LocalMetrics) GaugeActiveSearches(value float64) {
	m.prometheusScope.Gauge("active_searches").Update(value)
}
