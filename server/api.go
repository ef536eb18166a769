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
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type ApiServer struct {
	logger     *zap.Logger
	db         *sql.DB
	config     Config
	store      TicketStore
	matchmaker Matchmaker
	metrics    Metrics
	httpServer *http.Server
}

func StartApiServer(logger, startupLogger *zap.Logger, db *sql.DB, config Config, store TicketStore, matchmaker Matchmaker, metrics Metrics) *ApiServer {
	s := &ApiServer{
		logger:     logger,
		db:         db,
		config:     config,
		store:      store,
		matchmaker: matchmaker,
		metrics:    metrics,
	}

	// Special case routes. Do NOT enable compression on the event stream
	// route, flushed events would sit in the gzip buffer instead of reaching
	// the client.
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }).Methods("GET")
	maxRequestSizeBytes := config.GetSocket().MaxRequestSizeBytes
	router.HandleFunc("/match/stream", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSizeBytes)
		s.matchStreamHandler(w, r)
	}).Methods("POST")

	apiRouter := mux.NewRouter()
	apiRouter.Use(s.metricsMiddleware)
	apiRouter.HandleFunc("/api/health", s.healthcheckHandler).Methods("GET")
	apiRouter.HandleFunc("/match", s.matchHandler).Methods("POST")
	apiRouter.HandleFunc("/match/start", s.matchStartHandler).Methods("POST")
	apiRouter.HandleFunc("/match/finish", s.matchFinishHandler).Methods("POST")
	apiRouter.HandleFunc("/match/cancel/{match_id:[0-9]+}", s.matchCancelHandler).Methods("GET")

	// Default to passing requests to the API router.
	// Enable max size check on arriving requests.
	// Enable compression on responses.
	handlerWithGzip := handlers.CompressHandler(apiRouter)
	handlerWithMaxBody := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check max body size before decompressing incoming request body.
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSizeBytes)
		handlerWithGzip.ServeHTTP(w, r)
	})
	router.NewRoute().Handler(handlerWithMaxBody)

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "DELETE"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", config.GetSocket().Port),
		ReadTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().ReadTimeoutMs)),
		WriteTimeout:   time.Millisecond * time.Duration(int64(config.GetSocket().WriteTimeoutMs)),
		IdleTimeout:    time.Millisecond * time.Duration(int64(config.GetSocket().IdleTimeoutMs)),
		MaxHeaderBytes: 5120,
		Handler:        handlerWithCORS,
	}

	startupLogger.Info("Starting API server for HTTP requests", zap.Int("port", config.GetSocket().Port))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.Error("API server listener shutdown failed", zap.Error(err))
	}
}

func (s *ApiServer) healthcheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &healthResponse{OK: true})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *ApiServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		name := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				name = tmpl
			}
		}
		s.metrics.Api(name, time.Since(start), recorder.status >= 400)
	})
}

func (s *ApiServer) writeJSON(w http.ResponseWriter, httpStatus int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Error encoding response body.", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(payload)
}

func (s *ApiServer) writeError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	message := err.Error()

	var httpStatus int
	switch code {
	case CodeInvalidArgument:
		httpStatus = http.StatusBadRequest
	case CodeNotFound:
		httpStatus = http.StatusNotFound
	case CodeConflict:
		httpStatus = http.StatusConflict
	case CodeUnavailable:
		httpStatus = http.StatusServiceUnavailable
	default:
		httpStatus = http.StatusInternalServerError
		message = "An internal server error occurred."
	}

	s.writeJSON(w, httpStatus, &errorResponse{Error: message, Code: int(code)})
}
