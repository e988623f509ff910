// Copyright 2025 Joevis
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

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"joevis/companion/gateway/budget"
	"joevis/companion/gateway/llm"
	"joevis/companion/shared/logger"
)

// Server exposes the gateway over HTTP.
type Server struct {
	cfg      *Config
	orch     *Orchestrator
	ledger   *budget.Ledger
	registry *prometheus.Registry
	log      *logger.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface. registry may be nil to disable
// /metrics.
func NewServer(cfg *Config, orch *Orchestrator, ledger *budget.Ledger, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		ledger:   ledger,
		registry: registry,
		log:      logger.New("http"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/v1/providers", s.handleProviders).Methods("GET")
	r.HandleFunc("/api/v1/providers/{id}/override", s.handleOverride).Methods("POST")
	r.HandleFunc("/api/v1/generate", s.handleGenerate).Methods("POST")

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("", "listening", map[string]interface{}{"addr": s.cfg.ListenAddr})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"recommended": s.ledger.RecommendedService(budget.KindAI),
	})
}

// statsResponse folds provider availability into the budget stats so one
// poll answers both spend and serviceability.
type statsResponse struct {
	budget.Stats
	Availability []ProviderStatus `json:"availability"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:        s.ledger.Stats(),
		Availability: s.orch.Status(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.orch.Status(),
	})
}

type overrideRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["id"]

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}

	if err := s.orch.Override(name, *req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.log.Info("", "manual override applied", map[string]interface{}{
		"provider": name,
		"enabled":  *req.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": name,
		"enabled":  *req.Enabled,
	})
}

type generateRequest struct {
	Messages          []llm.Message `json:"messages"`
	Temperature       *float64      `json:"temperature"`
	MaxTokens         int           `json:"max_tokens"`
	PreferredProvider string        `json:"preferred_provider"`
	TaskType          string        `json:"task_type"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	// Absent temperature means provider default
	temperature := -1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	outcome, err := s.orch.Generate(r.Context(), llm.GenerateRequest{
		Messages: req.Messages,
	}, GenerateOptions{
		Temperature:       temperature,
		MaxTokens:         req.MaxTokens,
		PreferredProvider: req.PreferredProvider,
		TaskType:          req.TaskType,
	})
	if err != nil {
		var allFailed *AllProvidersFailedError
		if errors.As(err, &allFailed) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":       "all providers failed",
				"request_id":  allFailed.RequestID,
				"diagnostics": allFailed.Diagnostics,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
