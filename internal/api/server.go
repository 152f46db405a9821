// Package api exposes the inference service over HTTP: batch prediction,
// model info, health, and a websocket scoring stream. Responses carry
// structured machine-readable errors and never raw internal detail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"cyberids/internal/predict"
	"cyberids/internal/storage"
)

// Error kinds surfaced in HTTP error bodies.
const (
	kindBadRequest              = "bad_request"
	kindEmptyBatch              = "empty_batch"
	kindBatchTooLarge           = "batch_too_large"
	kindInvalidThreshold        = "invalid_threshold"
	kindModelVersionUnavailable = "model_version_unavailable"
	kindInternal                = "internal_error"
)

// PredictRequest is the inbound batch. Records are free-shaped field maps;
// the sanitizer converts them into validated feature vectors.
type PredictRequest struct {
	Records      []map[string]any `json:"records"`
	Threshold    *float64         `json:"threshold,omitempty"`
	ModelVersion string           `json:"model_version,omitempty"`
}

// PredictResponse mirrors the input ordering 1:1. Entries at indices listed
// in Errors are zero placeholders; consumers must treat those indices as
// failed rather than scored.
type PredictResponse struct {
	Probabilities []float64             `json:"probabilities"`
	Labels        []int                 `json:"labels"`
	ModelVersion  string                `json:"model_version"`
	Threshold     float64               `json:"threshold"`
	Errors        []predict.RecordError `json:"errors,omitempty"`
}

// ModelInfoResponse describes the currently loaded model without running
// inference.
type ModelInfoResponse struct {
	ModelVersion string         `json:"model_version"`
	FeatureCount int            `json:"feature_count"`
	TargetColumn string         `json:"target_column"`
	BenignLabels []string       `json:"benign_labels"`
	TrainDays    []string       `json:"train_days"`
	TestDays     []string       `json:"test_days"`
	LoadedAt     time.Time      `json:"loaded_at"`
	Metadata     map[string]any `json:"metadata"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server provides the HTTP API for flow scoring.
type Server struct {
	svc    *predict.Service
	audit  *storage.Store // optional, nil when auditing is disabled
	server *http.Server
}

// NewServer creates the API server on the given port. audit may be nil.
func NewServer(svc *predict.Service, audit *storage.Store, port int, requestTimeout time.Duration) *Server {
	s := &Server{
		svc:   svc,
		audit: audit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/predict/stream", s.handleStream)
	mux.HandleFunc("/model_info", s.handleModelInfo)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindBadRequest, "method not allowed")
		return
	}

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "request body is not valid JSON")
		return
	}

	result, err := s.svc.PredictBatch(r.Context(), req.Records, predict.Options{
		Threshold: req.Threshold,
		Version:   req.ModelVersion,
	})
	if err != nil {
		writePredictError(w, err)
		return
	}

	if s.audit != nil {
		s.auditBatch(req.Records, result)
	}

	writeJSON(w, http.StatusOK, PredictResponse{
		Probabilities: result.Probabilities,
		Labels:        result.Labels,
		ModelVersion:  result.ModelVersion,
		Threshold:     result.Threshold,
		Errors:        result.Errors,
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindBadRequest, "method not allowed")
		return
	}

	info, err := s.svc.ModelInfo(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("model info failed")
		writeError(w, http.StatusBadGateway, kindModelVersionUnavailable, "no model is loaded")
		return
	}

	writeJSON(w, http.StatusOK, ModelInfoResponse{
		ModelVersion: info.Version,
		FeatureCount: info.FeatureCount,
		TargetColumn: info.TargetColumn,
		BenignLabels: info.BenignLabels,
		TrainDays:    info.TrainDays,
		TestDays:     info.TestDays,
		LoadedAt:     info.LoadedAt,
		Metadata:     info.Metadata,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	healthy := s.svc.Ready()
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"healthy":   healthy,
		"timestamp": time.Now(),
	})
}

// auditBatch persists successfully scored records; indices that failed
// sanitization are skipped.
func (s *Server) auditBatch(records []map[string]any, result *predict.Result) {
	failed := make(map[int]struct{}, len(result.Errors))
	for _, re := range result.Errors {
		failed[re.Index] = struct{}{}
	}

	now := time.Now()
	for i := range records {
		if _, bad := failed[i]; bad {
			continue
		}

		features := make(map[string]float64, len(records[i]))
		for k, v := range records[i] {
			if f, ok := v.(float64); ok {
				features[k] = f
			}
		}

		err := s.audit.StorePrediction(storage.PredictionRecord{
			ModelVersion: result.ModelVersion,
			Probability:  result.Probabilities[i],
			Label:        result.Labels[i],
			Threshold:    result.Threshold,
			Features:     features,
			Ts:           now,
		})
		if err != nil {
			// Best effort: a failed write must not drop the rest of the batch.
			log.Warn().Err(err).Int("index", i).Msg("audit write failed")
		}
	}
}

func writePredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, predict.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, kindEmptyBatch, "records cannot be empty")
	case errors.Is(err, predict.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, kindBatchTooLarge, err.Error())
	case errors.Is(err, predict.ErrInvalidThreshold):
		writeError(w, http.StatusBadRequest, kindInvalidThreshold, err.Error())
	case errors.Is(err, predict.ErrModelVersionUnavailable):
		writeError(w, http.StatusBadGateway, kindModelVersionUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("prediction failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "prediction failed")
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}
