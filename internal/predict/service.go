// Package predict implements the prediction service: it turns batches of
// flow records into attack probabilities and thresholded labels using the
// artifact store's cached bundle. The service is stateless; the only shared
// state is the immutable bundle and a bounded cache of recent scores.
package predict

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"cyberids/internal/artifacts"
	"cyberids/internal/sanitize"
)

var (
	// ErrEmptyBatch rejects requests carrying no records.
	ErrEmptyBatch = errors.New("batch is empty")
	// ErrBatchTooLarge rejects batches above the configured maximum.
	ErrBatchTooLarge = errors.New("batch too large")
	// ErrInvalidThreshold rejects a per-call threshold outside [0, 1].
	ErrInvalidThreshold = errors.New("invalid threshold")
	// ErrModelVersionUnavailable marks a requested version that cannot be
	// served.
	ErrModelVersionUnavailable = errors.New("model version unavailable")
)

// MetricsInterface defines the metrics methods needed by the service.
type MetricsInterface interface {
	PredictionsInc()
	RecordErrorsInc()
	BatchesInc()
	BatchesRejectedInc()
	PredictLatencyObserve(float64)
	BatchSizeObserve(float64)
	PredictionScoresObserve(float64)
	AttackLabelsInc()
	CacheHitsInc()
	CacheMissesInc()
}

// Config contains the serving parameters of the prediction service.
type Config struct {
	DefaultVersion string  // version served when a request names none
	Threshold      float64 // default decision threshold
	MaxBatchSize   int
	CacheSize      int
	CacheTTL       time.Duration
}

// Options carries per-call overrides.
type Options struct {
	Threshold *float64 // nil means the configured default
	Version   string   // "" means the configured default version
}

// RecordError reports a record that failed sanitization, by batch index.
// Other records in the batch still produce predictions.
type RecordError struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result holds index-aligned batch output. Probabilities and Labels always
// have one entry per input record; entries at indices listed in Errors are
// zero placeholders and must be interpreted through their error.
type Result struct {
	Probabilities []float64
	Labels        []int
	ModelVersion  string
	Threshold     float64
	Errors        []RecordError
}

// Info is the read-only model description served without running inference.
type Info struct {
	Version      string
	FeatureCount int
	TargetColumn string
	BenignLabels []string
	TrainDays    []string
	TestDays     []string
	Metadata     map[string]any
	LoadedAt     time.Time
}

// Service scores flow record batches against a loaded artifact bundle.
type Service struct {
	store   *artifacts.Store
	config  Config
	cache   *expirable.LRU[string, float64]
	metrics MetricsInterface
}

func New(store *artifacts.Store, config Config, metrics MetricsInterface) *Service {
	var cache *expirable.LRU[string, float64]
	if config.CacheSize > 0 {
		cache = expirable.NewLRU[string, float64](config.CacheSize, nil, config.CacheTTL)
	}
	return &Service{
		store:   store,
		config:  config,
		cache:   cache,
		metrics: metrics,
	}
}

// PredictBatch scores each record and derives labels with the decision
// threshold: label = 1 iff P(attack) >= threshold. Output ordering matches
// input ordering 1:1; a record failing sanitization is reported per index
// and never aborts the batch.
func (s *Service) PredictBatch(ctx context.Context, records []map[string]any, opts Options) (*Result, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.PredictLatencyObserve(time.Since(start).Seconds())
		}
	}()

	if len(records) == 0 {
		if s.metrics != nil {
			s.metrics.BatchesRejectedInc()
		}
		return nil, ErrEmptyBatch
	}
	if len(records) > s.config.MaxBatchSize {
		if s.metrics != nil {
			s.metrics.BatchesRejectedInc()
		}
		return nil, fmt.Errorf("%w: %d records, maximum is %d", ErrBatchTooLarge, len(records), s.config.MaxBatchSize)
	}

	bundle, err := s.resolveBundle(opts.Version)
	if err != nil {
		if s.metrics != nil {
			s.metrics.BatchesRejectedInc()
		}
		return nil, err
	}

	threshold := s.config.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < 0 || threshold > 1 {
		if s.metrics != nil {
			s.metrics.BatchesRejectedInc()
		}
		return nil, fmt.Errorf("%w: must be between 0 and 1, got %f", ErrInvalidThreshold, threshold)
	}

	if s.metrics != nil {
		s.metrics.BatchesInc()
		s.metrics.BatchSizeObserve(float64(len(records)))
	}

	result := &Result{
		Probabilities: make([]float64, len(records)),
		Labels:        make([]int, len(records)),
		ModelVersion:  bundle.Version,
		Threshold:     threshold,
	}

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		proba, err := s.scoreRecord(bundle, record)
		if err != nil {
			result.Errors = append(result.Errors, recordError(i, err))
			if s.metrics != nil {
				s.metrics.RecordErrorsInc()
			}
			continue
		}

		result.Probabilities[i] = proba
		if proba >= threshold {
			result.Labels[i] = 1
			if s.metrics != nil {
				s.metrics.AttackLabelsInc()
			}
		}
		if s.metrics != nil {
			s.metrics.PredictionsInc()
			s.metrics.PredictionScoresObserve(proba)
		}
	}

	log.Debug().
		Int("records", len(records)).
		Int("errors", len(result.Errors)).
		Str("version", bundle.Version).
		Float64("threshold", threshold).
		Msg("batch scored")

	return result, nil
}

// ModelInfo reports the loaded model's version and training metadata without
// running inference.
func (s *Service) ModelInfo(ctx context.Context) (*Info, error) {
	bundle, err := s.resolveBundle("")
	if err != nil {
		return nil, err
	}

	info := &Info{
		Version:      bundle.Version,
		FeatureCount: len(bundle.Features),
		TargetColumn: metadataString(bundle.Metadata, "target_column", "Label"),
		BenignLabels: metadataStrings(bundle.Metadata, "benign_labels", []string{"Benign"}),
		TrainDays:    metadataStrings(bundle.Metadata, "train_days", nil),
		TestDays:     metadataStrings(bundle.Metadata, "test_days", nil),
		Metadata:     bundle.Metadata,
		LoadedAt:     bundle.LoadedAt,
	}
	return info, nil
}

// Ready reports whether the default bundle can be served.
func (s *Service) Ready() bool {
	_, err := s.resolveBundle("")
	return err == nil
}

func (s *Service) resolveBundle(version string) (*artifacts.Bundle, error) {
	requested := version != ""
	if !requested {
		version = s.config.DefaultVersion
	}

	bundle, err := s.store.Load(version)
	if err != nil {
		if requested {
			return nil, fmt.Errorf("%w: %q: %v", ErrModelVersionUnavailable, version, err)
		}
		return nil, err
	}
	return bundle, nil
}

func (s *Service) scoreRecord(bundle *artifacts.Bundle, record map[string]any) (float64, error) {
	raw, err := bundle.Sanitizer.Vectorize(record)
	if err != nil {
		return 0, err
	}

	vec, err := bundle.Sanitizer.Transform(raw)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		key := cacheKey(bundle.Version, vec)
		if proba, ok := s.cache.Get(key); ok {
			if s.metrics != nil {
				s.metrics.CacheHitsInc()
			}
			return proba, nil
		}
		if s.metrics != nil {
			s.metrics.CacheMissesInc()
		}
		proba, err := bundle.Model.PredictProba(vec)
		if err != nil {
			return 0, err
		}
		s.cache.Add(key, proba)
		return proba, nil
	}

	return bundle.Model.PredictProba(vec)
}

func recordError(index int, err error) RecordError {
	var fieldErr *sanitize.FieldError
	if errors.As(err, &fieldErr) {
		return RecordError{Index: index, Kind: fieldErr.Kind, Message: fieldErr.Error()}
	}
	// Internal failures are reported without leaking artifact detail.
	log.Error().Err(err).Int("index", index).Msg("record scoring failed")
	return RecordError{Index: index, Kind: "prediction_failed", Message: "record could not be scored"}
}

func cacheKey(version string, vec []float32) string {
	h := fnv.New64a()
	h.Write([]byte(version))
	var buf [4]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func metadataString(metadata map[string]any, key, def string) string {
	if v, ok := metadata[key].(string); ok && v != "" {
		return v
	}
	return def
}

func metadataStrings(metadata map[string]any, key string, def []string) []string {
	raw, ok := metadata[key].([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
