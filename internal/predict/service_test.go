package predict

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cyberids/internal/artifacts"
	"cyberids/internal/sanitize"
)

const testVersion = "20251130-123456"

// MockMetrics implements MetricsInterface for testing.
type MockMetrics struct {
	mu           sync.Mutex
	predictions  int
	recordErrors int
	batches      int
	rejected     int
	scores       []float64
	attackLabels int
	cacheHits    int
	cacheMisses  int
	latencySum   float64
}

func (m *MockMetrics) PredictionsInc()  { m.mu.Lock(); m.predictions++; m.mu.Unlock() }
func (m *MockMetrics) RecordErrorsInc() { m.mu.Lock(); m.recordErrors++; m.mu.Unlock() }
func (m *MockMetrics) BatchesInc()      { m.mu.Lock(); m.batches++; m.mu.Unlock() }
func (m *MockMetrics) BatchesRejectedInc() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}
func (m *MockMetrics) PredictLatencyObserve(v float64) { m.mu.Lock(); m.latencySum += v; m.mu.Unlock() }
func (m *MockMetrics) BatchSizeObserve(v float64)      {}
func (m *MockMetrics) PredictionScoresObserve(v float64) {
	m.mu.Lock()
	m.scores = append(m.scores, v)
	m.mu.Unlock()
}
func (m *MockMetrics) AttackLabelsInc() { m.mu.Lock(); m.attackLabels++; m.mu.Unlock() }
func (m *MockMetrics) CacheHitsInc()    { m.mu.Lock(); m.cacheHits++; m.mu.Unlock() }
func (m *MockMetrics) CacheMissesInc()  { m.mu.Lock(); m.cacheMisses++; m.mu.Unlock() }

func writeTestArtifacts(t *testing.T, dir, version string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(dir, artifacts.MetaDir), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, artifacts.ModelsDir), 0o750); err != nil {
		t.Fatal(err)
	}

	write := func(path, content string) {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write(filepath.Join(dir, artifacts.MetaDir, artifacts.FeaturesBasename+"_"+version+artifacts.MetaSuffix),
		`{"features":["src_port","dst_port","flow_duration"]}`)
	write(filepath.Join(dir, artifacts.MetaDir, artifacts.MetadataBasename+"_"+version+artifacts.MetaSuffix),
		`{"target_column":"Label","benign_labels":["Benign"],"train_days":["monday","tuesday"],"test_days":["friday"]}`)
	write(filepath.Join(dir, artifacts.MetaDir, artifacts.SanitizerBasename+"_"+version+artifacts.MetaSuffix),
		`{"columns":["src_port","dst_port","flow_duration"],"medians":[443,80,1000000],"required":["src_port"]}`)
	// Weights chosen so dst_port dominates the score: higher dst_port means
	// higher attack probability.
	write(filepath.Join(dir, artifacts.ModelsDir, artifacts.ModelBasename+"_"+version+artifacts.ModelSuffix),
		`{"kind":"logistic","weights":[0.0,0.01,0.0],"bias":-1.0}`)
}

func newTestService(t *testing.T, config Config, m MetricsInterface) *Service {
	t.Helper()

	dir := t.TempDir()
	writeTestArtifacts(t, dir, testVersion)

	if config.DefaultVersion == "" {
		config.DefaultVersion = testVersion
	}
	if config.Threshold == 0 {
		config.Threshold = 0.5
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 100
	}
	return New(artifacts.NewStore(dir), config, m)
}

func validRecord(dstPort float64) map[string]any {
	return map[string]any{
		"src_port":      443.0,
		"dst_port":      dstPort,
		"flow_duration": 1000000.0,
	}
}

func TestPredictBatch_BoundsAndThreshold(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	records := []map[string]any{
		validRecord(0),
		validRecord(100),
		validRecord(500),
	}
	result, err := svc.PredictBatch(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Probabilities) != 3 || len(result.Labels) != 3 {
		t.Fatalf("expected 3 aligned outputs, got %d/%d", len(result.Probabilities), len(result.Labels))
	}
	if result.ModelVersion != testVersion {
		t.Errorf("expected model version %s, got %s", testVersion, result.ModelVersion)
	}

	for i, p := range result.Probabilities {
		if p < 0 || p > 1 || math.IsNaN(p) {
			t.Errorf("probability[%d] = %f out of [0,1]", i, p)
		}
		want := 0
		if p >= 0.5 {
			want = 1
		}
		if result.Labels[i] != want {
			t.Errorf("label[%d] = %d does not match threshold rule for p=%f", i, result.Labels[i], p)
		}
	}
}

func TestPredictBatch_ThresholdBoundary(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	// sigmoid(0.01*100 - 1) == sigmoid(0) == exactly 0.5.
	result, err := svc.PredictBatch(context.Background(), []map[string]any{validRecord(100)}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Probabilities[0] != 0.5 {
		t.Fatalf("expected probability exactly 0.5, got %f", result.Probabilities[0])
	}
	if result.Labels[0] != 1 {
		t.Error("label must be 1 when probability equals the threshold")
	}

	// Raising the threshold flips the same record to benign.
	hi := 0.6
	result, err = svc.PredictBatch(context.Background(), []map[string]any{validRecord(100)}, Options{Threshold: &hi})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Labels[0] != 0 {
		t.Error("label must be 0 when probability is below the per-call threshold")
	}
}

func TestPredictBatch_OrderPreservedWithPartialFailures(t *testing.T) {
	m := &MockMetrics{}
	svc := newTestService(t, Config{}, m)

	records := []map[string]any{
		validRecord(500),
		{"src_port": 443.0, "dst_port": "not-a-number", "flow_duration": 1.0},
		validRecord(500),
		{"dst_port": 80.0}, // src_port is required
		validRecord(500),
	}

	result, err := svc.PredictBatch(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("partial failures must not abort the batch: %v", err)
	}

	if len(result.Probabilities) != 5 {
		t.Fatalf("expected 5 aligned outputs, got %d", len(result.Probabilities))
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 record errors, got %d", len(result.Errors))
	}

	if result.Errors[0].Index != 1 || result.Errors[0].Kind != sanitize.KindInvalidFeatureType {
		t.Errorf("unexpected first error: %+v", result.Errors[0])
	}
	if result.Errors[1].Index != 3 || result.Errors[1].Kind != sanitize.KindMissingRequiredFeature {
		t.Errorf("unexpected second error: %+v", result.Errors[1])
	}

	// All healthy indices scored identically: same input, same output.
	for _, i := range []int{0, 2, 4} {
		if result.Probabilities[i] != result.Probabilities[0] {
			t.Errorf("probability[%d] = %f, want %f", i, result.Probabilities[i], result.Probabilities[0])
		}
	}
	// Failed indices carry zero placeholders.
	for _, i := range []int{1, 3} {
		if result.Probabilities[i] != 0 || result.Labels[i] != 0 {
			t.Errorf("expected zero placeholders at failed index %d", i)
		}
	}

	if m.recordErrors != 2 {
		t.Errorf("expected 2 record errors tracked, got %d", m.recordErrors)
	}
	if m.predictions != 3 {
		t.Errorf("expected 3 predictions tracked, got %d", m.predictions)
	}
}

func TestPredictBatch_ImputationEquivalence(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	// A record missing an imputable feature scores the same as one carrying
	// the sanitizer's learned median explicitly.
	missing := map[string]any{"src_port": 443.0, "flow_duration": 1000000.0}
	explicit := map[string]any{"src_port": 443.0, "dst_port": 80.0, "flow_duration": 1000000.0}

	result, err := svc.PredictBatch(context.Background(), []map[string]any{missing, explicit}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected record errors: %+v", result.Errors)
	}
	if result.Probabilities[0] != result.Probabilities[1] {
		t.Errorf("imputed record scored %f, explicit median scored %f",
			result.Probabilities[0], result.Probabilities[1])
	}
}

func TestPredictBatch_EmptyAndOversized(t *testing.T) {
	m := &MockMetrics{}
	svc := newTestService(t, Config{MaxBatchSize: 3}, m)

	if _, err := svc.PredictBatch(context.Background(), nil, Options{}); err != ErrEmptyBatch {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}

	big := make([]map[string]any, 4)
	for i := range big {
		big[i] = validRecord(1)
	}
	_, err := svc.PredictBatch(context.Background(), big, Options{})
	if err == nil || !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("expected ErrBatchTooLarge, got %v", err)
	}

	if m.rejected != 2 {
		t.Errorf("expected 2 rejected batches tracked, got %d", m.rejected)
	}
}

func TestPredictBatch_UnknownVersion(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	_, err := svc.PredictBatch(context.Background(), []map[string]any{validRecord(1)},
		Options{Version: "20990101-000000"})
	if !errors.Is(err, ErrModelVersionUnavailable) {
		t.Errorf("expected ErrModelVersionUnavailable, got %v", err)
	}
}

func TestPredictBatch_InvalidThreshold(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	for _, thr := range []float64{-0.1, 1.5} {
		thr := thr
		_, err := svc.PredictBatch(context.Background(), []map[string]any{validRecord(1)},
			Options{Threshold: &thr})
		if !errors.Is(err, ErrInvalidThreshold) {
			t.Errorf("expected ErrInvalidThreshold for threshold %f, got %v", thr, err)
		}
	}
}

func TestPredictBatch_CacheStability(t *testing.T) {
	m := &MockMetrics{}
	svc := newTestService(t, Config{CacheSize: 16, CacheTTL: time.Minute}, m)

	records := []map[string]any{validRecord(500)}
	first, err := svc.PredictBatch(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.PredictBatch(context.Background(), records, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Probabilities[0] != second.Probabilities[0] {
		t.Error("cached score differs from computed score")
	}
	if m.cacheHits != 1 || m.cacheMisses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d/%d", m.cacheHits, m.cacheMisses)
	}
}

func TestModelInfo(t *testing.T) {
	svc := newTestService(t, Config{}, nil)

	info, err := svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.Version != testVersion {
		t.Errorf("expected version %s, got %s", testVersion, info.Version)
	}
	if info.FeatureCount != 3 {
		t.Errorf("expected feature count 3, got %d", info.FeatureCount)
	}
	if info.TargetColumn != "Label" {
		t.Errorf("expected target column Label, got %s", info.TargetColumn)
	}
	if len(info.BenignLabels) != 1 || info.BenignLabels[0] != "Benign" {
		t.Errorf("unexpected benign labels: %v", info.BenignLabels)
	}
	if len(info.TrainDays) != 2 || len(info.TestDays) != 1 {
		t.Errorf("unexpected train/test days: %v / %v", info.TrainDays, info.TestDays)
	}
}

func TestModelInfo_Defaults(t *testing.T) {
	dir := t.TempDir()
	writeTestArtifacts(t, dir, testVersion)

	// Strip descriptive fields; defaults must fill in.
	metaPath := filepath.Join(dir, artifacts.MetaDir, artifacts.MetadataBasename+"_"+testVersion+artifacts.MetaSuffix)
	if err := os.WriteFile(metaPath, []byte(`{"auc":0.97}`), 0o600); err != nil {
		t.Fatal(err)
	}

	svc := New(artifacts.NewStore(dir), Config{
		DefaultVersion: testVersion,
		Threshold:      0.5,
		MaxBatchSize:   10,
	}, nil)

	info, err := svc.ModelInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.TargetColumn != "Label" {
		t.Errorf("expected default target column, got %s", info.TargetColumn)
	}
	if len(info.BenignLabels) != 1 || info.BenignLabels[0] != "Benign" {
		t.Errorf("expected default benign labels, got %v", info.BenignLabels)
	}
	if info.Metadata["auc"] != 0.97 {
		t.Errorf("expected metadata passed through verbatim, got %v", info.Metadata)
	}
}
