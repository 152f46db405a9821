// Package artifacts resolves, loads, and caches the versioned artifact set
// produced by the IDS training pipeline: the ordered feature list, the
// descriptive metadata, the fitted sanitizer, and the serialized classifier.
// Each version is deserialized at most once per process; the cached bundle is
// immutable after load and shared across requests without locking.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyberids/internal/sanitize"
)

// Directory layout and file naming. These mirror the training pipeline's
// export step and must stay in sync with it.
const (
	MetaDir   = "meta"
	ModelsDir = "models"

	ModelBasename     = "cyber_ids_champion"
	FeaturesBasename  = "cyber_ids_features"
	MetadataBasename  = "cyber_ids_metadata"
	SanitizerBasename = "cyber_ids_sanitizer"

	MetaSuffix  = ".json"
	ModelSuffix = ".model.json"
)

var (
	// ErrArtifactNotFound marks a missing artifact file for a version.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrArtifactCorrupt marks an artifact that exists but fails to decode
	// or violates a cross-artifact invariant.
	ErrArtifactCorrupt = errors.New("artifact corrupt")
)

// Bundle holds one fully loaded artifact version. It is never mutated after
// load.
type Bundle struct {
	Version   string
	Features  []string
	Metadata  map[string]any
	Sanitizer *sanitize.Sanitizer
	Model     Model
	LoadedAt  time.Time
}

// Store loads artifact bundles from a base directory and caches them by
// version. Concurrent first requests for the same version trigger exactly
// one deserialization.
type Store struct {
	dir string

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	once   sync.Once
	bundle *Bundle
	err    error
}

func NewStore(dir string) *Store {
	return &Store{
		dir:     dir,
		entries: make(map[string]*entry),
	}
}

// Dir returns the base artifacts directory.
func (s *Store) Dir() string { return s.dir }

// Load returns the bundle for the given version, loading it on first use.
// An empty version or "latest" resolves to the newest version on disk.
func (s *Store) Load(version string) (*Bundle, error) {
	if version == "" || version == "latest" {
		latest, err := s.LatestVersion()
		if err != nil {
			return nil, err
		}
		version = latest
	}

	s.mu.Lock()
	e, ok := s.entries[version]
	if !ok {
		e = &entry{}
		s.entries[version] = e
	}
	s.mu.Unlock()

	e.once.Do(func() {
		e.bundle, e.err = s.loadBundle(version)
		if e.err != nil {
			log.Error().Err(e.err).Str("version", version).Msg("artifact load failed")
			// Allow a later retry instead of pinning the failure forever.
			s.mu.Lock()
			delete(s.entries, version)
			s.mu.Unlock()
		}
	})

	return e.bundle, e.err
}

// Cached reports whether a version is already loaded, without loading it.
func (s *Store) Cached(version string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[version]
	return ok && e.bundle != nil
}

// LatestVersion returns the newest version string, derived from the metadata
// filenames in the meta directory. Versions are timestamp-formatted by the
// training pipeline, so lexicographic order is chronological order.
func (s *Store) LatestVersion() (string, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: no metadata files in %s", ErrArtifactNotFound, filepath.Join(s.dir, MetaDir))
	}
	return versions[len(versions)-1], nil
}

// ListVersions returns all versions present on disk in ascending order.
func (s *Store) ListVersions() ([]string, error) {
	pattern := filepath.Join(s.dir, MetaDir, MetadataBasename+"_*"+MetaSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob metadata files: %w", err)
	}

	prefix := MetadataBasename + "_"
	versions := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), MetaSuffix)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		versions = append(versions, strings.TrimPrefix(name, prefix))
	}
	sort.Strings(versions)
	return versions, nil
}

// Paths returns the four artifact file paths for a version, relative to the
// store's base directory.
func (s *Store) Paths(version string) [4]string {
	return [4]string{
		filepath.Join(s.dir, MetaDir, FeaturesBasename+"_"+version+MetaSuffix),
		filepath.Join(s.dir, MetaDir, MetadataBasename+"_"+version+MetaSuffix),
		filepath.Join(s.dir, MetaDir, SanitizerBasename+"_"+version+MetaSuffix),
		filepath.Join(s.dir, ModelsDir, ModelBasename+"_"+version+ModelSuffix),
	}
}

func (s *Store) loadBundle(version string) (*Bundle, error) {
	paths := s.Paths(version)
	featuresPath, metadataPath, sanitizerPath, modelPath := paths[0], paths[1], paths[2], paths[3]

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, p)
		}
	}

	features, err := loadFeatureList(featuresPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactCorrupt, featuresPath, err)
	}

	metadata, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactCorrupt, metadataPath, err)
	}

	san, err := sanitize.Load(sanitizerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactCorrupt, sanitizerPath, err)
	}

	modelData, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, modelPath)
	}
	model, err := decodeModel(modelData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactCorrupt, modelPath, err)
	}

	// The sanitizer must be bound to the exact feature order it was fit on,
	// and the model must accept exactly the sanitizer's output width.
	if len(san.Columns) != len(features) {
		return nil, fmt.Errorf("%w: sanitizer fit on %d columns, feature list has %d",
			ErrArtifactCorrupt, len(san.Columns), len(features))
	}
	for i, col := range san.Columns {
		if col != features[i] {
			return nil, fmt.Errorf("%w: sanitizer column %d is %q, feature list has %q",
				ErrArtifactCorrupt, i, col, features[i])
		}
	}
	if model.InputDim() != san.Width() {
		return nil, fmt.Errorf("%w: model expects %d features, sanitizer produces %d",
			ErrArtifactCorrupt, model.InputDim(), san.Width())
	}

	bundle := &Bundle{
		Version:   version,
		Features:  features,
		Metadata:  metadata,
		Sanitizer: san,
		Model:     model,
		LoadedAt:  time.Now(),
	}

	log.Info().
		Str("version", version).
		Int("feature_count", len(features)).
		Str("model_kind", model.Kind()).
		Msg("artifact bundle loaded")

	return bundle, nil
}

func loadFeatureList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Features []string `json:"features"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if len(payload.Features) == 0 {
		return nil, fmt.Errorf("feature list is empty")
	}
	seen := make(map[string]struct{}, len(payload.Features))
	for _, f := range payload.Features {
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f)
		}
		seen[f] = struct{}{}
	}
	return payload.Features, nil
}

func loadMetadata(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}
