// Package sanitize maps loosely shaped flow records onto the fixed, ordered
// feature vectors the IDS model was trained on. It carries the fitted
// sanitizer exported by the training pipeline (per-column imputation medians
// plus optional standardization parameters) and applies it uniformly to every
// inference input.
package sanitize

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"
)

// Record-level error kinds. These are recoverable: a record failing
// sanitization is reported per index while the rest of the batch proceeds.
const (
	KindMissingRequiredFeature = "missing_required_feature"
	KindInvalidFeatureType     = "invalid_feature_type"
)

// FieldError reports a sanitization failure for one feature of one record.
type FieldError struct {
	Kind    string
	Feature string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: feature %q: %s", e.Kind, e.Feature, e.Message)
}

// Sanitizer is the fitted cleaning transform produced by the training
// pipeline. Columns fixes both the vector order and the expected width;
// the transform must only ever see vectors assembled in that exact order.
type Sanitizer struct {
	Columns  []string  `json:"columns"`
	Medians  []float64 `json:"medians"`
	Means    []float64 `json:"means,omitempty"`
	Scales   []float64 `json:"scales,omitempty"`
	Required []string  `json:"required,omitempty"`

	colIndex map[string]int
	required map[string]struct{}
}

// Decode parses a serialized sanitizer and checks its internal consistency.
func Decode(data []byte) (*Sanitizer, error) {
	var s Sanitizer
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode sanitizer: %w", err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a sanitizer artifact file from disk.
func Load(path string) (*Sanitizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (s *Sanitizer) init() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("sanitizer has no columns")
	}
	if len(s.Medians) != len(s.Columns) {
		return fmt.Errorf("sanitizer has %d medians for %d columns", len(s.Medians), len(s.Columns))
	}
	if len(s.Means) > 0 && (len(s.Means) != len(s.Columns) || len(s.Scales) != len(s.Columns)) {
		return fmt.Errorf("sanitizer scaling parameters do not match %d columns", len(s.Columns))
	}
	for i, sc := range s.Scales {
		if sc == 0 {
			return fmt.Errorf("sanitizer scale for column %q is zero", s.Columns[i])
		}
	}

	s.colIndex = make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		s.colIndex[c] = i
	}
	s.required = make(map[string]struct{}, len(s.Required))
	for _, c := range s.Required {
		if _, ok := s.colIndex[c]; !ok {
			return fmt.Errorf("sanitizer requires unknown column %q", c)
		}
		s.required[c] = struct{}{}
	}
	return nil
}

// Width returns the number of features the sanitizer was fit on.
func (s *Sanitizer) Width() int { return len(s.Columns) }

// Vectorize assembles the raw feature vector for one record in column order.
// Unknown fields are ignored. Absent or null imputable fields become NaN for
// Transform to fill with the learned median; absent required fields and
// non-numeric values fail the record.
func (s *Sanitizer) Vectorize(record map[string]any) ([]float64, error) {
	raw := make([]float64, len(s.Columns))
	for i, col := range s.Columns {
		val, ok := record[col]
		if !ok || val == nil {
			if _, req := s.required[col]; req {
				return nil, &FieldError{
					Kind:    KindMissingRequiredFeature,
					Feature: col,
					Message: "required feature is absent",
				}
			}
			raw[i] = math.NaN()
			continue
		}

		switch v := val.(type) {
		case float64:
			raw[i] = v
		case int:
			raw[i] = float64(v)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, &FieldError{
					Kind:    KindInvalidFeatureType,
					Feature: col,
					Message: fmt.Sprintf("value %q is not numeric", v.String()),
				}
			}
			raw[i] = f
		default:
			return nil, &FieldError{
				Kind:    KindInvalidFeatureType,
				Feature: col,
				Message: fmt.Sprintf("expected a number, got %T", val),
			}
		}
	}
	return raw, nil
}

// Transform applies the fitted cleaning to a raw vector built in column
// order: non-finite entries are imputed with the training medians, then the
// optional standardization is applied. The result is the model-ready vector.
func (s *Sanitizer) Transform(raw []float64) ([]float32, error) {
	if len(raw) != len(s.Columns) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.Columns), len(raw))
	}

	imputed := 0
	out := make([]float32, len(raw))
	for i, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = s.Medians[i]
			imputed++
		}
		if len(s.Means) > 0 {
			v = (v - s.Means[i]) / s.Scales[i]
		}
		out[i] = float32(v)
	}

	if imputed > 0 {
		log.Debug().Int("imputed", imputed).Msg("imputed missing values with training medians")
	}
	return out, nil
}
