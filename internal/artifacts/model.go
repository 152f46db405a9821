package artifacts

import (
	"encoding/json"
	"fmt"
	"math"
)

// Model is the loaded binary classifier. Callers never see past this
// interface: the artifact bytes are decoded once at load time and afterwards
// the model is only ever asked for a probability.
type Model interface {
	// PredictProba returns P(attack) in [0, 1] for a sanitized vector.
	PredictProba(vec []float32) (float64, error)
	// InputDim returns the feature-vector width the model accepts.
	InputDim() int
	// Kind identifies the serialized model family.
	Kind() string
}

type modelEnvelope struct {
	Kind string `json:"kind"`
}

// decodeModel dispatches on the "kind" field of the serialized classifier.
// The envelope formats are owned by the training pipeline's export step.
func decodeModel(data []byte) (Model, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode model envelope: %w", err)
	}

	switch env.Kind {
	case "logistic":
		var m logisticModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode logistic model: %w", err)
		}
		if len(m.Weights) == 0 {
			return nil, fmt.Errorf("logistic model has no weights")
		}
		return &m, nil
	case "gbdt":
		var m gbdtModel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode gbdt model: %w", err)
		}
		if m.NumFeatures <= 0 {
			return nil, fmt.Errorf("gbdt model has invalid feature count %d", m.NumFeatures)
		}
		if len(m.Trees) == 0 {
			return nil, fmt.Errorf("gbdt model has no trees")
		}
		for ti, tree := range m.Trees {
			if err := tree.validate(m.NumFeatures); err != nil {
				return nil, fmt.Errorf("gbdt tree %d: %w", ti, err)
			}
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", env.Kind)
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// logisticModel scores with a linear decision function through a sigmoid.
type logisticModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

func (m *logisticModel) Kind() string  { return "logistic" }
func (m *logisticModel) InputDim() int { return len(m.Weights) }

func (m *logisticModel) PredictProba(vec []float32) (float64, error) {
	if len(vec) != len(m.Weights) {
		return 0, fmt.Errorf("expected %d features, got %d", len(m.Weights), len(vec))
	}
	z := m.Bias
	for i, w := range m.Weights {
		z += w * float64(vec[i])
	}
	return sigmoid(z), nil
}

// gbdtModel is a gradient-boosted tree ensemble: leaf outputs are summed
// with the base score and squashed through a sigmoid.
type gbdtModel struct {
	NumFeatures int    `json:"num_features"`
	BaseScore   float64 `json:"base_score"`
	Trees       []tree  `json:"trees"`
}

type tree struct {
	Nodes []treeNode `json:"nodes"`
}

type treeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"value"`
}

func (t *tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d, model has %d", i, n.Feature, numFeatures)
		}
		if n.Left <= i || n.Left >= len(t.Nodes) || n.Right <= i || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d has out-of-range children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

func (t *tree) eval(vec []float32) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if float64(vec[n.Feature]) < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (m *gbdtModel) Kind() string  { return "gbdt" }
func (m *gbdtModel) InputDim() int { return m.NumFeatures }

func (m *gbdtModel) PredictProba(vec []float32) (float64, error) {
	if len(vec) != m.NumFeatures {
		return 0, fmt.Errorf("expected %d features, got %d", m.NumFeatures, len(vec))
	}
	score := m.BaseScore
	for i := range m.Trees {
		score += m.Trees[i].eval(vec)
	}
	return sigmoid(score), nil
}
