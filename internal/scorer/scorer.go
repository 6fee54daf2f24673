// Package scorer maps a feature vector to a scalar confidence in [0,1].
// It has two modes: a learned gradient-boosted-tree model loaded from a
// fixed file path, and a deterministic heuristic fallback used when no
// model is configured or the model fails to load or predict.
package scorer

import (
	"log"
	"math"
	"sync"

	"aegis-core/internal/features"
)

// Scorer is implemented by both the heuristic and model-backed scorers; it
// is stateless between calls and safe for concurrent use.
type Scorer interface {
	Predict(v features.Vector) float64
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Heuristic reproduces confidence_ensemble with small adjustments: an
// extreme-RSI bonus and proximity penalties, so it behaves sensibly even
// when fed a vector whose confidence_ensemble field wasn't set by the
// extractor (e.g. a re-scored position-monitor snapshot).
type Heuristic struct{}

// Predict implements Scorer.
func (Heuristic) Predict(v features.Vector) float64 {
	c := v.ConfidenceEnsemble

	// Extreme RSI (strongly oversold/overbought, on the 0-1 scale) adds
	// conviction regardless of what the ensemble already counted.
	if v.RSI14 < 0.20 || v.RSI14 > 0.80 {
		c += 0.05
	}

	// Being far from any tracked FVG/OB level is a penalty: the feature
	// extractor maps "near" to close to 1 via proximityScore, so being far
	// shows up as both proximities near 0.
	if v.FVGProximity < 0.2 && v.OBProximity < 0.2 {
		c -= 0.05
	}

	return clip(c, 0, 1)
}

// Model wraps a gradient-boosted-tree ensemble loaded from a fixed file
// path. If loading failed, or a later Predict panics/errors internally,
// every call transparently falls back to Heuristic and logs once per
// Model, never upward.
type Model struct {
	heuristic Heuristic
	trees     []tree
	loadErr   error

	fallbackOnce sync.Once
}

// Load reads and parses a JSON-encoded tree ensemble from path. A non-nil
// error is stored on the returned Model (not returned to the caller) so
// Predict can fall back silently exactly as the spec requires; callers
// that want to know about load failure up front can still inspect it via
// LoadError.
func Load(path string) *Model {
	trees, err := loadTrees(path)
	return &Model{trees: trees, loadErr: err}
}

// LoadError reports whether the backing model file failed to load.
func (m *Model) LoadError() error {
	return m.loadErr
}

// Predict implements Scorer. On any failure it falls back to the
// heuristic and logs exactly once for the lifetime of this Model.
func (m *Model) Predict(v features.Vector) (result float64) {
	if m.loadErr != nil || len(m.trees) == 0 {
		m.logFallbackOnce(m.loadErr)
		return m.heuristic.Predict(v)
	}

	defer func() {
		if r := recover(); r != nil {
			m.logFallbackOnce(nil)
			result = m.heuristic.Predict(v)
		}
	}()

	sum := 0.0
	feats := v.Slice()
	for _, t := range m.trees {
		sum += t.eval(feats)
	}
	return clip(sigmoid(sum), 0, 1)
}

func (m *Model) logFallbackOnce(cause error) {
	m.fallbackOnce.Do(func() {
		if cause != nil {
			log.Printf("scorer: model unavailable (%v), falling back to heuristic scoring for this process", cause)
		} else {
			log.Printf("scorer: model prediction failed, falling back to heuristic scoring for this process")
		}
	})
}

func sigmoid(x float64) float64 {
	if x > 35 {
		return 1
	}
	if x < -35 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
