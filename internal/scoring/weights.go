package scoring

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights of the five scoring dimensions.
type Weights struct {
	UrgencyFit          float64 `yaml:"urgency_fit" json:"urgencyFit"`
	RateCompetitiveness float64 `yaml:"rate_competitiveness" json:"rateCompetitiveness"`
	CriteriaCoverage    float64 `yaml:"criteria_coverage" json:"criteriaCoverage"`
	CallQuality         float64 `yaml:"call_quality" json:"callQuality"`
	Professionalism     float64 `yaml:"professionalism" json:"professionalism"`
}

func DefaultWeights() Weights {
	return Weights{
		UrgencyFit:          0.25,
		RateCompetitiveness: 0.20,
		CriteriaCoverage:    0.25,
		CallQuality:         0.15,
		Professionalism:     0.15,
	}
}

func (w Weights) values() []float64 {
	return []float64{w.UrgencyFit, w.RateCompetitiveness, w.CriteriaCoverage, w.CallQuality, w.Professionalism}
}

func (w Weights) Validate() error {
	var sum float64
	for _, v := range w.values() {
		if v < 0 || math.IsNaN(v) {
			return ErrInvalidWeights
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: got %.4f", ErrInvalidWeights, sum)
	}
	return nil
}

// LoadWeights reads weights from a YAML file, e.g.
//
//	urgency_fit: 0.3
//	rate_competitiveness: 0.2
//	criteria_coverage: 0.2
//	call_quality: 0.15
//	professionalism: 0.15
func LoadWeights(path string) (Weights, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, err
	}
	var w Weights
	if err := yaml.Unmarshal(b, &w); err != nil {
		return Weights{}, fmt.Errorf("scoring: parse weights: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}
