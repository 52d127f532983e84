package vad

import "math"

// Classifier scores one fixed-size audio frame with a speech probability in
// [0, 1]. Implementations must be safe for repeated single-goroutine use.
type Classifier interface {
	Probability(frame []float32) float64
}

// EnergyClassifier maps frame RMS energy onto a pseudo-probability. It is the
// default classifier; a model-backed one can be swapped in via Config.
type EnergyClassifier struct {
	// NoiseFloor is the RMS level treated as certain silence.
	NoiseFloor float64
	// SpeechCeil is the RMS level treated as certain speech.
	SpeechCeil float64
}

func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{NoiseFloor: 0.005, SpeechCeil: 0.06}
}

func (c *EnergyClassifier) Probability(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	floor := c.NoiseFloor
	ceil := c.SpeechCeil
	if ceil <= floor {
		ceil = floor + 1e-6
	}
	p := (rms - floor) / (ceil - floor)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
