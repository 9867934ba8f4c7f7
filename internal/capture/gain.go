package capture

import "math"

// RMS returns the root-mean-square energy of a frame.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// AutoGain is a software gain stage used by providers whose backend has no
// native AGC. It tracks frame RMS towards Target and never amplifies frames
// quieter than Floor, so room noise is not pumped up into speech.
type AutoGain struct {
	Target  float64
	Floor   float64
	MaxGain float64
	// Smoothing is the fraction of the distance to the desired gain covered
	// per frame.
	Smoothing float64

	gain float64
}

func NewAutoGain() *AutoGain {
	return &AutoGain{Target: 0.1, Floor: 0.003, MaxGain: 8, Smoothing: 0.2, gain: 1}
}

// Gain returns the gain currently applied.
func (a *AutoGain) Gain() float64 {
	if a.gain == 0 {
		return 1
	}
	return a.gain
}

// Process scales samples in place and clips to [-1, 1].
func (a *AutoGain) Process(samples []float32) {
	if a.gain == 0 {
		a.gain = 1
	}
	rms := RMS(samples)
	if rms >= a.Floor {
		desired := a.Target / rms
		if desired > a.MaxGain {
			desired = a.MaxGain
		}
		if desired < 1/a.MaxGain {
			desired = 1 / a.MaxGain
		}
		a.gain += (desired - a.gain) * a.Smoothing
	}
	g := float32(a.gain)
	for i, s := range samples {
		v := s * g
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
}
