package audio

import "math"

// RMSLevel computes the root-mean-square energy of normalized samples.
// Returns a value between 0.0 and 1.0.
func RMSLevel(samples []float32) float64 {
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

// PeakLevel returns the maximum absolute amplitude of normalized samples.
func PeakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if abs := math.Abs(float64(s)); abs > peak {
			peak = abs
		}
	}
	if peak > 1 {
		return 1
	}
	return peak
}
