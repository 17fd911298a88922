// Package utils contains small helpers shared across the pipeline packages.
package utils

// Clamp returns min if x is less than min, max if x is greater than max, and
// x otherwise.
func Clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
