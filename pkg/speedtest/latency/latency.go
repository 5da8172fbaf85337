// Package latency reduces a batch of round-trip samples to a single figure.
package latency

import (
	"errors"
	"time"
)

// ErrNoSamples is returned when a batch contains no successful samples.
var ErrNoSamples = errors.New("no latency samples")

// Best returns the minimum of samples. Low latency is defined as the best
// achievable round-trip time, so the mean is never used here.
func Best(samples []time.Duration) (time.Duration, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s < best {
			best = s
		}
	}
	return best, nil
}

// Mean returns the arithmetic mean of samples.
func Mean(samples []time.Duration) (time.Duration, error) {
	if len(samples) == 0 {
		return 0, ErrNoSamples
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples)), nil
}

// Stats holds min/mean/max of a batch.
type Stats struct {
	Min  time.Duration
	Mean time.Duration
	Max  time.Duration
}

// Summarize returns min/mean/max of samples.
func Summarize(samples []time.Duration) (Stats, error) {
	min, err := Best(samples)
	if err != nil {
		return Stats{}, err
	}
	mean, _ := Mean(samples)
	max := samples[0]
	for _, s := range samples[1:] {
		if s > max {
			max = s
		}
	}
	return Stats{Min: min, Mean: mean, Max: max}, nil
}
