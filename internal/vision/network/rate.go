package network

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultRateWindow is the number of arrival timestamps kept.
	DefaultRateWindow = 60

	// minRateSamples is the number of timestamps needed before a rate is reported.
	minRateSamples = 4
)

// RateEstimator derives a frames-per-second figure from a sliding window of
// arrival timestamps: (count-1) / sum of consecutive deltas.
type RateEstimator struct {
	mu     sync.Mutex
	size   int
	times  []time.Time
	deltas []float64
	rate   float64
	jitter time.Duration
}

// NewRateEstimator creates an estimator holding the last size timestamps.
// A non-positive size selects DefaultRateWindow.
func NewRateEstimator(size int) *RateEstimator {
	if size <= 0 {
		size = DefaultRateWindow
	}
	return &RateEstimator{
		size:   size,
		times:  make([]time.Time, 0, size),
		deltas: make([]float64, 0, size),
	}
}

// Add records an arrival and returns the updated rate. Until the window
// holds minRateSamples timestamps the rate is zero.
func (e *RateEstimator) Add(t time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.times) == e.size {
		copy(e.times, e.times[1:])
		e.times = e.times[:e.size-1]
	}
	e.times = append(e.times, t)

	if len(e.times) < minRateSamples {
		e.rate, e.jitter = 0, 0
		return 0
	}

	e.deltas = e.deltas[:0]
	for i := 1; i < len(e.times); i++ {
		e.deltas = append(e.deltas, e.times[i].Sub(e.times[i-1]).Seconds())
	}
	sum := floats.Sum(e.deltas)
	if sum <= 0 {
		// Identical or out-of-order timestamps carry no rate information.
		e.rate, e.jitter = 0, 0
		return 0
	}
	e.rate = float64(len(e.deltas)) / sum
	e.jitter = time.Duration(stat.StdDev(e.deltas, nil) * float64(time.Second))
	return e.rate
}

// Rate returns the most recent estimate.
func (e *RateEstimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// Jitter returns the standard deviation of the inter-arrival times.
func (e *RateEstimator) Jitter() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jitter
}

// Samples returns the number of timestamps currently in the window.
func (e *RateEstimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.times)
}
