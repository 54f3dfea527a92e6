// Package timing analyzes share timing samples for entropy and cross-device synchronization.
package timing

import (
	"math"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
)

const (
	// BucketWidthUS is the histogram bucket width used by Entropy.
	BucketWidthUS = 1000
	// SyncThreshold is the coefficient of variation below which timing counts as synchronized.
	SyncThreshold = 0.1
)

// Entropy returns the Shannon entropy, in bits, of samples bucketed into 1 ms bins.
func Entropy(samples []uint64) float64 {
	if len(samples) < 2 {
		return 0
	}

	buckets := make(map[uint64]int, len(samples))
	for _, s := range samples {
		buckets[s/BucketWidthUS]++
	}

	total := float64(len(samples))
	entropy := 0.0
	for _, count := range buckets {
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Pooled collects every non-zero timing sample across fps.
func Pooled(fps []*fingerprint.Fingerprint) []uint64 {
	var out []uint64
	for _, fp := range fps {
		out = append(out, fp.NonZeroSamples()...)
	}
	return out
}

// CoefficientOfVariation returns the population stdev/mean of samples.
// ok is false when samples is empty or its mean is zero.
func CoefficientOfVariation(samples []uint64) (cv float64, ok bool) {
	if len(samples) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 0, false
	}

	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(samples))) / mean, true
}

// IsSynchronized reports whether the devices' pooled timing is too regular to come from
// independent hardware. It needs at least two fingerprints and one non-zero sample.
func IsSynchronized(fps []*fingerprint.Fingerprint) bool {
	if len(fps) < 2 {
		return false
	}
	cv, ok := CoefficientOfVariation(Pooled(fps))
	return ok && cv < SyncThreshold
}
