package fitting

import "errors"

// ErrDegenerate is returned when a signal carries no usable information
// (empty or identically zero).
var ErrDegenerate = errors.New("fitting: degenerate signal")

// Autocorrelate computes the discrete autocorrelation of x in "same" mode:
// the middle len(x) samples of the full correlation, so the zero-lag peak
// sits at index len(x)/2.
func Autocorrelate(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	full := make([]float64, 2*n-1)
	for k := -(n - 1); k <= n-1; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			j := i + k
			if j < 0 || j >= n {
				continue
			}
			sum += x[j] * x[i]
		}
		full[k+n-1] = sum
	}
	start := (len(full) - n) / 2
	return full[start : start+n]
}

// Lags converts an energy axis to lag offsets centered on the middle
// sample, the axis the autocorrelation is plotted against.
func Lags(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	mid := x[len(x)/2]
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - mid
	}
	return out
}

// MeanNormalized averages the rows of waveforms and scales the result so
// its maximum is 1. All rows must share a length.
func MeanNormalized(waveforms [][]float64) ([]float64, error) {
	if len(waveforms) == 0 || len(waveforms[0]) == 0 {
		return nil, ErrDegenerate
	}
	n := len(waveforms[0])
	mean := make([]float64, n)
	for _, wf := range waveforms {
		if len(wf) != n {
			return nil, errors.New("fitting: waveform length mismatch")
		}
		for i, v := range wf {
			mean[i] += v
		}
	}
	max := 0.0
	for i := range mean {
		mean[i] /= float64(len(waveforms))
		if mean[i] > max {
			max = mean[i]
		}
	}
	if max <= 0 {
		return nil, ErrDegenerate
	}
	for i := range mean {
		mean[i] /= max
	}
	return mean, nil
}
