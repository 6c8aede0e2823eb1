// Package rca explains quality degradations: it correlates a target metric
// against candidate signal series at small lags, ranks probable causes, and
// emits advisory recommendations.
package rca

import (
	"math"
	"sort"
)

// pearson computes the Pearson correlation coefficient over paired samples.
// Returns 0 when either side has no variance or the slices are too short.
func pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x, y = x[:n], y[:n]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// spearman is Pearson over fractional ranks, robust to monotone but
// non-linear relationships.
func spearman(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	return pearson(ranks(x[:n]), ranks(y[:n]))
}

// ranks assigns 1-based ranks with ties sharing their average rank.
func ranks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, len(values))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var varSum float64
	for _, v := range values {
		varSum += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(varSum / float64(len(values)))
}

// correlateAtLag correlates signal against target with the signal shifted
// lead steps earlier: signal[t] is paired with target[t+lead]. lead 0 is the
// concurrent correlation.
func correlateAtLag(corr func(x, y []float64) float64, target, signal []float64, lead int) float64 {
	if lead < 0 {
		return 0
	}
	if lead >= len(signal) || lead >= len(target) {
		return 0
	}
	return corr(signal[:len(signal)-lead], target[lead:])
}

// bestLag scans leads 0..maxLead and returns the lead with the strongest
// absolute correlation. Concurrent correlation wins ties so lag is never
// overstated.
func bestLag(corr func(x, y []float64) float64, target, signal []float64, maxLead int) (lead int, coefficient float64) {
	for l := 0; l <= maxLead; l++ {
		c := correlateAtLag(corr, target, signal, l)
		if math.Abs(c) > math.Abs(coefficient) {
			lead, coefficient = l, c
		}
	}
	return lead, coefficient
}

// linearTrend fits least squares over index positions and returns the slope
// and the fit's |r|.
func linearTrend(values []float64) (slope, strength float64) {
	if len(values) < 2 {
		return 0, 0
	}
	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	r := pearson(xs, values)

	var sumX, sumY float64
	for i, v := range values {
		sumX += float64(i)
		sumY += v
	}
	n := float64(len(values))
	meanX, meanY := sumX/n, sumY/n
	var cov, varX float64
	for i, v := range values {
		cov += (float64(i) - meanX) * (v - meanY)
		varX += (float64(i) - meanX) * (float64(i) - meanX)
	}
	if varX == 0 {
		return 0, 0
	}
	return cov / varX, math.Abs(r)
}
