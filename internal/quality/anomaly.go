package quality

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/rules"
)

// Detector decides whether an observed value is an outlier against baseline
// history. Implementations must be pure functions of their inputs so gate
// verdicts stay deterministic.
type Detector interface {
	Method() string
	// Detect returns the expected range and whether observed falls outside
	// it. History is a snapshot and safe to read without locking.
	Detect(observed float64, history []float64) (low, high float64, anomalous bool)
}

// NewDetector builds the detector named by the rule set.
func NewDetector(r rules.AnomalyRules) (Detector, error) {
	switch r.Method {
	case "zscore":
		return zscoreDetector{threshold: r.ZThreshold}, nil
	case "ensemble":
		return ensembleDetector{
			members: []Detector{
				zscoreDetector{threshold: r.ZThreshold},
				iqrDetector{multiplier: 1.5},
				madDetector{threshold: r.ZThreshold},
			},
		}, nil
	default:
		return nil, eris.Wrapf(rules.ErrRuleConfig, "quality: unknown anomaly method %q", r.Method)
	}
}

// zscoreDetector flags values more than threshold standard deviations from
// the baseline mean.
type zscoreDetector struct {
	threshold float64
}

func (zscoreDetector) Method() string { return "zscore" }

func (d zscoreDetector) Detect(observed float64, history []float64) (float64, float64, bool) {
	mean, std := meanStd(history)
	if std == 0 {
		return mean, mean, observed != mean
	}
	low := mean - d.threshold*std
	high := mean + d.threshold*std
	return low, high, observed < low || observed > high
}

// iqrDetector flags values beyond multiplier interquartile ranges outside
// the quartiles.
type iqrDetector struct {
	multiplier float64
}

func (iqrDetector) Method() string { return "iqr" }

func (d iqrDetector) Detect(observed float64, history []float64) (float64, float64, bool) {
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	low := q1 - d.multiplier*iqr
	high := q3 + d.multiplier*iqr
	return low, high, observed < low || observed > high
}

// madDetector flags values whose modified z-score over the median absolute
// deviation exceeds the threshold. More robust to existing outliers in the
// baseline than plain z-score.
type madDetector struct {
	threshold float64
}

func (madDetector) Method() string { return "mad" }

func (d madDetector) Detect(observed float64, history []float64) (float64, float64, bool) {
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	med := quantile(sorted, 0.5)

	devs := make([]float64, len(sorted))
	for i, v := range sorted {
		devs[i] = math.Abs(v - med)
	}
	sort.Float64s(devs)
	mad := quantile(devs, 0.5)
	if mad == 0 {
		return med, med, observed != med
	}
	// 0.6745 scales MAD to the standard deviation of a normal distribution.
	spread := d.threshold * mad / 0.6745
	low := med - spread
	high := med + spread
	return low, high, observed < low || observed > high
}

// ensembleDetector takes a majority vote over its members, reporting the
// widest agreed range.
type ensembleDetector struct {
	members []Detector
}

func (ensembleDetector) Method() string { return "ensemble" }

func (d ensembleDetector) Detect(observed float64, history []float64) (float64, float64, bool) {
	votes := 0
	low, high := math.Inf(1), math.Inf(-1)
	for _, m := range d.members {
		l, h, anomalous := m.Detect(observed, history)
		if anomalous {
			votes++
		}
		if l < low {
			low = l
		}
		if h > high {
			high = h
		}
	}
	return low, high, votes*2 > len(d.members)
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// quantile interpolates linearly over a sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}
