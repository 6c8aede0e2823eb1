package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// MetricPoint is one sample of a metric series.
type MetricPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// MetricSeries is an ordered time series for one signal.
type MetricSeries struct {
	Name   string        `json:"name"`
	Points []MetricPoint `json:"points"`
}

// Values returns the point values in order.
func (s MetricSeries) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// CorrelatedSignal is one signal's correlation with the target metric.
// Lag is in series steps; negative means the signal leads the target.
type CorrelatedSignal struct {
	Signal      string  `json:"signal"`
	Coefficient float64 `json:"correlation_coefficient"`
	Lag         int     `json:"lag"`
}

// RankedCause is a candidate root cause ordered by descending confidence.
type RankedCause struct {
	Signal     string  `json:"signal"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Leads      bool    `json:"leads"` // signal change precedes target degradation
}

// TrendDirection labels the slope of the target series over the window.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendFlat       TrendDirection = "flat"
)

// Trend summarizes the target metric's movement over the analysis window.
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Slope     float64        `json:"slope"`
	Strength  float64        `json:"strength"` // |r| of the least-squares fit
}

// RootCauseFinding is the analyzer's ranked, correlation-derived explanation
// for a quality degradation. Produced only for quarantined subjects or
// metrics whose anomaly rate exceeds the configured threshold.
type RootCauseFinding struct {
	FindingID         string             `json:"finding_id"`
	TargetMetric      string             `json:"target_metric"`
	WindowStart       time.Time          `json:"window_start"`
	WindowEnd         time.Time          `json:"window_end"`
	CorrelatedSignals []CorrelatedSignal `json:"correlated_signals"`
	RankedCauses      []RankedCause      `json:"ranked_causes"`
	Confidence        float64            `json:"confidence"`
	Trend             *Trend             `json:"trend,omitempty"`
	Recommendations   []string           `json:"recommendations"`
	SampleSize        int                `json:"sample_size"`
	AnalyzedAt        time.Time          `json:"analyzed_at"`
}

// Validate enforces the confidence interval.
func (f RootCauseFinding) Validate() error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return eris.Errorf("finding: confidence %.3f outside [0,1] for metric %s", f.Confidence, f.TargetMetric)
	}
	return nil
}
