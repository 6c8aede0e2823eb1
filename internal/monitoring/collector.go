package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	Records            int     `json:"records"`
	LiveEntities       int     `json:"live_entities"`
	TombstonedEntities int     `json:"tombstoned_entities"`
	PassVerdicts       int     `json:"pass_verdicts"`
	WarnVerdicts       int     `json:"warn_verdicts"`
	Quarantined        int     `json:"quarantined"`
	QuarantineRate     float64 `json:"quarantine_rate"`
	AnomaliesWindow    int     `json:"anomalies_window"`
	Findings           int     `json:"findings"`
	PendingEntries     int     `json:"pending_entries"`
	DLQDepth           int     `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// DepthReporter reports the dead letter queue depth. The pipeline DLQ is
// the production implementation.
type DepthReporter interface {
	Depth() int
}

// Collector gathers metrics from the lineage store and the DLQ. It also
// serves as the pipeline's signal source for root cause analysis.
type Collector struct {
	store lineage.Store
	dlq   DepthReporter
	// signalMetrics are the anomaly metrics turned into daily-count series
	// for the analyzer.
	signalMetrics []string
}

// NewCollector creates a metrics collector. dlq may be nil when no pipeline
// runs in-process (read-only serve mode).
func NewCollector(st lineage.Store, dlq DepthReporter, signalMetrics []string) *Collector {
	return &Collector{store: st, dlq: dlq, signalMetrics: signalMetrics}
}

// SetDLQ attaches the depth reporter after construction. The collector is
// built before the pipeline because it doubles as the pipeline's signal
// source.
func (c *Collector) SetDLQ(dlq DepthReporter) {
	c.dlq = dlq
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	m, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store snapshot")
	}
	snap.Records = m.Records
	snap.LiveEntities = m.LiveEntities
	snap.TombstonedEntities = m.Tombstoned
	snap.PassVerdicts = m.PassVerdicts
	snap.WarnVerdicts = m.WarnVerdicts
	snap.Quarantined = m.Quarantined
	snap.Findings = m.Findings
	snap.PendingEntries = m.PendingEntries

	verdicts := m.PassVerdicts + m.WarnVerdicts + m.Quarantined
	if verdicts > 0 {
		snap.QuarantineRate = float64(m.Quarantined) / float64(verdicts)
	}

	count, err := c.store.AnomalyCount(ctx, "quality_score", cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: anomaly count")
	}
	snap.AnomaliesWindow = count

	if c.dlq != nil {
		snap.DLQDepth = c.dlq.Depth()
	}
	return snap, nil
}

// Signals builds one daily anomaly-count series per configured metric,
// oldest point first. Implements the pipeline's signal source.
func (c *Collector) Signals(ctx context.Context, since time.Time) ([]model.MetricSeries, error) {
	since = since.UTC().Truncate(24 * time.Hour)
	days := int(time.Now().UTC().Sub(since).Hours()/24) + 1

	var out []model.MetricSeries
	for _, metric := range c.signalMetrics {
		series := model.MetricSeries{Name: metric}
		for d := 0; d < days; d++ {
			dayStart := since.Add(time.Duration(d) * 24 * time.Hour)
			fromStart, err := c.store.AnomalyCount(ctx, metric, dayStart)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: anomaly series for %s", metric)
			}
			fromNext, err := c.store.AnomalyCount(ctx, metric, dayStart.Add(24*time.Hour))
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: anomaly series for %s", metric)
			}
			series.Points = append(series.Points, model.MetricPoint{
				At:    dayStart,
				Value: float64(fromStart - fromNext),
			})
		}
		out = append(out, series)
	}
	return out, nil
}
