// Package quality gates records and entities: schema, completeness,
// consistency, validity, and statistical anomaly checks combine into a
// 0-100 score and a pass/warn/quarantine verdict.
package quality

import (
	"sort"
	"sync"
	"time"
)

// Observation is one historical value for a baseline metric.
type Observation struct {
	Value float64
	At    time.Time
}

// BaselineCache holds rolling per-partition metric history for anomaly
// checks. Writes happen once per gated subject, reads on every anomaly
// check, so it is guarded read-many/write-rare and hands out snapshot
// copies rather than live slices.
type BaselineCache struct {
	mu     sync.RWMutex
	series map[string][]Observation
	window time.Duration
}

func NewBaselineCache(window time.Duration) *BaselineCache {
	return &BaselineCache{
		series: make(map[string][]Observation),
		window: window,
	}
}

// baselineKey scopes history per partition key and metric, never process
// wide.
func baselineKey(partition, metric string) string {
	return partition + "\x1f" + metric
}

// Observe appends a value to the metric's history, dropping observations
// that fell out of the window.
func (c *BaselineCache) Observe(partition, metric string, obs Observation) {
	key := baselineKey(partition, metric)
	c.mu.Lock()
	defer c.mu.Unlock()

	series := append(c.series[key], obs)
	cutoff := obs.At.Add(-c.window)
	trimmed := series[:0]
	for _, o := range series {
		if !o.At.Before(cutoff) {
			trimmed = append(trimmed, o)
		}
	}
	sort.Slice(trimmed, func(i, j int) bool { return trimmed[i].At.Before(trimmed[j].At) })
	c.series[key] = trimmed
}

// Snapshot returns a copy of the in-window history as of asOf. The copy
// isolates the caller's check from concurrent writes.
func (c *BaselineCache) Snapshot(partition, metric string, asOf time.Time) []float64 {
	key := baselineKey(partition, metric)
	cutoff := asOf.Add(-c.window)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var values []float64
	for _, o := range c.series[key] {
		if o.At.Before(cutoff) || o.At.After(asOf) {
			continue
		}
		values = append(values, o.Value)
	}
	return values
}

// Len reports the in-window sample count for a metric.
func (c *BaselineCache) Len(partition, metric string, asOf time.Time) int {
	return len(c.Snapshot(partition, metric, asOf))
}
