package rca

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// findingNamespace seeds deterministic finding ids: the same target, window,
// and signal snapshot always produce the same id, so redelivered triggers
// collapse in the store.
var findingNamespace = uuid.MustParse("4b9a2c6e-0d13-47e2-b1aa-6f0c5d8e9a21")

// Config tunes the analyzer. Zero values take the documented defaults.
type Config struct {
	// CorrelationThreshold is the minimum |coefficient| for a signal to be
	// reported.
	CorrelationThreshold float64
	// MaxLead bounds the lag scan in series steps.
	MaxLead int
	// MinSamples is the floor below which confidence degrades instead of the
	// analysis failing.
	MinSamples int
	// Method selects the correlation: "pearson" or "spearman".
	Method string
}

func (c *Config) applyDefaults() error {
	if c.CorrelationThreshold == 0 {
		c.CorrelationThreshold = 0.7
	}
	if c.CorrelationThreshold < 0 || c.CorrelationThreshold > 1 {
		return eris.Wrapf(rules.ErrRuleConfig, "rca: correlation threshold %.2f outside [0,1]", c.CorrelationThreshold)
	}
	if c.MaxLead == 0 {
		c.MaxLead = 3
	}
	if c.MaxLead < 0 {
		return eris.Wrap(rules.ErrRuleConfig, "rca: negative max lead")
	}
	if c.MinSamples == 0 {
		c.MinSamples = 20
	}
	switch c.Method {
	case "":
		c.Method = "pearson"
	case "pearson", "spearman":
	default:
		return eris.Wrapf(rules.ErrRuleConfig, "rca: unknown correlation method %q", c.Method)
	}
	return nil
}

// Analyzer turns a degraded target metric plus candidate signal series into
// a ranked root-cause finding.
type Analyzer struct {
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{
		cfg: cfg,
		log: zap.L().Named("rca"),
		now: time.Now,
	}
}

// Analyze correlates the target series against each signal at leads
// 0..MaxLead and ranks causes by correlation strength, then temporal
// precedence. Sparse history lowers the finding's confidence; it never
// fails the analysis outright. Identical inputs produce an identical
// finding id.
func (a *Analyzer) Analyze(ctx context.Context, target model.MetricSeries, signals []model.MetricSeries) (*model.RootCauseFinding, error) {
	if err := a.cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if target.Name == "" {
		return nil, eris.New("rca: target series has no name")
	}

	corr := pearson
	if a.cfg.Method == "spearman" {
		corr = spearman
	}
	targetValues := target.Values()

	ordered := append([]model.MetricSeries(nil), signals...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var correlated []model.CorrelatedSignal
	for _, sig := range ordered {
		if sig.Name == target.Name {
			continue
		}
		lead, coefficient := bestLag(corr, targetValues, sig.Values(), a.cfg.MaxLead)
		if math.Abs(coefficient) < a.cfg.CorrelationThreshold {
			continue
		}
		correlated = append(correlated, model.CorrelatedSignal{
			Signal:      sig.Name,
			Coefficient: coefficient,
			// Negative lag: the signal's movement precedes the target's.
			Lag: -lead,
		})
	}

	// Strongest correlation first; a leading signal outranks a concurrent
	// one at equal strength, then lexical name for total order.
	sort.Slice(correlated, func(i, j int) bool {
		ai, aj := math.Abs(correlated[i].Coefficient), math.Abs(correlated[j].Coefficient)
		if ai != aj {
			return ai > aj
		}
		if correlated[i].Lag != correlated[j].Lag {
			return correlated[i].Lag < correlated[j].Lag
		}
		return correlated[i].Signal < correlated[j].Signal
	})

	completeness := signalCompleteness(len(targetValues), ordered)
	causes := make([]model.RankedCause, 0, len(correlated))
	for _, cs := range correlated {
		causes = append(causes, model.RankedCause{
			Signal:     cs.Signal,
			Category:   categorize(cs.Signal),
			Confidence: causeConfidence(cs, len(targetValues), a.cfg.MinSamples, completeness),
			Leads:      cs.Lag < 0,
		})
	}

	finding := &model.RootCauseFinding{
		FindingID:         a.findingID(target, ordered),
		TargetMetric:      target.Name,
		CorrelatedSignals: correlated,
		RankedCauses:      causes,
		Recommendations:   append(recommendations(causes), contributingFactors(targetValues, ordered)...),
		SampleSize:        len(targetValues),
		AnalyzedAt:        a.now().UTC(),
	}
	if len(target.Points) > 0 {
		finding.WindowStart = target.Points[0].At
		finding.WindowEnd = target.Points[len(target.Points)-1].At
	}
	if slope, strength := linearTrend(targetValues); strength > 0 {
		finding.Trend = &model.Trend{Direction: trendDirection(slope), Slope: slope, Strength: strength}
	}
	if len(causes) > 0 {
		finding.Confidence = causes[0].Confidence
	}

	if err := finding.Validate(); err != nil {
		return nil, err
	}
	a.log.Info("analysis complete",
		zap.String("target_metric", target.Name),
		zap.Int("signals", len(ordered)),
		zap.Int("correlated", len(correlated)),
		zap.Float64("confidence", finding.Confidence))
	return finding, nil
}

// causeConfidence blends correlation strength with sample size and signal
// completeness. Sparse history degrades confidence gracefully; the formula
// never leaves [0,1].
func causeConfidence(cs model.CorrelatedSignal, samples, minSamples int, completeness float64) float64 {
	strength := math.Abs(cs.Coefficient)
	sampleFactor := 1.0
	if samples < minSamples && minSamples > 0 {
		sampleFactor = float64(samples) / float64(minSamples)
	}
	conf := strength * (0.7 + 0.2*sampleFactor + 0.1*completeness)
	if cs.Lag < 0 {
		// Temporal precedence is weak causal evidence; nudge, don't assert.
		conf = math.Min(1, conf*1.05)
	}
	return math.Min(1, math.Max(0, conf))
}

// signalCompleteness is the mean ratio of each signal's length to the
// target's length, capped at 1.
func signalCompleteness(targetLen int, signals []model.MetricSeries) float64 {
	if targetLen == 0 || len(signals) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		r := float64(len(s.Points)) / float64(targetLen)
		if r > 1 {
			r = 1
		}
		sum += r
	}
	return sum / float64(len(signals))
}

// categorize maps a signal name onto a coarse cause category used to pick a
// recommendation template.
func categorize(signal string) string {
	name := strings.ToLower(signal)
	switch {
	case strings.Contains(name, "timeout"), strings.Contains(name, "latency"):
		return "connector"
	case strings.Contains(name, "error"), strings.Contains(name, "failure"):
		return "ingestion"
	case strings.Contains(name, "volume"), strings.Contains(name, "throughput"), strings.Contains(name, "lag"):
		return "load"
	case strings.Contains(name, "schema"), strings.Contains(name, "field"):
		return "schema"
	default:
		return "general"
	}
}

// missingShareLimit and volatileCoV bound the data-health conditions worth
// reporting as contributing factors.
const (
	missingShareLimit = 0.10
	volatileCoV       = 1.0
)

// contributingFactors reports conditions that shaped the analysis itself:
// signals missing a meaningful share of the target window's samples, and a
// target volatile enough that its correlations should be read with care.
func contributingFactors(target []float64, signals []model.MetricSeries) []string {
	var out []string
	if n := len(target); n > 0 {
		for _, s := range signals {
			share := 1 - float64(len(s.Points))/float64(n)
			if share > missingShareLimit {
				out = append(out, fmt.Sprintf("signal %s is missing %.0f%% of the window's samples; backfill its source before trusting the ranking", s.Name, share*100))
			}
		}
	}
	mean, std := meanStd(target)
	if mean != 0 {
		if cov := std / math.Abs(mean); cov > volatileCoV {
			out = append(out, fmt.Sprintf("target metric varies widely (coefficient of variation %.2f); correlations over this window may be unstable", cov))
		}
	}
	return out
}

var recommendationTemplates = map[string]string{
	"connector": "run a connector health check for the %s signal's source",
	"ingestion": "inspect ingestion error logs around the %s spike",
	"load":      "review capacity and consumer lag for the period of the %s change",
	"schema":    "compare source schema versions before and after the %s shift",
	"general":   "investigate the %s signal's source system for the window",
}

// recommendations templates advisory text from each distinct category among
// the top-ranked causes. Advisory only, never an executable action.
func recommendations(causes []model.RankedCause) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range causes {
		if seen[c.Category] {
			continue
		}
		seen[c.Category] = true
		out = append(out, fmt.Sprintf(recommendationTemplates[c.Category], c.Signal))
	}
	if len(out) == 0 {
		out = append(out, "no correlated signals above threshold; widen the window or add candidate signals")
	}
	return out
}

func trendDirection(slope float64) model.TrendDirection {
	const flatBand = 1e-9
	switch {
	case slope > flatBand:
		return model.TrendIncreasing
	case slope < -flatBand:
		return model.TrendDecreasing
	default:
		return model.TrendFlat
	}
}

// findingID hashes the target, window, and signal snapshot so the same
// inputs collapse to one finding.
func (a *Analyzer) findingID(target model.MetricSeries, signals []model.MetricSeries) string {
	var b strings.Builder
	writeSeries := func(s model.MetricSeries) {
		b.WriteString(s.Name)
		for _, p := range s.Points {
			fmt.Fprintf(&b, "|%d:%g", p.At.UTC().Unix(), p.Value)
		}
		b.WriteString("\x1f")
	}
	writeSeries(target)
	for _, s := range signals {
		writeSeries(s)
	}
	return uuid.NewSHA1(findingNamespace, []byte(b.String())).String()
}
