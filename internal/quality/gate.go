package quality

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// Gate runs quality checks over subjects. The only mutable state it holds is
// the rolling anomaly baseline; everything else is a pure function of the
// subject and the rule set, so identical inputs always yield identical
// verdicts.
type Gate struct {
	baselines *BaselineCache
	log       *zap.Logger
	now       func() time.Time
}

func NewGate(baselines *BaselineCache) *Gate {
	return &Gate{
		baselines: baselines,
		log:       zap.L().Named("quality"),
		now:       time.Now,
	}
}

// Check gates one subject. The returned anomalies are persisted by the
// caller independently of the verdict. Extra issues (batch-scoped duplicate
// findings) are folded into the score.
func (g *Gate) Check(ctx context.Context, subject Subject, rs *rules.QualityRuleSet, runID string, extra ...model.Issue) (*model.QualityVerdict, []model.Anomaly, error) {
	if err := rs.Validate(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var issues []model.Issue
	issues = append(issues, checkSchema(subject, rs)...)
	_, incomplete := checkCompleteness(subject, rs)
	issues = append(issues, incomplete...)
	issues = append(issues, checkConsistency(subject, rs)...)
	issues = append(issues, checkValidity(subject, rs)...)
	issues = append(issues, extra...)

	anomalyIssues, anomalies, err := g.checkAnomalies(subject, rs)
	if err != nil {
		return nil, nil, err
	}
	issues = append(issues, anomalyIssues...)

	score := 100.0
	for _, issue := range issues {
		score -= issue.Penalty
	}
	if score < 0 {
		score = 0
	}

	verdict := &model.QualityVerdict{
		SubjectID:      subject.ID,
		SubjectKind:    subject.Kind,
		Score:          score,
		Issues:         issues,
		Verdict:        deriveVerdict(score, issues, rs.Thresholds),
		RuleSetVersion: rs.Version,
		RunID:          runID,
		CheckedAt:      g.now().UTC(),
	}
	verdict.Recommendations = recommend(issues)

	if verdict.Verdict == model.VerdictQuarantine {
		g.log.Warn("subject quarantined",
			zap.String("subject_id", subject.ID),
			zap.String("subject_kind", string(subject.Kind)),
			zap.Float64("score", score),
			zap.Int("issues", len(issues)))
	}
	return verdict, anomalies, nil
}

// deriveVerdict maps score to verdict through the configured thresholds,
// except that any error-severity issue forces quarantine. Severity overrides
// score.
func deriveVerdict(score float64, issues []model.Issue, t rules.VerdictThresholds) model.VerdictStatus {
	for _, i := range issues {
		if i.Severity == model.SeverityError {
			return model.VerdictQuarantine
		}
	}
	switch {
	case score >= t.Pass:
		return model.VerdictPass
	case score >= t.Warn:
		return model.VerdictWarn
	default:
		return model.VerdictQuarantine
	}
}

// checkAnomalies runs the configured detector over each numeric anomaly
// field using a snapshot of the subject's partition baseline. Sparse history
// yields an insufficient_data issue with zero penalty, never a silent pass.
// The observed value feeds the baseline afterwards either way.
func (g *Gate) checkAnomalies(subject Subject, rs *rules.QualityRuleSet) ([]model.Issue, []model.Anomaly, error) {
	if len(rs.Anomaly.Fields) == 0 {
		return nil, nil, nil
	}
	detector, err := NewDetector(rs.Anomaly)
	if err != nil {
		return nil, nil, err
	}

	asOf := g.now().UTC()
	var issues []model.Issue
	var anomalies []model.Anomaly
	for _, field := range rs.Anomaly.Fields {
		v, ok := subject.Payload.Get(field)
		if !ok || v.IsNull() {
			continue
		}
		observed, ok := v.Number()
		if !ok {
			continue
		}

		history := g.baselines.Snapshot(subject.ID, field, asOf)
		if len(history) < rs.Anomaly.MinSamples {
			issues = append(issues, model.Issue{
				Kind:     model.IssueInsufficientData,
				Field:    field,
				Severity: model.SeverityInfo,
				Detail:   fmt.Sprintf("anomaly check skipped: %d of %d baseline samples", len(history), rs.Anomaly.MinSamples),
			})
			g.baselines.Observe(subject.ID, field, Observation{Value: observed, At: asOf})
			continue
		}

		low, high, anomalous := detector.Detect(observed, history)
		if anomalous {
			issues = append(issues, model.Issue{
				Kind:     model.IssueAnomaly,
				Field:    field,
				Severity: rs.Anomaly.Severity,
				Detail:   fmt.Sprintf("value %v outside expected range [%.2f, %.2f]", observed, low, high),
				Penalty:  rs.Penalties.For(rs.Anomaly.Severity),
			})
			anomalies = append(anomalies, model.Anomaly{
				SubjectID:    subject.ID,
				Metric:       field,
				Observed:     observed,
				ExpectedLow:  low,
				ExpectedHigh: high,
				Method:       detector.Method(),
				DetectedAt:   asOf,
			})
		}
		g.baselines.Observe(subject.ID, field, Observation{Value: observed, At: asOf})
	}
	return issues, anomalies, nil
}

// recommend derives advisory text from the issue mix, one line per kind.
func recommend(issues []model.Issue) []string {
	byKind := make(map[model.IssueKind]bool)
	var out []string
	add := func(kind model.IssueKind, text string) {
		if byKind[kind] {
			return
		}
		byKind[kind] = true
		out = append(out, text)
	}
	for _, i := range issues {
		switch i.Kind {
		case model.IssueMissingField, model.IssueIncomplete:
			add(model.IssueIncomplete, "backfill missing required fields from the originating source")
		case model.IssueTypeMismatch:
			add(model.IssueTypeMismatch, "review source field mappings for type drift")
		case model.IssueInconsistent:
			add(model.IssueInconsistent, "verify cross-field business rules with the data owner")
		case model.IssueInvalidFormat:
			add(model.IssueInvalidFormat, "add input validation at the ingestion connector")
		case model.IssueAnomaly:
			add(model.IssueAnomaly, "inspect the upstream feed for the flagged metrics")
		case model.IssueDuplicate:
			add(model.IssueDuplicate, "review deduplication rules for the source system")
		}
	}
	return out
}
