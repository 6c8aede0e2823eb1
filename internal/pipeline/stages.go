package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/quality"
	"github.com/sells-group/reconcile/internal/resilience"
	"github.com/sells-group/reconcile/internal/resolve"
	"github.com/sells-group/reconcile/internal/rules"
	"github.com/sells-group/reconcile/internal/transport"
)

// handleRawRecords is the resolution stage. Each envelope carries one batch;
// the batch is resolved and persisted as a unit. Permanent failures park the
// batch immediately, transient ones fail back to the transport for
// redelivery.
func (p *Pipeline) handleRawRecords(ctx context.Context, batch []transport.Envelope) error {
	for _, env := range batch {
		var raw RawBatch
		if err := env.Decode(&raw); err != nil {
			p.dlq.Park(model.StageResolution, env.Key, nil, err)
			continue
		}
		if err := p.resolveBatch(ctx, raw); err != nil {
			if isPermanent(err) {
				p.dlq.Park(model.StageResolution, env.Key, raw.Records, err)
				p.markPending(ctx, model.StageResolution, raw.RunID, recordIDs(raw.Records), err)
				continue
			}
			return err
		}
	}
	return nil
}

func (p *Pipeline) resolveBatch(ctx context.Context, raw RawBatch) error {
	log := p.log.With(zap.String("run_id", raw.RunID), zap.Int("records", len(raw.Records)))

	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.SaveRecords(ctx, raw.Records)
	}); err != nil {
		return eris.Wrap(err, "pipeline: persist raw records")
	}

	if err := p.gateRawRecords(ctx, raw); err != nil {
		return err
	}

	result, err := p.engine.Resolve(ctx, raw.RunID, raw.Records, p.matchRules)
	if err != nil {
		return err
	}

	for _, outcome := range result.Outcomes {
		if outcome.Change == model.EntityUnchanged {
			continue
		}
		entity := outcome.Entity
		if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			return p.store.UpsertEntity(ctx, entity)
		}); err != nil {
			return eris.Wrapf(err, "pipeline: upsert entity %s", entity.EntityID)
		}
	}

	entryIDs := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			return p.store.AppendEntry(ctx, entry)
		}); err != nil {
			return eris.Wrapf(err, "pipeline: append entry %s", entry.EntryID)
		}
		entryIDs = append(entryIDs, entry.EntryID)
	}

	summary := p.summaryEntry(raw, result)
	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.AppendEntry(ctx, summary)
	}); err != nil {
		return eris.Wrap(err, "pipeline: append run summary entry")
	}
	entryIDs = append(entryIDs, summary.EntryID)

	for _, outcome := range result.Outcomes {
		if outcome.Change == model.EntityUnchanged || outcome.Change == model.EntityTombstoned {
			continue
		}
		if _, err := p.bus.Publish(ctx, transport.TopicResolvedEntities, outcome.Entity.EntityID, outcome.Entity.EntityID, ResolvedEvent{
			RunID:    raw.RunID,
			EntityID: outcome.Entity.EntityID,
			Change:   outcome.Change,
		}); err != nil {
			return err
		}
	}

	p.publishAudit(ctx, raw.RunID, model.StageResolution, entryIDs)
	log.Info("resolution batch complete",
		zap.Int("entities", result.Summary.Entities),
		zap.Int("matched_pairs", result.Summary.MatchedPairs),
		zap.Int("singletons", result.Summary.Singletons),
	)
	return nil
}

// gateRawRecords scores every raw record before resolution. The ingestion
// batch is the duplicate-key scope, so repeats within one submission are
// flagged on arrival; resolution still sees every record regardless of its
// verdict, the raw verdicts are the audit trail for connector-side defects.
func (p *Pipeline) gateRawRecords(ctx context.Context, raw RawBatch) error {
	subjects := make([]quality.Subject, 0, len(raw.Records))
	for _, rec := range raw.Records {
		subjects = append(subjects, quality.RecordSubject(rec))
	}
	dups := quality.DuplicateIssues(subjects, p.qualityRules)

	for _, subject := range subjects {
		verdict, anomalies, err := p.gate.Check(ctx, subject, p.qualityRules, raw.RunID, dups[subject.ID]...)
		if err != nil {
			return err
		}
		if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			return p.store.SaveVerdict(ctx, *verdict)
		}); err != nil {
			return eris.Wrapf(err, "pipeline: save record verdict for %s", verdict.SubjectID)
		}
		for _, a := range anomalies {
			if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
				return p.store.SaveAnomaly(ctx, a)
			}); err != nil {
				return eris.Wrapf(err, "pipeline: save anomaly for %s", a.SubjectID)
			}
		}
	}
	return nil
}

// summaryEntry carries the run's resolution summary on the run id, so the
// confidence distribution and timings outlive the process log.
func (p *Pipeline) summaryEntry(raw RawBatch, result *resolve.Result) model.LineageEntry {
	entityIDs := make([]string, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		entityIDs = append(entityIDs, o.Entity.EntityID)
	}
	dist := result.Summary.Confidence
	return model.LineageEntry{
		EntryID:    auditEntryID(model.StageResolution, raw.RunID+":summary", raw.RunID),
		Stage:      model.StageResolution,
		SubjectID:  raw.RunID,
		InputRefs:  recordIDs(raw.Records),
		OutputRefs: entityIDs,
		Status:     model.EntryComplete,
		Metadata: map[string]any{
			"rule_set_version":  result.Summary.RuleSetVersion,
			"input_records":     result.Summary.InputRecords,
			"matched_pairs":     result.Summary.MatchedPairs,
			"entities":          result.Summary.Entities,
			"singletons":        result.Summary.Singletons,
			"elapsed_ms":        result.Summary.Elapsed.Milliseconds(),
			"confidence_min":    dist.Min,
			"confidence_max":    dist.Max,
			"confidence_avg":    dist.Average,
			"confidence_high":   dist.High,
			"confidence_medium": dist.Medium,
			"confidence_low":    dist.Low,
		},
		ProducedAt: p.now().UTC(),
	}
}

// handleResolved is the quality stage. It reloads the entity so redelivered
// events always gate current state, then persists the verdict and any
// anomalies before publishing downstream.
func (p *Pipeline) handleResolved(ctx context.Context, batch []transport.Envelope) error {
	for _, env := range batch {
		var ev ResolvedEvent
		if err := env.Decode(&ev); err != nil {
			p.dlq.Park(model.StageQuality, env.Key, nil, err)
			continue
		}
		if err := p.gateEntity(ctx, ev); err != nil {
			if isPermanent(err) {
				p.dlq.Park(model.StageQuality, env.Key, nil, err)
				p.markPending(ctx, model.StageQuality, ev.RunID, []string{ev.EntityID}, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (p *Pipeline) gateEntity(ctx context.Context, ev ResolvedEvent) error {
	entity, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) (*model.Entity, error) {
		return p.store.GetEntity(ctx, ev.EntityID)
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: load entity %s", ev.EntityID)
	}
	if entity.Tombstoned {
		return nil
	}

	verdict, anomalies, err := p.gate.Check(ctx, quality.EntitySubject(*entity), p.qualityRules, ev.RunID)
	if err != nil {
		return err
	}

	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.SaveVerdict(ctx, *verdict)
	}); err != nil {
		return eris.Wrapf(err, "pipeline: save verdict for %s", verdict.SubjectID)
	}
	for _, a := range anomalies {
		if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
			return p.store.SaveAnomaly(ctx, a)
		}); err != nil {
			return eris.Wrapf(err, "pipeline: save anomaly for %s", a.SubjectID)
		}
	}

	entry := model.LineageEntry{
		EntryID:    auditEntryID(model.StageQuality, verdict.SubjectID, ev.RunID),
		Stage:      model.StageQuality,
		SubjectID:  verdict.SubjectID,
		InputRefs:  []string{ev.EntityID},
		OutputRefs: []string{verdict.SubjectID},
		Status:     model.EntryComplete,
		Metadata: map[string]any{
			"verdict":          string(verdict.Verdict),
			"score":            verdict.Score,
			"rule_set_version": verdict.RuleSetVersion,
		},
		ProducedAt: p.now().UTC(),
	}
	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.AppendEntry(ctx, entry)
	}); err != nil {
		return eris.Wrap(err, "pipeline: append quality entry")
	}

	if _, err := p.bus.Publish(ctx, transport.TopicQualityEvents, verdict.SubjectID, verdict.SubjectID, QualityEvent{
		RunID:     ev.RunID,
		SubjectID: verdict.SubjectID,
		Verdict:   verdict.Verdict,
		Score:     verdict.Score,
		Anomalies: len(anomalies),
	}); err != nil {
		return err
	}
	p.publishAudit(ctx, ev.RunID, model.StageQuality, []string{entry.EntryID})

	return nil
}

// handleQualityEvents carries the quality stage's downstream hand-off:
// quarantines and anomaly-rate breaches become root cause requests here,
// off the gating path, so a busy analysis partition never stalls verdict
// writes.
func (p *Pipeline) handleQualityEvents(ctx context.Context, batch []transport.Envelope) error {
	for _, env := range batch {
		var ev QualityEvent
		if err := env.Decode(&ev); err != nil {
			p.dlq.Park(model.StageQuality, env.Key, nil, err)
			continue
		}
		if err := p.maybeTriggerRCA(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// handleAuditLogs drains the audit mirror. The entries are durable in the
// store before the event is published, so this consumer only acknowledges
// the hand-off; an external audit sink would attach here.
func (p *Pipeline) handleAuditLogs(_ context.Context, batch []transport.Envelope) error {
	for _, env := range batch {
		var ev AuditEvent
		if err := env.Decode(&ev); err != nil {
			p.log.Warn("dropping malformed audit event", zap.Error(err))
			continue
		}
		p.log.Debug("audit entries mirrored",
			zap.String("run_id", ev.RunID),
			zap.String("stage", string(ev.Stage)),
			zap.Int("entries", len(ev.EntryIDs)))
	}
	return nil
}

// maybeTriggerRCA fires a root cause request on quarantine, or when the
// 24h anomaly count for the quality score crosses the alert threshold.
func (p *Pipeline) maybeTriggerRCA(ctx context.Context, ev QualityEvent) error {
	if ev.Verdict == model.VerdictQuarantine {
		return p.TriggerRCA(ctx, "quality_score", "quarantine")
	}
	count, err := p.store.AnomalyCount(ctx, "quality_score", p.now().Add(-24*time.Hour))
	if err != nil {
		p.log.Warn("reading anomaly count", zap.Error(err))
		return nil
	}
	if count >= p.opts.AnomalyAlertCount {
		return p.TriggerRCA(ctx, "quality_score", "anomaly-rate")
	}
	return nil
}

// handleRCA is the root cause stage, serialized per target metric by the
// partition key.
func (p *Pipeline) handleRCA(ctx context.Context, batch []transport.Envelope) error {
	for _, env := range batch {
		var req RCARequest
		if err := env.Decode(&req); err != nil {
			p.dlq.Park(model.StageRCA, env.Key, nil, err)
			continue
		}
		if err := p.analyze(ctx, req); err != nil {
			if isPermanent(err) {
				p.dlq.Park(model.StageRCA, env.Key, nil, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, req RCARequest) error {
	since := p.now().UTC().AddDate(0, 0, -req.WindowDays)

	history, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) ([]model.MetricPoint, error) {
		return p.store.ScoreHistory(ctx, since)
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: load score history")
	}
	target := model.MetricSeries{Name: req.TargetMetric, Points: history}

	signals, err := p.signals.Signals(ctx, since)
	if err != nil {
		return eris.Wrap(err, "pipeline: load candidate signals")
	}

	finding, err := p.analyzer.Analyze(ctx, target, signals)
	if err != nil {
		return err
	}

	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.SaveFinding(ctx, *finding)
	}); err != nil {
		return eris.Wrapf(err, "pipeline: save finding %s", finding.FindingID)
	}

	entry := model.LineageEntry{
		EntryID:    auditEntryID(model.StageRCA, req.TargetMetric, finding.FindingID),
		Stage:      model.StageRCA,
		SubjectID:  req.TargetMetric,
		InputRefs:  []string{req.TargetMetric},
		OutputRefs: []string{finding.FindingID},
		Status:     model.EntryComplete,
		Metadata: map[string]any{
			"trigger":    req.Trigger,
			"confidence": finding.Confidence,
			"causes":     len(finding.RankedCauses),
		},
		ProducedAt: p.now().UTC(),
	}
	if err := resilience.Do(ctx, p.opts.Retry, func(ctx context.Context) error {
		return p.store.AppendEntry(ctx, entry)
	}); err != nil {
		return eris.Wrap(err, "pipeline: append rca entry")
	}
	p.publishAudit(ctx, finding.FindingID, model.StageRCA, []string{entry.EntryID})

	p.log.Info("root cause analysis complete",
		zap.String("target", req.TargetMetric),
		zap.String("trigger", req.Trigger),
		zap.Int("causes", len(finding.RankedCauses)),
		zap.Float64("confidence", finding.Confidence),
	)
	return nil
}

// publishAudit mirrors appended entry ids onto the audit topic. Best
// effort; the store already holds the entries.
func (p *Pipeline) publishAudit(ctx context.Context, runID string, stage model.Stage, entryIDs []string) {
	if len(entryIDs) == 0 {
		return
	}
	if _, err := p.bus.Publish(ctx, transport.TopicAuditLogs, string(stage), runID, AuditEvent{
		RunID:    runID,
		Stage:    stage,
		EntryIDs: entryIDs,
	}); err != nil {
		p.log.Warn("publishing audit event", zap.Error(err))
	}
}

// markPending records abandoned work so the audit trail shows it.
func (p *Pipeline) markPending(ctx context.Context, stage model.Stage, runID string, inputRefs []string, cause error) {
	entry := model.LineageEntry{
		EntryID:    auditEntryID(stage, runID+":abandoned", runID),
		Stage:      stage,
		SubjectID:  runID,
		InputRefs:  inputRefs,
		OutputRefs: []string{},
		Status:     model.EntryPending,
		Metadata:   map[string]any{"reason": cause.Error()},
		ProducedAt: p.now().UTC(),
	}
	if err := p.store.AppendEntry(ctx, entry); err != nil {
		p.log.Error("recording pending lineage", zap.Error(err))
	}
}

// isPermanent classifies errors that redelivery cannot fix: malformed
// input, invalid rule configuration, and store validation failures.
// Version conflicts are retryable; a later resolution pass sees the
// current entity state.
func isPermanent(err error) bool {
	if errors.Is(err, model.ErrMalformedInput) || errors.Is(err, rules.ErrRuleConfig) {
		return true
	}
	if errors.Is(err, lineage.ErrVersionConflict) || errors.Is(err, lineage.ErrNotFound) {
		return false
	}
	return !resilience.IsTransient(err)
}
