package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/quality"
	"github.com/sells-group/reconcile/internal/rca"
	"github.com/sells-group/reconcile/internal/resilience"
	"github.com/sells-group/reconcile/internal/resolve"
	"github.com/sells-group/reconcile/internal/rules"
	"github.com/sells-group/reconcile/internal/transport"
)

// auditNamespace derives deterministic lineage entry ids for the quality
// and rca stages, so a redelivered event appends the same entry id and the
// store's conflict-ignoring insert absorbs it.
var auditNamespace = uuid.MustParse("7d2f1e0b-43c8-49a5-b6f1-2e8a90cd47a2")

// SignalSource supplies candidate signal series for root cause analysis.
// The monitoring collector is the production implementation.
type SignalSource interface {
	Signals(ctx context.Context, since time.Time) ([]model.MetricSeries, error)
}

// Options tunes pipeline behavior beyond the rule sets.
type Options struct {
	// RCAWindowDays is the analysis window for root cause requests.
	// Default: 30.
	RCAWindowDays int

	// AnomalyAlertCount triggers RCA when the 24h anomaly count for the
	// quality score metric reaches it. Default: 5.
	AnomalyAlertCount int

	// Retry is the budget for store writes inside a stage. Exhausting it
	// fails the batch back to the transport.
	Retry resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.RCAWindowDays <= 0 {
		o.RCAWindowDays = 30
	}
	if o.AnomalyAlertCount <= 0 {
		o.AnomalyAlertCount = 5
	}
	return o
}

// Pipeline runs the three stages as consumer groups on the bus. Stages
// communicate only through the transport and the lineage store.
type Pipeline struct {
	store    lineage.Store
	bus      *transport.Bus
	engine   *resolve.Engine
	gate     *quality.Gate
	analyzer *rca.Analyzer
	signals  SignalSource

	matchRules   *rules.MatchRuleSet
	qualityRules *rules.QualityRuleSet

	opts Options
	dlq  *DLQ
	log  *zap.Logger
	now  func() time.Time
}

// New validates both rule sets eagerly and builds the pipeline. A bad rule
// file fails startup, never a running batch.
func New(
	store lineage.Store,
	bus *transport.Bus,
	signals SignalSource,
	matchRules *rules.MatchRuleSet,
	qualityRules *rules.QualityRuleSet,
	rcaCfg rca.Config,
	opts Options,
) (*Pipeline, error) {
	if err := matchRules.Validate(); err != nil {
		return nil, err
	}
	if err := qualityRules.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().Named("pipeline")
	return &Pipeline{
		store:        store,
		bus:          bus,
		engine:       resolve.NewEngine(store),
		gate:         quality.NewGate(quality.NewBaselineCache(time.Duration(qualityRules.Anomaly.WindowDays) * 24 * time.Hour)),
		analyzer:     rca.NewAnalyzer(rcaCfg),
		signals:      signals,
		matchRules:   matchRules,
		qualityRules: qualityRules,
		opts:         opts.withDefaults(),
		dlq:          NewDLQ(log),
		log:          log,
		now:          time.Now,
	}, nil
}

// DLQ exposes the dead letter queue for the CLI surface.
func (p *Pipeline) DLQ() *DLQ {
	return p.dlq
}

// Start subscribes the stage consumers and the dead-letter drainer. Every
// topic the stages publish to gets a subscriber here; partition queues are
// bounded, so an undrained topic would eventually block its publisher. It
// returns immediately; processing stops when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.bus.Subscribe(ctx, transport.TopicRawRecords, p.handleRawRecords)
	p.bus.Subscribe(ctx, transport.TopicResolvedEntities, p.handleResolved)
	p.bus.Subscribe(ctx, transport.TopicQualityEvents, p.handleQualityEvents)
	p.bus.Subscribe(ctx, transport.TopicRCAEvents, p.handleRCA)
	p.bus.Subscribe(ctx, transport.TopicAuditLogs, p.handleAuditLogs)
	go p.drainDeadLetters(ctx)
}

// Submit publishes one ingestion batch keyed by run id.
func (p *Pipeline) Submit(ctx context.Context, runID string, records []model.Record) error {
	if runID == "" {
		runID = uuid.NewString()
	}
	_, err := p.bus.Publish(ctx, transport.TopicRawRecords, runID, runID, RawBatch{
		RunID:   runID,
		Records: records,
	})
	return err
}

// TriggerRCA publishes a root cause request for the metric.
func (p *Pipeline) TriggerRCA(ctx context.Context, targetMetric, trigger string) error {
	_, err := p.bus.Publish(ctx, transport.TopicRCAEvents, targetMetric, targetMetric, RCARequest{
		TargetMetric: targetMetric,
		WindowDays:   p.opts.RCAWindowDays,
		Trigger:      trigger,
	})
	return err
}

// ReplayDLQ takes a parked batch and re-submits it under a fresh run id.
func (p *Pipeline) ReplayDLQ(ctx context.Context, entryID string) error {
	entry, err := p.dlq.Take(entryID)
	if err != nil {
		return err
	}
	if !entry.CanRetry() {
		p.dlq.Requeue(entry, eris.Errorf("retry budget exhausted (%d/%d, %s)", entry.RetryCount, entry.MaxRetries, entry.ErrorType))
		return eris.Errorf("pipeline: dlq entry %s is not retryable", entryID)
	}
	if len(entry.Records) == 0 {
		return eris.Errorf("pipeline: dlq entry %s has no records to replay", entryID)
	}
	if err := p.Submit(ctx, uuid.NewString(), entry.Records); err != nil {
		p.dlq.Requeue(entry, err)
		return err
	}
	p.log.Info("replayed dlq entry",
		zap.String("entry_id", entryID),
		zap.Int("records", len(entry.Records)),
	)
	return nil
}

// auditEntryID is deterministic over (stage, subject, run) so redelivered
// events do not duplicate audit rows.
func auditEntryID(stage model.Stage, subjectID, runID string) string {
	return uuid.NewSHA1(auditNamespace, []byte(string(stage)+"\x1f"+subjectID+"\x1f"+runID)).String()
}
