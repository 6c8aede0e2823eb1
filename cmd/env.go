package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/monitoring"
	"github.com/sells-group/reconcile/internal/pipeline"
	"github.com/sells-group/reconcile/internal/rca"
	"github.com/sells-group/reconcile/internal/resilience"
	"github.com/sells-group/reconcile/internal/rules"
	"github.com/sells-group/reconcile/internal/transport"
)

// pipelineEnv holds the store, bus, pipeline, and monitoring pieces needed
// by the ingest/serve/rca commands.
type pipelineEnv struct {
	Store     lineage.Store
	Bus       *transport.Bus
	Pipeline  *pipeline.Pipeline
	Collector *monitoring.Collector
	Alerter   *monitoring.Alerter
}

// Close releases resources held by the pipeline environment. It waits for
// bus consumers to drain in-flight batches.
func (pe *pipelineEnv) Close() {
	if pe.Bus != nil {
		pe.Bus.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured lineage store backend.
func initStore(ctx context.Context) (lineage.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return lineage.NewPostgres(ctx, cfg.Store.DatabaseURL, &lineage.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return lineage.NewSQLite(cfg.Store.Path)
	}
}

// initPipeline sets up the store, loads both rule files, and builds the bus
// and pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	matchRules, err := rules.LoadMatchRules(cfg.Rules.MatchPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	qualityRules, err := rules.LoadQualityRules(cfg.Rules.QualityPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("rules loaded",
		zap.String("match_version", matchRules.Version),
		zap.String("quality_version", qualityRules.Version),
	)

	bus := transport.New(transport.Config{
		Partitions:  cfg.Transport.Partitions,
		QueueDepth:  cfg.Transport.QueueDepth,
		MaxAttempts: cfg.Transport.MaxAttempts,
		BatchSize:   cfg.Transport.BatchSize,
		MaxBatch:    cfg.Transport.MaxBatch,
	}, zap.L())

	collector := monitoring.NewCollector(st, nil, cfg.Monitoring.SignalMetrics)

	p, err := pipeline.New(st, bus, collector,
		matchRules, qualityRules,
		rca.Config{
			CorrelationThreshold: cfg.RCA.CorrelationThreshold,
			MaxLead:              cfg.RCA.MaxLead,
			MinSamples:           cfg.RCA.MinSamples,
			Method:               cfg.RCA.Method,
		},
		pipeline.Options{
			RCAWindowDays:     cfg.RCA.WindowDays,
			AnomalyAlertCount: cfg.Resolver.AnomalyAlertCount,
			Retry: resilience.FromRetryConfig(
				cfg.Retry.MaxAttempts,
				cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs,
				cfg.Retry.Multiplier, cfg.Retry.JitterFraction,
			),
		},
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	collector.SetDLQ(p.DLQ())

	return &pipelineEnv{
		Store:     st,
		Bus:       bus,
		Pipeline:  p,
		Collector: collector,
		Alerter:   monitoring.NewAlerter(monitoringConfig()),
	}, nil
}

func monitoringConfig() monitoring.Config {
	return monitoring.Config{
		QuarantineRateThreshold: cfg.Monitoring.QuarantineRateThreshold,
		AnomalyCountThreshold:   cfg.Monitoring.AnomalyCountThreshold,
		DLQDepthThreshold:       cfg.Monitoring.DLQDepthThreshold,
		PendingThreshold:        cfg.Monitoring.PendingThreshold,
		WebhookURL:              cfg.Monitoring.WebhookURL,
		MinAlertIntervalSecs:    cfg.Monitoring.MinAlertIntervalSecs,
		CheckIntervalSecs:       cfg.Monitoring.CheckIntervalSecs,
		LookbackWindowHours:     cfg.Monitoring.LookbackWindowHours,
	}
}
