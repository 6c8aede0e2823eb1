package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RCATrigger requests a root cause run for a metric. The pipeline is the
// production implementation.
type RCATrigger interface {
	TriggerRCA(ctx context.Context, targetMetric, trigger string) error
}

// Checker runs the collect, evaluate, send loop in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	rca       RCATrigger
	cfg       Config
}

// NewChecker creates a background alert checker. rca may be nil when no
// pipeline runs in-process.
func NewChecker(collector *Collector, alerter *Alerter, rca RCATrigger, cfg Config) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		rca:       rca,
		cfg:       cfg.withDefaults(),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().Named("monitoring.checker")
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	// An anomaly-rate breach also kicks off root cause analysis.
	if c.rca != nil {
		for _, alert := range alerts {
			if alert.Type == AlertAnomalyRate {
				if err := c.rca.TriggerRCA(ctx, "quality_score", "anomaly-rate"); err != nil {
					log.Warn("monitoring: failed to trigger rca", zap.Error(err))
				}
				break
			}
		}
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
