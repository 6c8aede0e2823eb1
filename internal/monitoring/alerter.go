package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconcile/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQuarantineRate AlertType = "quarantine_rate"
	AlertAnomalyRate    AlertType = "anomaly_rate"
	AlertDLQDepth       AlertType = "dlq_depth"
	AlertPendingLineage AlertType = "pending_lineage"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config holds alerting thresholds and delivery settings.
type Config struct {
	// QuarantineRateThreshold alerts when quarantined/total verdicts
	// crosses it. Default: 0.10.
	QuarantineRateThreshold float64 `yaml:"quarantine_rate_threshold" mapstructure:"quarantine_rate_threshold"`
	// AnomalyCountThreshold alerts on the lookback-window anomaly count
	// for the quality score. Default: 5.
	AnomalyCountThreshold int `yaml:"anomaly_count_threshold" mapstructure:"anomaly_count_threshold"`
	// DLQDepthThreshold alerts on parked batch count. Default: 10.
	DLQDepthThreshold int `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	// PendingThreshold alerts on abandoned lineage entries. Default: 20.
	PendingThreshold int `yaml:"pending_threshold" mapstructure:"pending_threshold"`

	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// MinAlertIntervalSecs rate-limits webhook sends. Default: 300.
	MinAlertIntervalSecs int `yaml:"min_alert_interval_secs" mapstructure:"min_alert_interval_secs"`

	CheckIntervalSecs   int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`

	// WebhookFailureThreshold and WebhookResetTimeoutSecs tune the circuit
	// breaker on the webhook endpoint. Zero takes the breaker defaults.
	WebhookFailureThreshold int `yaml:"webhook_failure_threshold" mapstructure:"webhook_failure_threshold"`
	WebhookResetTimeoutSecs int `yaml:"webhook_reset_timeout_secs" mapstructure:"webhook_reset_timeout_secs"`
}

func (c Config) withDefaults() Config {
	if c.QuarantineRateThreshold <= 0 {
		c.QuarantineRateThreshold = 0.10
	}
	if c.AnomalyCountThreshold <= 0 {
		c.AnomalyCountThreshold = 5
	}
	if c.DLQDepthThreshold <= 0 {
		c.DLQDepthThreshold = 10
	}
	if c.PendingThreshold <= 0 {
		c.PendingThreshold = 20
	}
	if c.MinAlertIntervalSecs <= 0 {
		c.MinAlertIntervalSecs = 300
	}
	if c.LookbackWindowHours <= 0 {
		c.LookbackWindowHours = 24
	}
	return c
}

// Alerter evaluates a MetricsSnapshot against thresholds and sends webhook
// alerts, rate-limited so a flapping metric does not flood the endpoint.
type Alerter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewAlerter creates an Alerter with the given config. A circuit breaker
// guards the webhook endpoint so a dead receiver stops costing a request
// per alert.
func NewAlerter(cfg Config) *Alerter {
	cfg = cfg.withDefaults()
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(
			rate.Every(time.Duration(cfg.MinAlertIntervalSecs)*time.Second), 3),
		breaker: resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.WebhookFailureThreshold, cfg.WebhookResetTimeoutSecs)),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	verdicts := snap.PassVerdicts + snap.WarnVerdicts + snap.Quarantined
	if verdicts >= 5 && snap.QuarantineRate > a.cfg.QuarantineRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQuarantineRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Quarantine rate %.1f%% exceeds threshold %.1f%% (%d of %d verdicts)",
				snap.QuarantineRate*100, a.cfg.QuarantineRateThreshold*100,
				snap.Quarantined, verdicts,
			),
			Details: map[string]any{
				"quarantine_rate": snap.QuarantineRate,
				"threshold":       a.cfg.QuarantineRateThreshold,
				"quarantined":     snap.Quarantined,
				"verdicts":        verdicts,
			},
			Timestamp: now,
		})
	}

	if snap.AnomaliesWindow >= a.cfg.AnomalyCountThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAnomalyRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d quality-score anomalies in last %dh (threshold %d)",
				snap.AnomaliesWindow, snap.LookbackHours, a.cfg.AnomalyCountThreshold,
			),
			Details: map[string]any{
				"anomalies": snap.AnomaliesWindow,
				"threshold": a.cfg.AnomalyCountThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d batches parked in the dead letter queue (threshold %d)",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.PendingEntries >= a.cfg.PendingThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingLineage,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d lineage entries pending from abandoned batches (threshold %d)",
				snap.PendingEntries, a.cfg.PendingThreshold,
			),
			Details: map[string]any{
				"pending":   snap.PendingEntries,
				"threshold": a.cfg.PendingThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL, subject to the
// rate limiter. Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if !a.limiter.Allow() {
			zap.L().Debug("monitoring: alert suppressed by rate limit",
				zap.String("type", string(alert.Type)))
			continue
		}
		err := a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
