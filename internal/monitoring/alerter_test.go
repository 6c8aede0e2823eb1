package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(Config{QuarantineRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		PassVerdicts:    95,
		Quarantined:     5,
		QuarantineRate:  0.05,
		AnomaliesWindow: 1,
		DLQDepth:        0,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_QuarantineRate(t *testing.T) {
	a := NewAlerter(Config{QuarantineRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		PassVerdicts:   12,
		Quarantined:    8,
		QuarantineRate: 0.4,
		LookbackHours:  24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQuarantineRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FewVerdictsSuppressed(t *testing.T) {
	a := NewAlerter(Config{QuarantineRateThreshold: 0.10})

	// Below the five-verdict floor a high rate is noise, not signal.
	snap := &MetricsSnapshot{
		Quarantined:    2,
		PassVerdicts:   1,
		QuarantineRate: 0.66,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_AnomalyAndDepth(t *testing.T) {
	a := NewAlerter(Config{AnomalyCountThreshold: 5, DLQDepthThreshold: 10, PendingThreshold: 20})

	snap := &MetricsSnapshot{
		AnomaliesWindow: 7,
		DLQDepth:        12,
		PendingEntries:  25,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)
	types := map[AlertType]bool{}
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertAnomalyRate])
	assert.True(t, types[AlertDLQDepth])
	assert.True(t, types[AlertPendingLineage])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, AlertDLQDepth, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDLQDepth, Severity: "high", Message: "depth"},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerter_SendAlerts_RateLimited(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL, MinAlertIntervalSecs: 3600})

	alerts := make([]Alert, 10)
	for i := range alerts {
		alerts[i] = Alert{Type: AlertAnomalyRate, Severity: "high", Message: "anomalies"}
	}
	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 3, sent, "burst of three then suppressed")
	assert.Equal(t, int32(3), received.Load())
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(Config{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(Config{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Zero(t, sent)
}
