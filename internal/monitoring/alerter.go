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

	"github.com/sells-group/tddf-cli/internal/config"
	"github.com/sells-group/tddf-cli/internal/stream"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertWarningRate      AlertType = "warning_rate"
	AlertUnclassifiedRate AlertType = "unclassified_rate"
	AlertInconsistency    AlertType = "inconsistency"
	AlertRunFailureRate   AlertType = "run_failure_rate"
	AlertStaleRuns        AlertType = "stale_runs"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates stream summaries and ledger snapshots against configured
// thresholds and sends alerts via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks one stream's summary and returns any alerts. Rates are only
// judged on non-empty streams.
func (a *Alerter) Evaluate(sum stream.Summary) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if sum.Inconsistency != "" {
		alerts = append(alerts, Alert{
			Type:      AlertInconsistency,
			Severity:  "high",
			Source:    sum.SourceID,
			Message:   fmt.Sprintf("%s stopped on an inconsistent rollup: %s", sum.SourceID, sum.Inconsistency),
			Timestamp: now,
		})
	}

	if sum.TotalRecords == 0 {
		return alerts
	}

	if rate := sum.WarningRate(); rate > a.cfg.WarningRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertWarningRate,
			Severity: "medium",
			Source:   sum.SourceID,
			Message: fmt.Sprintf(
				"%s: %.1f%% of records carry field warnings (threshold %.1f%%, %d of %d)",
				sum.SourceID, rate*100, a.cfg.WarningRateThreshold*100,
				sum.RecordsWithWarnings, sum.TotalRecords,
			),
			Details: map[string]any{
				"warning_rate":      rate,
				"threshold":         a.cfg.WarningRateThreshold,
				"warnings_by_code":  sum.WarningsByCode,
				"records_affected":  sum.RecordsWithWarnings,
				"records_processed": sum.TotalRecords,
			},
			Timestamp: now,
		})
	}

	if rate := sum.UnclassifiedRate(); rate > a.cfg.UnclassifiedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnclassifiedRate,
			Severity: "high",
			Source:   sum.SourceID,
			Message: fmt.Sprintf(
				"%s: %.1f%% of records have no known record type (threshold %.1f%%)",
				sum.SourceID, rate*100, a.cfg.UnclassifiedRateThreshold*100,
			),
			Details: map[string]any{
				"unclassified_rate": rate,
				"threshold":         a.cfg.UnclassifiedRateThreshold,
				"unclassified":      sum.Unclassified,
				"unknown_type":      sum.UnknownType,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// EvaluateSnapshot checks the run ledger snapshot. At least five finished
// runs are needed before the failure rate is judged.
func (a *Alerter) EvaluateSnapshot(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if finished >= 5 && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStaleRuns,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d run(s) still running past the stale limit", len(snap.StaleRuns)),
			Details:   map[string]any{"run_ids": snap.StaleRuns},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("source", alert.Source),
		)
		sent++
	}
	return sent
}

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
