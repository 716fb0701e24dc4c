package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// AlertConfig holds alerting configuration.
type AlertConfig struct {
	// WebhookURL is a generic webhook endpoint (Slack, Discord, or custom)
	WebhookURL string
	// WebhookType determines the payload format: "slack", "discord", or "generic"
	WebhookType string
	// Timeout for HTTP requests
	Timeout time.Duration
}

// Enabled reports whether a webhook is configured.
func (c AlertConfig) Enabled() bool { return c.WebhookURL != "" }

// DetectType picks the payload format from the webhook host when none is set.
func DetectType(webhookType, webhookURL string) string {
	if webhookType != "" {
		return strings.ToLower(webhookType)
	}
	switch {
	case strings.Contains(webhookURL, "slack.com"):
		return "slack"
	case strings.Contains(webhookURL, "discord.com"):
		return "discord"
	default:
		return "generic"
	}
}

// Alerter sends alerts to configured webhooks.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
	logger zerolog.Logger
}

// NewAlerter creates a new alerter instance.
func NewAlerter(cfg AlertConfig, logger zerolog.Logger) *Alerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.WebhookType = DetectType(cfg.WebhookType, cfg.WebhookURL)
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "alerting").Logger(),
	}
}

// FailureAlert reports a job that failed several times in a row.
type FailureAlert struct {
	JobName             string
	ConsecutiveFailures int
	LastError           string
	FirstFailure        time.Time
	Timestamp           time.Time
}

// SendFailureAlert posts alert to the webhook.
func (a *Alerter) SendFailureAlert(ctx context.Context, alert FailureAlert) error {
	if !a.cfg.Enabled() {
		a.logger.Debug().Msg("alerts disabled, skipping")
		return nil
	}

	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = buildSlackPayload(alert)
	case "discord":
		payload, err = buildDiscordPayload(alert)
	default:
		payload, err = buildGenericPayload(alert)
	}

	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	a.logger.Info().
		Str("job", alert.JobName).
		Int("failures", alert.ConsecutiveFailures).
		Msg("sent failure alert")
	return nil
}

func buildSlackPayload(alert FailureAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf(":x: Job Alert: %s", alert.JobName),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Consecutive failures:*\n%d", alert.ConsecutiveFailures)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Failing since:*\n%s", alert.FirstFailure.Format(time.RFC3339))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Last error:*\n%s", alert.LastError),
				},
			},
		},
	}

	return json.Marshal(payload)
}

func buildDiscordPayload(alert FailureAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("Job Alert: %s", alert.JobName),
				"description": fmt.Sprintf("%d consecutive failures", alert.ConsecutiveFailures),
				"color":       16711680, // Red
				"fields": []map[string]interface{}{
					{"name": "Failing since", "value": alert.FirstFailure.Format(time.RFC3339), "inline": true},
					{"name": "Last error", "value": alert.LastError, "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}

	return json.Marshal(payload)
}

func buildGenericPayload(alert FailureAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"alert_type":           "job_failure",
		"job_name":             alert.JobName,
		"consecutive_failures": alert.ConsecutiveFailures,
		"last_error":           alert.LastError,
		"first_failure":        alert.FirstFailure.Format(time.RFC3339),
		"timestamp":            alert.Timestamp.Format(time.RFC3339),
	}

	return json.Marshal(payload)
}
