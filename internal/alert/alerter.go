// Package alert delivers operator notifications to Slack and generic
// webhooks, with per type and subject cooldown.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/token-distributor/internal/metrics"
)

// AlertType categorizes the kind of alert.
type AlertType string

const (
	AlertTypeUnhealthy            AlertType = "UNHEALTHY"
	AlertTypeRecovery             AlertType = "RECOVERY"
	AlertTypeConsistencyViolation AlertType = "CONSISTENCY_VIOLATION"
	AlertTypeDataCorruption       AlertType = "DATA_CORRUPTION"
	AlertTypeNoWallets            AlertType = "NO_WALLETS"
	AlertTypeBatchFailed          AlertType = "BATCH_FAILED"
	AlertTypeDBPool               AlertType = "DB_POOL"
)

// Severity ranks alert types for routing and colouring.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity returns how urgently a human should look at t. Critical types
// mean funds may have moved without the database knowing.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeRecovery:
		return SeverityInfo
	case AlertTypeConsistencyViolation, AlertTypeDataCorruption:
		return SeverityCritical
	}
	return SeverityWarning
}

// Alert represents a single alert event. Subject names what the alert is
// about (a batch ID or a task name) and scopes the cooldown.
type Alert struct {
	Type    AlertType
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Channel is an Alerter with a name for logs and metrics.
type Channel interface {
	Alerter
	Name() string
}

type cooldownKey struct {
	typ     AlertType
	subject string
}

// MultiAlerter fans out alerts to every channel. An alert with the same type
// and subject as one sent within the cooldown is dropped. A recovery clears
// the unhealthy cooldown of its subject so a relapse is reported at once.
type MultiAlerter struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	lastSent map[cooldownKey]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, channels ...Channel) *MultiAlerter {
	return &MultiAlerter{
		channels: channels,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		nowFn:    time.Now,
		lastSent: make(map[cooldownKey]time.Time),
	}
}

// Len returns the number of configured channels.
func (m *MultiAlerter) Len() int {
	return len(m.channels)
}

// Send delivers alert to all channels and joins their errors.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	if !m.admit(alert) {
		m.logger.Debug("alert suppressed by cooldown", "type", alert.Type, "subject", alert.Subject)
		for _, ch := range m.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(ch.Name(), string(alert.Type)).Inc()
		}
		return nil
	}

	var errs []error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed", "channel", ch.Name(), "type", alert.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(alert.Type)).Inc()
	}
	return errors.Join(errs...)
}

func (m *MultiAlerter) admit(alert Alert) bool {
	key := cooldownKey{alert.Type, alert.Subject}
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[key] = now
	if alert.Type == AlertTypeRecovery {
		delete(m.lastSent, cooldownKey{AlertTypeUnhealthy, alert.Subject})
	}
	return true
}

// SlackAlerter posts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Name() string { return "slack" }

func slackEmoji(t AlertType) string {
	switch t {
	case AlertTypeRecovery:
		return ":white_check_mark:"
	case AlertTypeConsistencyViolation:
		return ":rotating_light:"
	case AlertTypeDataCorruption:
		return ":no_entry:"
	case AlertTypeNoWallets:
		return ":closed_lock_with_key:"
	}
	return ":warning:"
}

var slackColors = map[Severity]string{
	SeverityInfo:     "#2eb67d",
	SeverityWarning:  "#ecb22e",
	SeverityCritical: "#e01e5a",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	att := slackAttachment{
		Color: slackColors[alert.Type.Severity()],
		Text:  alert.Message,
	}
	for _, k := range slices.Sorted(maps.Keys(alert.Fields)) {
		att.Fields = append(att.Fields, slackField{Title: k, Value: alert.Fields[k], Short: true})
	}
	msg := slackMessage{
		Text:        fmt.Sprintf("%s *[%s]* %s: %s", slackEmoji(alert.Type), alert.Type, alert.Subject, alert.Title),
		Attachments: []slackAttachment{att},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return post(ctx, s.client, s.webhookURL, body, s.Name())
}

// WebhookAlerter posts a flat JSON document to any HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Subject  string            `json:"subject"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Type:     alert.Type,
		Severity: alert.Type.Severity(),
		Subject:  alert.Subject,
		Title:    alert.Title,
		Message:  alert.Message,
		Fields:   alert.Fields,
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return post(ctx, w.client, w.url, body, w.Name())
}

func post(ctx context.Context, client *http.Client, url string, body []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
