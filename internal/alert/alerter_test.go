package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeBatchFailed,
		Subject: "0b3f9a54-8a0e-4c55-b3f1-0c1b1f3c1d2e",
		Title:   "Batch failed",
		Message: `{"InstructionError":[1,{"Custom":1}]}`,
		Fields: map[string]string{
			"wallet":        "hot-1",
			"distributions": "12",
		},
	}
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	slackSrv, slackReceived := countingServer(t, http.StatusOK)
	webhookSrv, webhookReceived := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))
	assert.Equal(t, 2, multi.Len())

	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

func TestMultiAlerter_CooldownDedup(t *testing.T) {
	srv, received := countingServer(t, http.StatusOK)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), received.Load())
}

func TestMultiAlerter_CooldownScopedBySubject(t *testing.T) {
	srv, received := countingServer(t, http.StatusOK)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))

	first := testAlert()
	second := testAlert()
	second.Subject = "another-batch"

	require.NoError(t, multi.Send(context.Background(), first))
	require.NoError(t, multi.Send(context.Background(), second))

	assert.Equal(t, int32(2), received.Load())
}

func TestMultiAlerter_CooldownExpiry(t *testing.T) {
	srv, received := countingServer(t, http.StatusOK)
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))

	now := time.Unix(1700000000, 0)
	multi.nowFn = func() time.Time { return now }
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	multi.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(2), received.Load())
}

func TestMultiAlerter_RecoveryResetsUnhealthyCooldown(t *testing.T) {
	srv, received := countingServer(t, http.StatusOK)
	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(srv.URL))
	unhealthy := Alert{Type: AlertTypeUnhealthy, Subject: "process", Title: "Task process is unhealthy"}
	recovered := Alert{Type: AlertTypeRecovery, Subject: "process", Title: "Task process recovered"}

	require.NoError(t, multi.Send(context.Background(), unhealthy))
	require.NoError(t, multi.Send(context.Background(), unhealthy))
	assert.Equal(t, int32(1), received.Load())

	require.NoError(t, multi.Send(context.Background(), recovered))
	require.NoError(t, multi.Send(context.Background(), unhealthy))
	assert.Equal(t, int32(3), received.Load(), "relapse after recovery is not suppressed")
}

func TestAlertType_Severity(t *testing.T) {
	assert.Equal(t, SeverityInfo, AlertTypeRecovery.Severity())
	assert.Equal(t, SeverityCritical, AlertTypeConsistencyViolation.Severity())
	assert.Equal(t, SeverityCritical, AlertTypeDataCorruption.Severity())
	assert.Equal(t, SeverityWarning, AlertTypeNoWallets.Severity())
	assert.Equal(t, SeverityWarning, AlertTypeDBPool.Severity())
}

func TestMultiAlerter_PartialFailure(t *testing.T) {
	failSrv, _ := countingServer(t, http.StatusInternalServerError)
	goodSrv, goodReceived := countingServer(t, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(failSrv.URL), NewWebhookAlerter(goodSrv.URL))

	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned status 500")
	assert.Equal(t, int32(1), goodReceived.Load())
}

func TestSlackAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	alert := Alert{
		Type:    AlertTypeConsistencyViolation,
		Subject: "batch-1",
		Title:   "Signature mismatch",
		Message: "expected abc, node returned def",
		Fields: map[string]string{
			"wallet":   "hot-1",
			"expected": "abc",
		},
	}

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), alert))

	var payload slackMessage
	require.NoError(t, json.Unmarshal(capturedBody, &payload))
	text := payload.Text

	assert.True(t, strings.HasPrefix(text, ":rotating_light:"))
	assert.Contains(t, text, string(AlertTypeConsistencyViolation))
	assert.Contains(t, text, "batch-1")
	assert.Contains(t, text, "Signature mismatch")

	require.Len(t, payload.Attachments, 1)
	att := payload.Attachments[0]
	assert.Equal(t, slackColors[SeverityCritical], att.Color)
	assert.Equal(t, "expected abc, node returned def", att.Text)
	require.Len(t, att.Fields, 2)
	assert.Equal(t, "expected", att.Fields[0].Title, "fields are sorted")
	assert.Equal(t, "wallet", att.Fields[1].Title)
	assert.Equal(t, "hot-1", att.Fields[1].Value)

	emojiTests := []struct {
		alertType AlertType
		emoji     string
	}{
		{AlertTypeUnhealthy, ":warning:"},
		{AlertTypeBatchFailed, ":warning:"},
		{AlertTypeRecovery, ":white_check_mark:"},
		{AlertTypeConsistencyViolation, ":rotating_light:"},
		{AlertTypeDataCorruption, ":no_entry:"},
		{AlertTypeNoWallets, ":closed_lock_with_key:"},
	}
	for _, tc := range emojiTests {
		t.Run(fmt.Sprintf("emoji_%s", tc.alertType), func(t *testing.T) {
			assert.Equal(t, tc.emoji, slackEmoji(tc.alertType))
		})
	}
}

func TestWebhookAlerter_PayloadFormat(t *testing.T) {
	var capturedBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	beforeSend := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, NewWebhookAlerter(srv.URL).Send(context.Background(), testAlert()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(capturedBody, &payload))

	assert.Equal(t, string(AlertTypeBatchFailed), payload["type"])
	assert.Equal(t, string(SeverityWarning), payload["severity"])
	assert.Equal(t, "0b3f9a54-8a0e-4c55-b3f1-0c1b1f3c1d2e", payload["subject"])
	assert.Equal(t, "Batch failed", payload["title"])

	fields, ok := payload["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hot-1", fields["wallet"])
	assert.Equal(t, "12", fields["distributions"])

	timeStr, ok := payload["time"].(string)
	require.True(t, ok)
	parsedTime, err := time.Parse(time.RFC3339, timeStr)
	require.NoError(t, err)
	assert.False(t, parsedTime.Before(beforeSend))
}

func TestNoopAlerter(t *testing.T) {
	var a Alerter = &NoopAlerter{}
	assert.NoError(t, a.Send(context.Background(), testAlert()))
}
