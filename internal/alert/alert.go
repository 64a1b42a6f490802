// Package alert forwards security-relevant contract events to operators.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/metrics"
	"vaultbridge/internal/models"
)

// Alert describes one monitored event worth a human's attention
type Alert struct {
	Severity    models.Severity `json:"severity"`
	Contract    string          `json:"contract"`
	EventName   string          `json:"event_name"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	Args        json.RawMessage `json:"args,omitempty"`
	Text        string          `json:"text"`
}

// FromEvent builds an alert from a stored event
func FromEvent(ev *models.OnChainEvent) Alert {
	return Alert{
		Severity:    ev.Severity,
		Contract:    ev.Contract,
		EventName:   ev.EventName,
		TxHash:      ev.TxHash,
		BlockNumber: ev.BlockNumber,
		Args:        json.RawMessage(ev.Args),
		Text: fmt.Sprintf("[%s] %s.%s at block %d (tx %s)",
			ev.Severity, ev.Contract, ev.EventName, ev.BlockNumber, ev.TxHash),
	}
}

// Notifier delivers alerts
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("contract", a.Contract),
		zap.String("event_name", a.EventName),
		zap.String("tx_hash", a.TxHash),
		zap.Uint64("block_number", a.BlockNumber),
	}
	if a.Severity == models.SeverityCritical {
		n.logger.Error("Critical contract event", fields...)
	} else {
		n.logger.Warn("Contract event alert", fields...)
	}
	return nil
}

// WebhookNotifier posts alerts as JSON. The text field makes the payload
// acceptable to Slack and Discord style incoming webhooks.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Notify implements Notifier
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		err := n.Notify(ctx, a)
		metrics.Bridge().Alert(err == nil)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier chain: always the log, plus one webhook per URL
func New(urls []string, logger *zap.Logger) Notifier {
	m := Multi{NewLogNotifier(logger)}
	for _, u := range urls {
		m = append(m, NewWebhookNotifier(u))
	}
	return m
}
