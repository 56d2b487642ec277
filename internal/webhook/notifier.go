// Package webhook posts finished bulk runs to an external endpoint.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/sitexport/internal/config"
	"github.com/timmy/sitexport/internal/domain"
	"github.com/timmy/sitexport/internal/logger"
)

// Event is the JSON body sent for every finished run.
type Event struct {
	Type    string                 `json:"type"`
	SentAt  time.Time              `json:"sent_at"`
	BulkRun domain.BulkRunSnapshot `json:"bulk_run"`
}

const EventBulkRunFinished = "bulk_run.finished"

// Notifier delivers run notifications with retries.
type Notifier struct {
	client *resty.Client
	url    string
	logger *logger.Logger
}

// NewNotifier returns nil when no URL is configured.
func NewNotifier(cfg config.WebhookConfig, log *logger.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	if log == nil {
		log = logger.GetDefault()
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "sitexport-webhook")
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &Notifier{
		client: client,
		url:    cfg.URL,
		logger: log.WithComponent("webhook"),
	}
}

// Notify posts the snapshot. Non-2xx responses are errors.
func (n *Notifier) Notify(ctx context.Context, snap domain.BulkRunSnapshot) error {
	n.logger.WithField(logger.FieldRunID, snap.ID).Debug("Posting bulk run webhook")
	start := time.Now()
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(Event{Type: EventBulkRunFinished, SentAt: time.Now().UTC(), BulkRun: snap}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	logger.With(logger.Fields{
		logger.FieldRunID:  snap.ID,
		logger.FieldStatus: resp.StatusCode(),
	}).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Bulk run webhook delivered")
	return nil
}
