// Package notification delivers persisted candles to subscriber
// webhooks. The target URL comes from the subscription:<symbol> state
// the collector supervisor maintains; subscriptions without a webhook
// are skipped.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"ohlcv-pipeline/internal/broker"
	"ohlcv-pipeline/internal/model"
)

// Dispatcher fans persisted candles out to per-symbol webhooks.
// Delivery is best effort: a failing webhook is logged and never
// blocks or fails the write path.
type Dispatcher struct {
	broker broker.Broker
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(b broker.Broker) *Dispatcher {
	return &Dispatcher{
		broker: b,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CandlesPersisted notifies the webhook of each candle's symbol, if
// one is registered. Called by the persister after a batch commits.
func (d *Dispatcher) CandlesPersisted(ctx context.Context, candles []model.Candle) {
	urls := map[string]string{}
	for i := range candles {
		symbol := candles[i].Symbol
		url, ok := urls[symbol]
		if !ok {
			url = d.webhookFor(ctx, symbol)
			urls[symbol] = url
		}
		if url == "" {
			continue
		}
		if err := d.post(ctx, url, &candles[i]); err != nil {
			log.Printf("[webhook] delivery to %s failed for %s: %v", url, candles[i].Key(), err)
		}
	}
}

// webhookFor reads the subscription state for a symbol. Missing or
// undecodable state means no webhook.
func (d *Dispatcher) webhookFor(ctx context.Context, symbol string) string {
	payload, err := d.broker.GetKV(ctx, broker.KeySubscription(symbol))
	if err != nil || payload == nil {
		return ""
	}
	var state model.SubscriptionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return ""
	}
	return state.WebhookURL
}

func (d *Dispatcher) post(ctx context.Context, url string, c *model.Candle) error {
	body, err := json.Marshal(map[string]any{
		"event":  "candle.closed",
		"candle": c,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
