package model

import "encoding/json"

// Control actions published on collector:<symbol> topics.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlCommand is the message the gateway publishes to steer the
// collector supervisor. Subscribe commands carry the full symbol list;
// unsubscribe commands name a single symbol.
type ControlCommand struct {
	Action         string   `json:"action"`
	Symbols        []string `json:"symbols,omitempty"`
	Symbol         string   `json:"symbol,omitempty"`
	Timeframes     []string `json:"timeframes,omitempty"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
	SubscriptionID string   `json:"subscription_id,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// SubscriptionState is the TTL-backed record written under
// subscription:<symbol> when a subscribe command is accepted.
type SubscriptionState struct {
	Symbol         string   `json:"symbol"`
	Timeframes     []string `json:"timeframes"`
	WebhookURL     string   `json:"webhook_url,omitempty"`
	SubscriptionID string   `json:"subscription_id"`
	CreatedAt      string   `json:"created_at"`
}

// CollectorStatus is the per-worker snapshot written under
// status:<symbol> (TTL 300s). Owned by the worker; read-only to
// observers.
type CollectorStatus struct {
	Symbol         string   `json:"symbol"`
	Status         string   `json:"status"`
	Connected      bool     `json:"is_connected"`
	ReconnectCount int64    `json:"reconnect_count"`
	MessageCount   int64    `json:"message_count"`
	ErrorCount     int64    `json:"error_count"`
	Channels       []string `json:"subscribed_channels"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	LastUpdate     string   `json:"last_update"`
}

// ServiceStatus is the aggregate collector-service snapshot written
// under collector_service_status (TTL 120s).
type ServiceStatus struct {
	Service          string `json:"service"`
	ActiveCollectors int    `json:"active_collectors"`
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
}

// ProcessorMetrics is the persister's queue snapshot written under
// processor_metrics (TTL 60s).
type ProcessorMetrics struct {
	Service     string `json:"service"`
	QueueLength int64  `json:"queue_length"`
	DLQLength   int64  `json:"dlq_length"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// JSON helpers mirror Candle.JSON for snapshot writes.

func (s *CollectorStatus) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

func (s *ServiceStatus) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

func (m *ProcessorMetrics) JSON() []byte {
	b, _ := json.Marshal(m)
	return b
}

func (s *SubscriptionState) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
