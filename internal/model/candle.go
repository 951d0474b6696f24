package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candle is the canonical OHLCV unit for a single (symbol, timeframe,
// timestamp) bucket. Timestamps are UTC epoch milliseconds aligned to
// the timeframe boundary.
type Candle struct {
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	TimestampMS int64   `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`

	// VolumeCurrency is the quote-currency turnover reported by the
	// venue. Carried for observability; not persisted.
	VolumeCurrency float64 `json:"volume_currency,omitempty"`

	// Confirm marks a closed bucket. Unconfirmed candles are
	// provisional and must never reach the store.
	Confirm bool `json:"confirm"`
}

// Key returns the composite identity "symbol:timeframe:timestamp".
func (c *Candle) Key() string {
	return fmt.Sprintf("%s:%s:%d", c.Symbol, c.Timeframe, c.TimestampMS)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// ValidateIngress applies the cheap checks done at collection time.
// The remaining invariants are enforced by the reconciler where a
// single SQL pass covers the whole window.
func (c *Candle) ValidateIngress() error {
	if c.Volume <= 0 {
		return fmt.Errorf("candle %s: volume %v not positive", c.Key(), c.Volume)
	}
	if c.Close <= 0 {
		return fmt.Errorf("candle %s: close %v not positive", c.Key(), c.Close)
	}
	return nil
}

// Validate applies the full set of row invariants.
func (c *Candle) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %s: non-positive price", c.Key())
	}
	if c.Volume <= 0 {
		return fmt.Errorf("candle %s: non-positive volume", c.Key())
	}
	if c.High < c.Low || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s: high %v below another price", c.Key(), c.High)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle %s: low %v above another price", c.Key(), c.Low)
	}
	iv := IntervalMS(c.Timeframe)
	if iv == 0 {
		return fmt.Errorf("candle %s: unknown timeframe", c.Key())
	}
	if c.TimestampMS%iv != 0 {
		return fmt.Errorf("candle %s: timestamp not aligned to %dms", c.Key(), iv)
	}
	return nil
}

// Envelope sources.
const (
	SourceStream = "stream"
	SourceREST   = "rest"
)

// Envelope wraps a Candle on the broker queues with delivery metadata.
// DLQ entries additionally carry the failure context.
type Envelope struct {
	Candle

	ReceivedAt string `json:"received_at"`
	Source     string `json:"source"`
	RetryCount int    `json:"retry_count,omitempty"`

	// Set when the envelope is routed to the dead-letter queue.
	Error    string `json:"error,omitempty"`
	FailedAt string `json:"failed_at,omitempty"`
}

// NewEnvelope stamps a candle with its receive time and source.
func NewEnvelope(c Candle, source string) Envelope {
	return Envelope{
		Candle:     c,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Source:     source,
	}
}

// JSON returns the JSON-encoded envelope.
func (e *Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
