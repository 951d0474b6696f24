// Package okx adapts the OKX v5 API surface used by the pipeline: the
// candle websocket channels and the market-candles REST endpoint.
package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ohlcv-pipeline/internal/model"
)

// SubscribeArg identifies one channel subscription on the wire.
type SubscribeArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsRequest is the op envelope for subscribe/unsubscribe commands.
type wsRequest struct {
	Op   string         `json:"op"`
	Args []SubscribeArg `json:"args"`
}

// CandleChannel renders the wire channel name for a canonical
// timeframe: "candle" + venue form, e.g. 1h → candle1H.
func CandleChannel(timeframe string) string {
	return "candle" + model.RenderTimeframe(timeframe)
}

// MessageKind discriminates inbound websocket messages.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindSubscribeAck
	KindError
	KindData
)

// Message is the decoded inbound envelope. The event tag selects the
// variant: subscribe acks and errors carry Event/Code/Msg, data pushes
// carry Arg and Data rows.
type Message struct {
	Event string       `json:"event,omitempty"`
	Arg   SubscribeArg `json:"arg,omitempty"`
	Code  string       `json:"code,omitempty"`
	Msg   string       `json:"msg,omitempty"`
	Data  []CandleRow  `json:"data,omitempty"`
}

// CandleRow is one wire candle:
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
type CandleRow []string

// Kind classifies the message for dispatch.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Event == "subscribe" || m.Event == "unsubscribe":
		return KindSubscribeAck
	case m.Event == "error":
		return KindError
	case len(m.Data) > 0:
		return KindData
	default:
		return KindUnknown
	}
}

// ParseMessage decodes an inbound websocket payload.
func ParseMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// ParseCandle converts a wire candle row from the given channel into
// the canonical model. The channel determines the timeframe; the
// ninth field flags a confirmed (closed) bucket.
func ParseCandle(arg SubscribeArg, row CandleRow) (model.Candle, error) {
	if len(row) < 9 {
		return model.Candle{}, fmt.Errorf("candle row has %d fields, want 9", len(row))
	}

	wireTF := strings.TrimPrefix(arg.Channel, "candle")
	tf := model.CanonicalTimeframe(wireTF)
	if !model.ValidTimeframe(tf) {
		return model.Candle{}, fmt.Errorf("channel %q: unknown timeframe", arg.Channel)
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("candle ts %q: %w", row[0], err)
	}

	prices := make([]float64, 6)
	for i := 1; i <= 6; i++ {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("candle field %d %q: %w", i, row[i], err)
		}
		prices[i-1] = v
	}

	return model.Candle{
		Symbol:         arg.InstID,
		Timeframe:      tf,
		TimestampMS:    ts,
		Open:           prices[0],
		High:           prices[1],
		Low:            prices[2],
		Close:          prices[3],
		Volume:         prices[4],
		VolumeCurrency: prices[5],
		Confirm:        row[8] == "1",
	}, nil
}
