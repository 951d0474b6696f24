package model

import (
	"fmt"
	"strings"
)

// Timeframes form a closed set. Internally the canonical lower-case
// form is used everywhere (storage rows, queue envelopes); the venue
// wire format upper-cases hour/day bars (1H, 4H, 1D).
var timeframeIntervalMS = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

var timeframeWire = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"1h":  "1H",
	"4h":  "4H",
	"1d":  "1D",
}

// DefaultReconcileTimeframes are the timeframes audited by the
// windowed reconciler when none are given explicitly.
var DefaultReconcileTimeframes = []string{"5m", "15m", "1h", "4h", "1d"}

// ValidTimeframe reports whether tf is a member of the closed set.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeIntervalMS[tf]
	return ok
}

// IntervalMS returns the bucket width of a canonical timeframe in
// milliseconds, or 0 for an unknown timeframe.
func IntervalMS(tf string) int64 {
	return timeframeIntervalMS[tf]
}

// RenderTimeframe converts a canonical timeframe to the venue's wire
// form (1h → 1H). Unknown input is passed through unchanged.
func RenderTimeframe(tf string) string {
	if wire, ok := timeframeWire[tf]; ok {
		return wire
	}
	return tf
}

// CanonicalTimeframe converts a venue wire timeframe back to the
// canonical lower-case form (1H → 1h). Unknown input is passed
// through unchanged so malformed channels surface downstream.
func CanonicalTimeframe(wire string) string {
	for canon, w := range timeframeWire {
		if w == wire {
			return canon
		}
	}
	return wire
}

// ParseTimeframes splits a comma-separated timeframe list and rejects
// members outside the closed set.
func ParseTimeframes(s string) ([]string, error) {
	parts := strings.Split(s, ",")
	tfs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = CanonicalTimeframe(p)
		if !ValidTimeframe(p) {
			return nil, fmt.Errorf("unknown timeframe %q", p)
		}
		tfs = append(tfs, p)
	}
	if len(tfs) == 0 {
		return nil, fmt.Errorf("no timeframes in %q", s)
	}
	return tfs, nil
}
