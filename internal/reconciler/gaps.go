// Package reconciler repairs the candlestick table: duplicate and
// invalid rows are removed, and missing buckets are refetched over
// REST, both for a rolling recent window and for deep historical
// backfills.
package reconciler

import "sort"

// Gap is a contiguous run of missing buckets inside the inspected
// window. Start and End are the first and last missing bucket
// timestamps, inclusive.
type Gap struct {
	StartMS int64
	EndMS   int64
}

// Count returns the number of missing buckets in the gap.
func (g Gap) Count(intervalMS int64) int64 {
	return (g.EndMS-g.StartMS)/intervalMS + 1
}

// DetectGaps compares the stored timestamps against every aligned
// bucket in [startMS, endMS] and returns the missing runs, coalesced.
// Absence at the window's edges counts: an outage right before or
// after the stored range is a gap like any other. Input order does
// not matter; duplicates and out-of-window timestamps are ignored.
func DetectGaps(timestamps []int64, intervalMS, startMS, endMS int64) []Gap {
	if intervalMS <= 0 {
		return nil
	}
	first := (startMS + intervalMS - 1) / intervalMS * intervalMS
	last := endMS / intervalMS * intervalMS
	if first > last {
		return nil
	}

	sorted := make([]int64, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var gaps []Gap
	prev := first - intervalMS
	for _, ts := range sorted {
		if ts < first || ts > last || ts == prev {
			continue
		}
		if ts-prev > intervalMS {
			gaps = append(gaps, Gap{StartMS: prev + intervalMS, EndMS: ts - intervalMS})
		}
		prev = ts
	}
	if last-prev >= intervalMS {
		gaps = append(gaps, Gap{StartMS: prev + intervalMS, EndMS: last})
	}
	return gaps
}
