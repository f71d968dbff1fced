package main

import (
	"fmt"
	"io"
	"math"
	"sort"
)

type sessionResult struct {
	success    bool
	hasAudio   bool
	cancelled  int
	responseMs float64
	audioMs    float64
	err        string
}

func printSummary(w io.Writer, results []sessionResult) {
	var succeeded, failed, cancelled int
	var responseAll, audioAll []float64
	errs := map[string]int{}

	for _, r := range results {
		cancelled += r.cancelled
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		responseAll = append(responseAll, r.responseMs)
		if r.hasAudio {
			audioAll = append(audioAll, r.audioMs)
		}
	}

	fmt.Fprintf(w, "=== Load Test Results ===\n")
	fmt.Fprintf(w, "Sessions completed: %d\n", succeeded)
	fmt.Fprintf(w, "Sessions failed:    %d\n", failed)
	fmt.Fprintf(w, "Units cancelled:    %d\n", cancelled)
	for msg, n := range errs {
		fmt.Fprintf(w, "  %4d  %s\n", n, msg)
	}

	if len(responseAll) == 0 {
		fmt.Fprintln(w, "No successful sessions to report latency")
		return
	}

	fmt.Fprintf(w, "\n%-12s %8s %8s %8s\n", "Latency", "p50", "p95", "p99")
	fmt.Fprintf(w, "%-12s %6.0fms %6.0fms %6.0fms\n", "first audio", percentile(audioAll, 50), percentile(audioAll, 95), percentile(audioAll, 99))
	fmt.Fprintf(w, "%-12s %6.0fms %6.0fms %6.0fms\n", "response", percentile(responseAll, 50), percentile(responseAll, 95), percentile(responseAll, 99))
}

// percentile uses nearest-rank on a sorted copy. Empty input yields 0.
func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
