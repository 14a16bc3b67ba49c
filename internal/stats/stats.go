// Package stats collects the per-phase time and communication figures of
// a protocol run and renders the append-only report file.
package stats

import (
	"fmt"
	"os"
	"time"

	mstats "github.com/montanaflynn/stats"
)

// Comm accumulates bytes moved in one direction pair.
type Comm struct {
	Sent     uint64
	Received uint64
}

// Total returns sent plus received bytes.
func (c Comm) Total() uint64 { return c.Sent + c.Received }

// MegabytesSent returns the sent volume in MiB.
func (c Comm) MegabytesSent() float64 { return float64(c.Sent) / (1024 * 1024) }

// MegabytesReceived returns the received volume in MiB.
func (c Comm) MegabytesReceived() float64 { return float64(c.Received) / (1024 * 1024) }

// TotalMegabytes returns the total volume in MiB.
func (c Comm) TotalMegabytes() float64 { return float64(c.Total()) / (1024 * 1024) }

// Phase is the duration and traffic of one protocol phase.
type Phase struct {
	Duration time.Duration
	Comm     Comm
}

// Report is one party's complete run summary.
type Report struct {
	Role  string
	N     int
	D     int
	Delta int
	L     int

	Offline Phase
	Online  Phase

	QueryDurations []time.Duration
	Matches        int
}

// querySummary condenses the per-query latencies.
func (r *Report) querySummary() (mean, median, max float64, ok bool) {
	if len(r.QueryDurations) == 0 {
		return 0, 0, 0, false
	}
	ms := make([]float64, len(r.QueryDurations))
	for i, d := range r.QueryDurations {
		ms[i] = float64(d.Microseconds()) / 1000
	}
	mean, _ = mstats.Mean(ms)
	median, _ = mstats.Median(ms)
	max, _ = mstats.Max(ms)
	return mean, median, max, true
}

// String renders the human-readable report block.
func (r *Report) String() string {
	total := r.Offline.Duration + r.Online.Duration
	s := "========================================\n"
	s += fmt.Sprintf("Role: %s\n", r.Role)
	s += fmt.Sprintf("Params: n=%d, d=%d, delta=%d, L=%d\n", r.N, r.D, r.Delta, r.L)
	s += fmt.Sprintf("Matches: %d\n", r.Matches)
	s += "========================================\n\n"

	s += "Offline phase:\n"
	s += fmt.Sprintf("  time: %.3f s\n", r.Offline.Duration.Seconds())
	s += fmt.Sprintf("  sent: %.3f MB\n", r.Offline.Comm.MegabytesSent())
	s += fmt.Sprintf("  received: %.3f MB\n", r.Offline.Comm.MegabytesReceived())
	s += fmt.Sprintf("  total: %.3f MB\n\n", r.Offline.Comm.TotalMegabytes())

	s += "Online phase:\n"
	s += fmt.Sprintf("  time: %.3f s\n", r.Online.Duration.Seconds())
	s += fmt.Sprintf("  sent: %.3f MB\n", r.Online.Comm.MegabytesSent())
	s += fmt.Sprintf("  received: %.3f MB\n", r.Online.Comm.MegabytesReceived())
	s += fmt.Sprintf("  total: %.3f MB\n", r.Online.Comm.TotalMegabytes())
	if mean, median, max, ok := r.querySummary(); ok {
		s += fmt.Sprintf("  per query: mean %.1f ms, median %.1f ms, max %.1f ms\n", mean, median, max)
	}
	s += "\n"

	s += "Total:\n"
	s += fmt.Sprintf("  time: %.3f s\n", total.Seconds())
	s += fmt.Sprintf("  comm: %.3f MB\n\n",
		r.Offline.Comm.TotalMegabytes()+r.Online.Comm.TotalMegabytes())
	return s
}

// Save appends the report block to the statistics file.
func (r *Report) Save(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open stats file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(r.String()); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	return nil
}
