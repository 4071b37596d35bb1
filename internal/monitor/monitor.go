// Package monitor implements the error-monitor CLI surface supplemented
// from the Python original's scripts/error_monitor.py: it renders the
// Error Tracker's summary plus the Circuit Breaker Registry's stats as a
// text dashboard, and exports the full error history to a file, for the
// monitor-errors CLI verb (spec.md §6).
package monitor

import (
	"fmt"
	"sort"
	"strings"

	"marketfeed/internal/breaker"
	"marketfeed/internal/errtrack"
	"marketfeed/internal/model"
)

const recentHistorySize = 5

// Monitor renders a point-in-time view of the Error Tracker and Circuit
// Breaker Registry. It holds no state of its own beyond the two
// dependencies it reports on.
type Monitor struct {
	tracker  *errtrack.Tracker
	breakers *breaker.Registry
}

func New(tracker *errtrack.Tracker, breakers *breaker.Registry) *Monitor {
	return &Monitor{tracker: tracker, breakers: breakers}
}

// Render builds the text dashboard error_monitor.py's print_dashboard
// prints to the terminal, minus the ANSI clear-screen and color icons
// (left to the CLI layer, which may not have a terminal to paint).
func (m *Monitor) Render() string {
	var b strings.Builder

	summary := m.tracker.Summary(recentHistorySize)
	stats := m.breakers.AllStats()

	fmt.Fprintf(&b, "OVERALL STATISTICS\n")
	fmt.Fprintf(&b, "Total errors: %d\n\n", summary.Total)

	if len(summary.CountsByKind) > 0 {
		fmt.Fprintf(&b, "ERROR TYPES:\n")
		kinds := sortedKinds(summary.CountsByKind)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  %-20s %5d errors  (%6.2f/min)\n", k, summary.CountsByKind[k], summary.RatePerMin[k])
		}
		b.WriteString("\n")
	}

	if len(summary.Recent) > 0 {
		fmt.Fprintf(&b, "RECENT ERRORS (last %d):\n", len(summary.Recent))
		for _, rec := range summary.Recent {
			msg := rec.Message
			if len(msg) > 60 {
				msg = msg[:60]
			}
			fmt.Fprintf(&b, "  [%s] %s %s: %s\n", rec.Timestamp.Format("2006-01-02T15:04:05Z"), rec.Severity, rec.Kind, msg)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "CIRCUIT BREAKERS:\n")
	if len(stats) == 0 {
		b.WriteString("  none registered\n")
	} else {
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := stats[name]
			fmt.Fprintf(&b, "  %-20s state=%-10s calls=%-5d success_rate=%5.1f%% failed=%-4d rejected=%-4d\n",
				s.Name, s.State, s.TotalCalls, s.SuccessRate, s.FailedCalls, s.RejectedCalls)
		}
	}
	b.WriteString("\n")

	b.WriteString("HEALTH: " + healthIndicator(summary.Total) + "\n")

	openCount := 0
	for _, s := range stats {
		if s.State == breaker.StateOpen {
			openCount++
		}
	}
	if openCount > 0 {
		fmt.Fprintf(&b, "  %d circuit breaker(s) OPEN\n", openCount)
	}

	return b.String()
}

func healthIndicator(total int64) string {
	switch {
	case total == 0:
		return "EXCELLENT - no errors"
	case total < 10:
		return "GOOD - minor issues"
	case total < 50:
		return "WARNING - moderate errors"
	default:
		return "CRITICAL - many errors"
	}
}

func sortedKinds(counts map[model.Kind]int64) []model.Kind {
	// Sort by count descending, matching error_monitor.py's
	// sorted(..., reverse=True) ordering.
	type kv struct {
		kind  model.Kind
		count int64
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].count > kvs[j].count })
	out := make([]model.Kind, len(kvs))
	for i, e := range kvs {
		out[i] = e.kind
	}
	return out
}

// Export writes the full error history and summary to path as JSON,
// delegating to the Error Tracker's own Export.
func (m *Monitor) Export(path string) error {
	return m.tracker.Export(path)
}
